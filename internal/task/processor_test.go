package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/events"
	"OpenMCP-Assistant/internal/orchestrator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeExecutor 按消息文本返回预设的错误序列，序列耗尽后成功。
type fakeExecutor struct {
	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failures: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeExecutor) failWith(message string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[message] = append(f.failures[message], errs...)
}

func (f *fakeExecutor) callsFor(message string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[message]
}

func (f *fakeExecutor) ProcessTurn(_ context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Message]++
	if queue := f.failures[req.Message]; len(queue) > 0 {
		err := queue[0]
		if len(queue) > 1 {
			f.failures[req.Message] = queue[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	return &orchestrator.TurnResponse{Message: "done: " + req.Message, SessionID: req.SessionID}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type pipeline struct {
	service  *Service
	executor *fakeExecutor
	notifier *recordingNotifier
}

// startPipeline 启动处理器，测试结束时停止并等待其退出。
func startPipeline(t *testing.T, maxRetries, workers int) *pipeline {
	t.Helper()
	store := newTestStore()
	queue := NewMemoryQueue(256)
	p := &pipeline{
		service:  NewService(store, queue, maxRetries),
		executor: newFakeExecutor(),
		notifier: &recordingNotifier{},
	}
	processor := NewProcessor(p.executor, store, queue, queue,
		WithWorkerCount(workers),
		WithRetryDelay(0),
		WithNotifier(p.notifier),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("processor exited: %v", err)
		}
	})
	return p
}

func (p *pipeline) wait(t *testing.T, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := p.service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return task
}

func busy() error {
	return xerrors.New(xerrors.CodeSessionBusy, "session s-1 is busy", xerrors.WithRetryable(true))
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	p := startPipeline(t, 3, 8)
	ctx := context.Background()

	const total = 100
	submitted := make([]string, 0, total)
	for i := 0; i < total; i++ {
		task, err := p.service.Submit(ctx, "", orchestrator.TurnRequest{
			Message: fmt.Sprintf("turn-%d", i),
			UserID:  "u-1",
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		submitted = append(submitted, task.ID)
	}
	for _, id := range submitted {
		task := p.wait(t, id)
		if task.Status != StatusSucceeded || task.Result == nil {
			t.Fatalf("task %s not succeeded: %+v", id, task)
		}
		if task.Result.SessionID != task.SessionID {
			t.Fatalf("result session %q differs from task session %q", task.Result.SessionID, task.SessionID)
		}
	}
}

func TestProcessorRetriesBusySession(t *testing.T) {
	p := startPipeline(t, 3, 2)
	p.executor.failWith("archive all", busy(), nil)

	task, err := p.service.Submit(context.Background(), "job-1", orchestrator.TurnRequest{Message: "archive all", UserID: "u-1", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := p.wait(t, task.ID)
	if done.Status != StatusSucceeded || done.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", done)
	}
	if done.Result.Message != "done: archive all" {
		t.Fatalf("unexpected reply %q", done.Result.Message)
	}
	if got := p.notifier.types(); len(got) != 1 || got[0] != events.TurnJobRetried {
		t.Fatalf("expected one retry event, got %v", got)
	}
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	p := startPipeline(t, 3, 1)
	p.executor.failWith("hello", xerrors.New(xerrors.CodeSessionForbidden, "session belongs to another user"))

	task, err := p.service.Submit(context.Background(), "", orchestrator.TurnRequest{Message: "hello", UserID: "u-2", SessionID: "s-9"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := p.wait(t, task.ID)
	if done.Status != StatusFailed || done.Attempts != 1 {
		t.Fatalf("expected terminal failure after one attempt, got %+v", done)
	}
	if done.ErrorCode != string(xerrors.CodeSessionForbidden) {
		t.Fatalf("unexpected error code %q", done.ErrorCode)
	}
	if got := p.notifier.types(); len(got) != 1 || got[0] != events.TurnJobFailed {
		t.Fatalf("expected one failure event, got %v", got)
	}
}

func TestProcessorGivesUpAfterMaxRetries(t *testing.T) {
	p := startPipeline(t, 2, 1)
	p.executor.failWith("yes", busy())

	task, err := p.service.Submit(context.Background(), "", orchestrator.TurnRequest{Message: "yes", UserID: "u-1", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := p.wait(t, task.ID)
	if done.Status != StatusFailed || done.Attempts != 2 {
		t.Fatalf("expected failure after two attempts, got %+v", done)
	}
	if n := p.executor.callsFor("yes"); n != 2 {
		t.Fatalf("expected 2 executions, got %d", n)
	}
}

func TestServiceSubmit(t *testing.T) {
	store := newTestStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 3)
	ctx := context.Background()

	_, err := service.Submit(ctx, "", orchestrator.TurnRequest{Message: "  ", UserID: "u-1"})
	if !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("blank message must fail validation, got %v", err)
	}

	first, err := service.Submit(ctx, "job-7", orchestrator.TurnRequest{Message: "archive", UserID: "u-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.SessionID == "" {
		t.Fatal("session id must be assigned on submit")
	}
	again, err := service.Submit(ctx, "job-7", orchestrator.TurnRequest{Message: "something else", UserID: "u-1"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.Message != "archive" || again.SessionID != first.SessionID {
		t.Fatalf("resubmitting an id must return the original task, got %+v", again)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected a single queued job, got %d", queue.Len())
	}

	_ = queue.Close()
	_, err = service.Submit(ctx, "job-8", orchestrator.TurnRequest{Message: "hi", UserID: "u-1"})
	if !xerrors.HasCode(err, CodeTaskPublish) {
		t.Fatalf("expected publish failure, got %v", err)
	}
	failed, getErr := store.Get(ctx, "job-8")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if failed.Status != StatusFailed || failed.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unpublished task must be failed, got %+v", failed)
	}

	if _, err := service.Get(ctx, "nope"); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
