// Package oracletest provides a scripted decision function for coordinator
// tests. Decisions are queued per stage; once a queue is drained the stage
// falls back to its registered function or to an empty decision.
package oracletest

import (
	"context"
	"encoding/json"
	"sync"

	"OpenMCP-Assistant/internal/oracle"
)

type step struct {
	decision *oracle.Decision
	err      error
	hang     bool
}

// Scripted 是可编排的决策函数替身。
type Scripted struct {
	mu       sync.Mutex
	queues   map[oracle.Stage][]step
	fallback map[oracle.Stage]oracle.Func
	requests []oracle.Request
}

var _ oracle.Oracle = (*Scripted)(nil)

// New 创建 Scripted。
func New() *Scripted {
	return &Scripted{
		queues:   make(map[oracle.Stage][]step),
		fallback: make(map[oracle.Stage]oracle.Func),
	}
}

// On 为阶段追加按顺序返回的决策。
func (s *Scripted) On(stage oracle.Stage, decisions ...*oracle.Decision) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range decisions {
		s.queues[stage] = append(s.queues[stage], step{decision: d})
	}
	return s
}

// Fail 让阶段的下一次调用返回错误。
func (s *Scripted) Fail(stage oracle.Stage, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[stage] = append(s.queues[stage], step{err: err})
	return s
}

// Hang 让阶段的下一次调用阻塞直到上下文结束。
func (s *Scripted) Hang(stage oracle.Stage) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[stage] = append(s.queues[stage], step{hang: true})
	return s
}

// Default 设置队列耗尽后的处理函数。
func (s *Scripted) Default(stage oracle.Stage, fn oracle.Func) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[stage] = fn
	return s
}

// Decide 实现 oracle.Oracle。
func (s *Scripted) Decide(ctx context.Context, req oracle.Request) (*oracle.Decision, error) {
	s.mu.Lock()
	s.requests = append(s.requests, snapshot(req))
	queue := s.queues[req.Stage]
	var next *step
	if len(queue) > 0 {
		next = &queue[0]
		s.queues[req.Stage] = queue[1:]
	}
	fn := s.fallback[req.Stage]
	s.mu.Unlock()

	if next != nil {
		if next.hang {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if next.err != nil {
			return nil, next.err
		}
		return clone(next.decision), nil
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return &oracle.Decision{}, nil
}

// Requests 返回记录下的请求快照，可按阶段过滤。
func (s *Scripted) Requests(stages ...oracle.Stage) []oracle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(stages) == 0 {
		return append([]oracle.Request(nil), s.requests...)
	}
	var out []oracle.Request
	for _, req := range s.requests {
		for _, stage := range stages {
			if req.Stage == stage {
				out = append(out, req)
				break
			}
		}
	}
	return out
}

// Calls 统计某阶段的调用次数。
func (s *Scripted) Calls(stage oracle.Stage) int {
	return len(s.Requests(stage))
}

func snapshot(req oracle.Request) oracle.Request {
	raw, err := json.Marshal(req)
	if err != nil {
		return req
	}
	var out oracle.Request
	if err := json.Unmarshal(raw, &out); err != nil {
		return req
	}
	return out
}

func clone(d *oracle.Decision) *oracle.Decision {
	if d == nil {
		return &oracle.Decision{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		copied := *d
		return &copied
	}
	var out oracle.Decision
	if err := json.Unmarshal(raw, &out); err != nil {
		copied := *d
		return &copied
	}
	return &out
}
