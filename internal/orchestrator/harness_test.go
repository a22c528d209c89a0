package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"OpenMCP-Assistant/internal/capability"
	"OpenMCP-Assistant/internal/ledger"
	"OpenMCP-Assistant/internal/oracle"
	"OpenMCP-Assistant/internal/oracle/oracletest"
	"OpenMCP-Assistant/internal/session"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mailbox 是邮件领域的后端替身。
type mailbox struct {
	mu     sync.Mutex
	ids    []string
	secret string
	fatal  map[string]string
	flaky  map[string]int
	calls  []capability.Request
}

func newMailbox(n int) *mailbox {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%02d", i+1)
	}
	return &mailbox{
		ids:    ids,
		secret: "Payroll figures for ACME Q3",
		fatal:  map[string]string{},
		flaky:  map[string]int{},
	}
}

func (b *mailbox) Call(_ context.Context, req capability.Request) (capability.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)

	switch req.Operation {
	case "search_emails":
		ids := make([]any, len(b.ids))
		for i, id := range b.ids {
			ids[i] = id
		}
		return capability.Result{"ids": ids, "preview": b.secret}, nil
	case "archive_email", "unarchive_email":
		id := fmt.Sprint(req.Parameters["message_id"])
		if reason, ok := b.fatal[id]; ok {
			return nil, capability.Failure(false, reason)
		}
		if b.flaky[id] > 0 {
			b.flaky[id]--
			return nil, capability.Failure(true, "mail gateway busy")
		}
		return capability.Result{"id": id, "ok": true}, nil
	case "send_email":
		return capability.Result{"message_id": "sent-1"}, nil
	}
	return nil, capability.Failure(false, "unsupported operation")
}

func (b *mailbox) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, call := range b.calls {
		if call.Operation == op {
			n++
		}
	}
	return n
}

func (b *mailbox) attempts(op, id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, call := range b.calls {
		if call.Operation == op && fmt.Sprint(call.Parameters["message_id"]) == id {
			n++
		}
	}
	return n
}

func (b *mailbox) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func mailOperations() []capability.Operation {
	return []capability.Operation{
		{Name: "search_emails", Kind: capability.KindRead, Required: []string{"query"}},
		{Name: "archive_email", Kind: capability.KindWrite, Required: []string{"message_id"}, Reversible: true, Reverse: "unarchive_email", ItemParam: "message_id", Action: "archive"},
		{Name: "unarchive_email", Kind: capability.KindWrite, Required: []string{"message_id"}, Reversible: true, ItemParam: "message_id", Action: "unarchive"},
		{Name: "send_email", Kind: capability.KindWrite, Required: []string{"to", "subject", "body"}, ExternalRecipients: true, Action: "send"},
	}
}

type harness struct {
	master *Master
	store  *session.MemoryStore
	oracle *oracletest.Scripted
	mail   *mailbox
	ledger *ledger.MemoryLedger
	clock  *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:  session.NewMemoryStore(),
		oracle: oracletest.New(),
		mail:   newMailbox(23),
		clock:  newFakeClock(),
	}
	h.ledger = ledger.NewMemoryLedger(ledger.WithClock(h.clock.Now))

	registry, err := capability.NewRegistry(capability.Domain{Name: "mail", Operations: mailOperations(), Backend: h.mail})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	dispatcher := capability.NewDispatcher(registry, capability.WithCallTimeout(time.Second))

	base := []Option{WithClock(h.clock.Now), WithLedger(h.ledger), WithTurnTimeout(5 * time.Second)}
	h.master = NewMaster(h.store, h.oracle, dispatcher, append(base, opts...)...)

	// 搜索完成后，为每个结果排入一次归档调用。
	h.oracle.Default(oracle.StageReassess, func(_ context.Context, req oracle.Request) (*oracle.Decision, error) {
		if req.LastToolResult == nil || req.LastToolResult.Name != "search_emails" {
			return &oracle.Decision{}, nil
		}
		found, _ := req.WorkingData["search_emails"].(map[string]any)
		ids, _ := found["ids"].([]any)
		decision := &oracle.Decision{}
		for _, id := range ids {
			decision.ToolCallEdits = append(decision.ToolCallEdits, oracle.ToolCallEdit{
				Op:         oracle.EditAppend,
				Name:       "archive_email",
				Parameters: map[string]any{"message_id": id},
			})
		}
		return decision, nil
	})
	return h
}

func (h *harness) turn(t *testing.T, sessionID, text string) *TurnResponse {
	t.Helper()
	resp, err := h.master.ProcessTurn(context.Background(), TurnRequest{Message: text, SessionID: sessionID, UserID: "u-1"})
	if err != nil {
		t.Fatalf("turn %q: %v", text, err)
	}
	if resp.Message == "" {
		t.Fatalf("turn %q returned an empty message", text)
	}
	return resp
}

func (h *harness) session(t *testing.T, id string) *session.Session {
	t.Helper()
	sess, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load session %s: %v", id, err)
	}
	return sess
}

func mailCommand(text string) *oracle.Decision {
	return &oracle.Decision{Commands: []oracle.CommandDraft{{Domain: "mail", Text: text}}}
}

// requestArchive 驱动第一轮：搜索 23 封邮件并停在确认上。
func (h *harness) requestArchive(t *testing.T, sessionID string) *TurnResponse {
	t.Helper()
	h.oracle.On(oracle.StageDecompose, mailCommand("archive all newsletters from today"))
	h.oracle.On(oracle.StageInterpret, &oracle.Decision{
		ToolCalls:      []oracle.ToolCallDraft{{Name: "search_emails", Parameters: map[string]any{"query": "category:newsletter newer_than:1d"}}},
		AmbiguousScope: true,
	})
	return h.turn(t, sessionID, "archive all newsletters from today")
}

func (h *harness) confirm(t *testing.T, sessionID string, fold *oracle.Decision) *TurnResponse {
	t.Helper()
	h.oracle.On(oracle.StageDecompose, mailCommand("yes"))
	h.oracle.On(oracle.StageClassifyReply, &oracle.Decision{Reply: oracle.ReplyAffirmative})
	if fold != nil {
		h.oracle.On(oracle.StageFold, fold)
	}
	return h.turn(t, sessionID, "yes")
}
