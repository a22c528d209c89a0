package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"OpenMCP-Assistant/internal/oracle"
	"OpenMCP-Assistant/internal/session"

	"github.com/google/go-cmp/cmp"
)

func TestBulkArchiveRequiresConfirmationThenRecordsUndo(t *testing.T) {
	h := newHarness(t)

	first := h.requestArchive(t, "s-archive")
	if !first.RequiresConfirmation {
		t.Fatalf("expected confirmation, got %q", first.Message)
	}
	if !strings.Contains(first.Message, "23 items found") {
		t.Fatalf("preview missing count: %q", first.Message)
	}
	if got := h.mail.count("archive_email"); got != 0 {
		t.Fatalf("no archive may run before confirmation, got %d calls", got)
	}

	sess := h.session(t, "s-archive")
	pending := sess.SubAgents["mail"].PendingAction
	if pending == nil || pending.Kind != "bulk_archive" || len(pending.AffectedItemIDs) != 23 {
		t.Fatalf("unexpected pending action: %#v", pending)
	}
	if pending.RiskLevel == "" {
		t.Fatalf("pending action must carry a risk level")
	}

	second := h.confirm(t, "s-archive", &oracle.Decision{IsComplete: true})
	if second.RequiresConfirmation {
		t.Fatalf("confirmed turn must not ask again: %q", second.Message)
	}
	if got := h.mail.count("archive_email"); got != 23 {
		t.Fatalf("expected 23 archive calls, got %d", got)
	}

	sess = h.session(t, "s-archive")
	state := sess.SubAgents["mail"]
	if state.PendingAction != nil {
		t.Fatalf("pending action must be cleared")
	}
	last := state.LastAction
	if last == nil {
		t.Fatalf("expected last_action after bulk archive")
	}
	if last.Kind != "bulk_archive" || len(last.AffectedItemIDs) != 23 || !last.Reversible {
		t.Fatalf("unexpected last_action: %#v", last)
	}
	if want := h.clock.Now().Add(5 * time.Minute); !last.UndoDeadline.Equal(want) {
		t.Fatalf("undo deadline = %s, want %s", last.UndoDeadline, want)
	}

	recorded, err := h.ledger.Lookup(t.Context(), "s-archive", "mail")
	if err != nil || recorded == nil {
		t.Fatalf("ledger lookup: %v %#v", err, recorded)
	}
	if diff := cmp.Diff(last.AffectedItemIDs, recorded.AffectedItemIDs); diff != "" {
		t.Fatalf("ledger ids mismatch (-session +ledger):\n%s", diff)
	}
}

func TestUndoAfterWindowIsRejected(t *testing.T) {
	h := newHarness(t)
	h.requestArchive(t, "s-late")
	h.confirm(t, "s-late", &oracle.Decision{IsComplete: true})
	before := h.session(t, "s-late").SubAgents["mail"].LastAction
	calls := h.mail.total()

	h.clock.Advance(6 * time.Minute)
	h.oracle.On(oracle.StageDecompose, mailCommand("undo the archive"))
	h.oracle.On(oracle.StageInterpret, &oracle.Decision{Undo: true})
	resp := h.turn(t, "s-late", "undo the archive")

	if !strings.Contains(strings.ToLower(resp.Message), "undo window expired") {
		t.Fatalf("expected expiry explanation, got %q", resp.Message)
	}
	if got := h.mail.total(); got != calls {
		t.Fatalf("expired undo must not dispatch, calls went %d -> %d", calls, got)
	}
	after := h.session(t, "s-late").SubAgents["mail"].LastAction
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("last_action changed (-before +after):\n%s", diff)
	}
}

func TestUndoAtExactDeadlineIsRejected(t *testing.T) {
	h := newHarness(t)
	h.requestArchive(t, "s-edge")
	h.confirm(t, "s-edge", &oracle.Decision{IsComplete: true})
	before := h.session(t, "s-edge").SubAgents["mail"].LastAction
	calls := h.mail.total()

	h.clock.Advance(before.UndoDeadline.Sub(h.clock.Now()))
	if !h.clock.Now().Equal(before.UndoDeadline) {
		t.Fatalf("clock %s not at deadline %s", h.clock.Now(), before.UndoDeadline)
	}
	h.oracle.On(oracle.StageDecompose, mailCommand("undo the archive"))
	h.oracle.On(oracle.StageInterpret, &oracle.Decision{Undo: true})
	resp := h.turn(t, "s-edge", "undo the archive")

	if !strings.Contains(strings.ToLower(resp.Message), "undo window expired") {
		t.Fatalf("expected expiry explanation at the deadline, got %q", resp.Message)
	}
	if got := h.mail.total(); got != calls {
		t.Fatalf("undo at the deadline must not dispatch, calls went %d -> %d", calls, got)
	}
	if got := h.mail.count("unarchive_email"); got != 0 {
		t.Fatalf("expected no unarchive calls, got %d", got)
	}
}

func TestReplyOmitsEarlierTurnNotes(t *testing.T) {
	h := newHarness(t)
	h.requestArchive(t, "s-scope")
	if knowledge := h.session(t, "s-scope").Master.AccumulatedKnowledge; !strings.Contains(knowledge, "Reply yes to proceed") {
		t.Fatalf("first turn should leave its prompt in accumulated knowledge, got %q", knowledge)
	}

	second := h.confirm(t, "s-scope", &oracle.Decision{IsComplete: true})
	if strings.Contains(second.Message, "Reply yes to proceed") {
		t.Fatalf("earlier confirmation prompt leaked into reply: %q", second.Message)
	}

	h.oracle.On(oracle.StageDecompose, mailCommand("send the summary"))
	h.oracle.On(oracle.StageInterpret, &oracle.Decision{ResponseMessage: "No summary to send yet."})
	third := h.turn(t, "s-scope", "send the summary")
	if strings.Contains(third.Message, "Reply yes to proceed") || strings.Contains(third.Message, second.Message) {
		t.Fatalf("reply must only describe the current turn, got %q", third.Message)
	}
	if !strings.Contains(third.Message, "No summary to send yet.") {
		t.Fatalf("current turn result missing from reply: %q", third.Message)
	}
}

func TestUndoWithinWindowReversesItems(t *testing.T) {
	h := newHarness(t)
	h.requestArchive(t, "s-undo")
	h.confirm(t, "s-undo", &oracle.Decision{IsComplete: true})

	h.clock.Advance(time.Minute)
	h.oracle.On(oracle.StageDecompose, mailCommand("undo that"))
	h.oracle.On(oracle.StageInterpret, &oracle.Decision{Undo: true})
	resp := h.turn(t, "s-undo", "undo that")

	if got := h.mail.count("unarchive_email"); got != 23 {
		t.Fatalf("expected 23 unarchive calls, got %d", got)
	}
	if !strings.Contains(resp.Message, "Undid the bulk_archive") {
		t.Fatalf("unexpected undo message: %q", resp.Message)
	}
	if last := h.session(t, "s-undo").SubAgents["mail"].LastAction; last != nil {
		t.Fatalf("last_action must be cleared after undo, got %#v", last)
	}
	if recorded, _ := h.ledger.Lookup(t.Context(), "s-undo", "mail"); recorded != nil {
		t.Fatalf("ledger entry must be invalidated, got %#v", recorded)
	}
}

func TestIterationBoundLeavesRemainderPending(t *testing.T) {
	h := newHarness(t)
	drafts := make([]oracle.CommandDraft, 11)
	for i := range drafts {
		drafts[i] = oracle.CommandDraft{Domain: "mail", Text: "check folder " + string(rune('a'+i))}
	}
	h.oracle.On(oracle.StageDecompose, &oracle.Decision{Commands: drafts})

	resp := h.turn(t, "s-bound", "check every folder")

	if got := h.oracle.Calls(oracle.StageFold); got != 10 {
		t.Fatalf("expected 10 iterations, got %d folds", got)
	}
	sess := h.session(t, "s-bound")
	var completed, pending int
	for _, cmd := range sess.Master.CommandList {
		switch cmd.Status {
		case session.CommandCompleted:
			completed++
		case session.CommandPending:
			pending++
		default:
			t.Fatalf("unexpected status %s for %q", cmd.Status, cmd.Text)
		}
	}
	if completed != 10 || pending != 1 {
		t.Fatalf("completed=%d pending=%d, want 10 and 1", completed, pending)
	}
	if !strings.Contains(resp.Message, "still pending") {
		t.Fatalf("expected pending note, got %q", resp.Message)
	}
}

func TestIterationBoundHoldsWhenFoldKeepsAddingWork(t *testing.T) {
	for _, bound := range []int{1, 3, 10} {
		h := newHarness(t, WithMaxIterations(bound))
		h.oracle.On(oracle.StageDecompose, mailCommand("tidy up"))
		h.oracle.Default(oracle.StageFold, func(_ context.Context, _ oracle.Request) (*oracle.Decision, error) {
			return &oracle.Decision{CommandEdits: []oracle.CommandEdit{{Op: oracle.EditAppend, Domain: "mail", Text: "tidy up more"}}}, nil
		})

		h.turn(t, "s-loop", "tidy up")
		if got := h.oracle.Calls(oracle.StageFold); got != bound {
			t.Fatalf("bound %d: expected %d folds, got %d", bound, bound, got)
		}
	}
}

func TestPartialBatchFailureReportsCounts(t *testing.T) {
	h := newHarness(t)
	h.mail.fatal["m05"] = "message is locked"
	h.mail.fatal["m17"] = "message is locked"

	h.requestArchive(t, "s-partial")
	resp := h.confirm(t, "s-partial", nil)

	if !strings.Contains(resp.Message, "21 succeeded, 2 failed") {
		t.Fatalf("expected batch counts, got %q", resp.Message)
	}
	for _, want := range []string{"m05 (message is locked)", "m17 (message is locked)"} {
		if !strings.Contains(resp.Message, want) {
			t.Fatalf("missing failure reason %q in %q", want, resp.Message)
		}
	}
	if got := h.mail.attempts("archive_email", "m05"); got != 1 {
		t.Fatalf("fatal failures are not retried, got %d attempts", got)
	}

	sess := h.session(t, "s-partial")
	if last := sess.SubAgents["mail"].LastAction; last == nil || len(last.AffectedItemIDs) != 21 {
		t.Fatalf("last_action must list only the archived items: %#v", last)
	}
	for _, cmd := range sess.Master.CommandList {
		if cmd.Status == session.CommandExecuting {
			t.Fatalf("command left executing: %#v", cmd)
		}
	}
}

func TestRetryableFailureIsRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.mail.flaky["m03"] = 1
	h.mail.flaky["m04"] = 2

	h.requestArchive(t, "s-retry")
	resp := h.confirm(t, "s-retry", nil)

	if got := h.mail.attempts("archive_email", "m03"); got != 2 {
		t.Fatalf("expected one retry for m03, got %d attempts", got)
	}
	if got := h.mail.attempts("archive_email", "m04"); got != 2 {
		t.Fatalf("expected a single retry for m04, got %d attempts", got)
	}
	if !strings.Contains(resp.Message, "22 succeeded, 1 failed") {
		t.Fatalf("unexpected report: %q", resp.Message)
	}
	if !strings.Contains(resp.Message, "m04 (mail gateway busy)") {
		t.Fatalf("missing retry failure reason: %q", resp.Message)
	}
}
