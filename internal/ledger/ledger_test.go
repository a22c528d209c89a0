package ledger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"OpenMCP-Assistant/internal/session"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func archiveAction(now time.Time) session.LastAction {
	return session.LastAction{
		Kind:             "bulk_archive",
		AffectedItemIDs:  []string{"m1", "m2"},
		ExecutedAt:       now,
		Reversible:       true,
		UndoDeadline:     now.Add(5 * time.Minute),
		Operation:        "archive_email",
		ReverseOperation: "unarchive_email",
		ItemParam:        "message_id",
		Parameters:       map[string]any{},
	}
}

func TestMemoryLedgerRecordLookupInvalidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLedger(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if got, err := l.Lookup(ctx, "s", "mail"); err != nil || got != nil {
		t.Fatalf("expected empty ledger, got %v %v", got, err)
	}

	want := archiveAction(now)
	if err := l.Record(ctx, "s", "mail", want); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := l.Lookup(ctx, "s", "mail")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Fatalf("unexpected record (-want +got):\n%s", diff)
	}
	got.AffectedItemIDs[0] = "mutated"
	again, _ := l.Lookup(ctx, "s", "mail")
	if again.AffectedItemIDs[0] != "m1" {
		t.Fatalf("lookup returned an aliased record")
	}

	if other, _ := l.Lookup(ctx, "s", "calendar"); other != nil {
		t.Fatalf("domains must be independent")
	}

	if err := l.Invalidate(ctx, "s", "mail"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if got, _ := l.Lookup(ctx, "s", "mail"); got != nil {
		t.Fatalf("expected record to be gone")
	}
}

func TestMemoryLedgerKeepsExpiredRecordUntilRetention(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLedger(WithClock(func() time.Time { return now }), WithRetention(10*time.Minute))
	ctx := context.Background()
	_ = l.Record(ctx, "s", "mail", archiveAction(now))

	now = now.Add(6 * time.Minute)
	got, _ := l.Lookup(ctx, "s", "mail")
	if got == nil || !got.Expired(now) {
		t.Fatalf("expired record should still be visible for the expiry message")
	}

	now = now.Add(10 * time.Minute)
	if got, _ := l.Lookup(ctx, "s", "mail"); got != nil {
		t.Fatalf("record past retention should be dropped")
	}
}

func TestMemoryLedgerConcurrentSessions(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			_ = l.Record(ctx, id, "mail", archiveAction(now))
			if got, _ := l.Lookup(ctx, id, "mail"); got == nil {
				t.Errorf("missing record for %s", id)
			}
			_ = l.Forget(ctx, id)
		}(i)
	}
	wg.Wait()
}

func TestRedisLedger(t *testing.T) {
	addr := os.Getenv("OPENMCP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OPENMCP_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	l := NewRedisLedger(client, "openmcp:test:undo:", time.Minute)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	want := archiveAction(now)
	if err := l.Record(ctx, "s-redis", "mail", want); err != nil {
		t.Fatalf("record: %v", err)
	}
	defer l.Forget(ctx, "s-redis")

	got, err := l.Lookup(ctx, "s-redis", "mail")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Fatalf("unexpected record (-want +got):\n%s", diff)
	}
	if err := l.Invalidate(ctx, "s-redis", "mail"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if got, _ := l.Lookup(ctx, "s-redis", "mail"); got != nil {
		t.Fatalf("expected record to be gone")
	}
}

func TestMemoryLedgerPurgeExpired(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start
	l := NewMemoryLedger(WithRetention(10*time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_ = l.Record(ctx, "old", "mail", archiveAction(start))
	_ = l.Record(ctx, "mixed", "mail", archiveAction(start))
	_ = l.Record(ctx, "mixed", "calendar", archiveAction(start.Add(20*time.Minute)))

	now = start.Add(14 * time.Minute)
	if n, err := l.PurgeExpired(ctx); err != nil || n != 0 {
		t.Fatalf("nothing is past retention yet, purged %d %v", n, err)
	}

	// 截止时间 09:05 + 保留 10 分钟。
	now = start.Add(15 * time.Minute)
	n, err := l.PurgeExpired(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged records, got %d %v", n, err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected only the mixed session to remain, got %d", l.Len())
	}
	if got, _ := l.Lookup(ctx, "mixed", "calendar"); got == nil {
		t.Fatalf("unexpired record must survive the sweep")
	}
}
