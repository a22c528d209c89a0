package session

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"os"
	"sync"
	"testing"
	"time"

	xerrors "OpenMCP-Assistant/internal/errors"
	"OpenMCP-Assistant/internal/storage/mysql/mysqltest"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func sampleSession(t *testing.T, now time.Time) *Session {
	t.Helper()
	s := New("s-1", "u-1", now)
	s.Master.CommandList = []Command{
		{Domain: "mail", Text: "archive all newsletters from today", Order: 1, Status: CommandCompleted},
		{Domain: "calendar", Text: "move standup to 10am", Order: 2, Status: CommandPending},
	}
	s.Master.AccumulatedKnowledge = "found 23 newsletters"
	mail := s.SubAgent("mail")
	data, err := NormalizeMap(map[string]any{
		"search_emails": map[string]any{"ids": []string{"m1", "m2"}, "total": 2},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	mail.WorkingData = data
	mail.ToolCallList = []ToolCall{{Name: "archive_email", Parameters: map[string]any{"message_id": "m2"}, Order: 1}}
	mail.PendingAction = &PendingAction{
		Kind:               "archive",
		AffectedItemIDs:    []string{"m1", "m2"},
		RiskLevel:          "medium",
		ConfirmationPrompt: "2 items found: m1, m2. Proceed?",
		CreatedAt:          now,
		Operation:          "archive_email",
		ItemParam:          "message_id",
		Parameters:         map[string]any{},
	}
	mail.LastAction = &LastAction{
		Kind:             "bulk_archive",
		AffectedItemIDs:  []string{"m0", "m9"},
		ExecutedAt:       now,
		Reversible:       true,
		UndoDeadline:     now.Add(5 * time.Minute),
		Operation:        "archive_email",
		ReverseOperation: "unarchive_email",
		ItemParam:        "message_id",
		Parameters:       map[string]any{},
	}
	return s
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	want := sampleSession(t, now)

	if err := store.Put(context.Background(), want.ID, want, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("session changed across round trip (-want +got):\n%s", diff)
	}

	got.Master.AccumulatedKnowledge = "mutated"
	again, _ := store.Get(context.Background(), want.ID)
	if again.Master.AccumulatedKnowledge != "found 23 newsletters" {
		t.Fatalf("store returned an aliased session")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	s := New("s-exp", "u", now)
	if err := store.Put(context.Background(), s.ID, s, DefaultTTL); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(DefaultTTL - time.Second)
	if _, err := store.Get(context.Background(), s.ID); err != nil {
		t.Fatalf("expected session before ttl, got %v", err)
	}

	now = now.Add(time.Second)
	if _, err := store.Get(context.Background(), s.ID); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found at ttl, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expired entry should be removed lazily")
	}
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))
	for _, id := range []string{"a", "b", "c"} {
		ttl := time.Minute
		if id == "c" {
			ttl = time.Hour
		}
		if err := store.Put(context.Background(), id, New(id, "u", now), ttl); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	now = now.Add(2 * time.Minute)
	removed, err := store.PurgeExpired(context.Background())
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d (%v)", removed, err)
	}
}

func TestPutRejectsInvalidInput(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Put(context.Background(), "", New("", "u", time.Now()), time.Minute); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty id, got %v", err)
	}
	if err := store.Put(context.Background(), "x", New("x", "u", time.Now()), 0); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for zero ttl, got %v", err)
	}
}

type failingStore struct {
	err   error
	puts  int
	gets  int
	inner Store
}

func (f *failingStore) Get(ctx context.Context, id string) (*Session, error) {
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	return f.inner.Get(ctx, id)
}

func (f *failingStore) Put(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	f.puts++
	if f.err != nil {
		return f.err
	}
	return f.inner.Put(ctx, id, s, ttl)
}

func (f *failingStore) Delete(ctx context.Context, id string) error {
	return f.inner.Delete(ctx, id)
}

func (f *failingStore) Revision(ctx context.Context, id string) (string, error) {
	return f.inner.(Revisioner).Revision(ctx, id)
}

func TestCachedStoreWritesThrough(t *testing.T) {
	backing := &failingStore{inner: NewMemoryStore()}
	cached := NewCachedStore(backing, time.Minute, time.Minute)
	s := sampleSession(t, time.Now().UTC())

	if err := cached.Put(context.Background(), s.ID, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if backing.puts != 1 {
		t.Fatalf("expected write-through, got %d puts", backing.puts)
	}
	if _, err := backing.inner.Get(context.Background(), s.ID); err != nil {
		t.Fatalf("durable copy missing: %v", err)
	}

	got, err := cached.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if backing.gets != 0 {
		t.Fatalf("expected cache hit")
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Fatalf("cached copy differs (-want +got):\n%s", diff)
	}

	backing.err = xerrors.New(xerrors.CodeStoreUnavailable, "")
	if err := cached.Put(context.Background(), s.ID, s, time.Minute); !xerrors.HasCode(err, xerrors.CodeStoreUnavailable) {
		t.Fatalf("expected store failure to surface, got %v", err)
	}
	if cached.Cached() != 0 {
		t.Fatalf("failed write must evict the cached copy")
	}
}

func TestCachedStoresShareBackingAcrossInstances(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	instanceA := NewCachedStore(backing, time.Minute, time.Minute)
	instanceB := NewCachedStore(backing, time.Minute, time.Minute)

	s := New("s-1", "u-1", time.Now().UTC())
	if err := instanceA.Put(ctx, s.ID, s, time.Minute); err != nil {
		t.Fatalf("put on A: %v", err)
	}
	if _, err := instanceA.Get(ctx, s.ID); err != nil {
		t.Fatalf("get on A: %v", err)
	}

	onB, err := instanceB.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get on B: %v", err)
	}
	onB.SubAgent("mail").PendingAction = &PendingAction{
		Kind:               "archive",
		AffectedItemIDs:    []string{"m1", "m2"},
		ConfirmationPrompt: "2 items found. Proceed?",
		Operation:          "archive_email",
		ItemParam:          "message_id",
		Parameters:         map[string]any{},
	}
	if err := instanceB.Put(ctx, s.ID, onB, time.Minute); err != nil {
		t.Fatalf("put on B: %v", err)
	}

	got, err := instanceA.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get on A after B wrote: %v", err)
	}
	if diff := cmp.Diff(onB, got); diff != "" {
		t.Fatalf("A served a stale copy (-want +got):\n%s", diff)
	}

	if err := instanceB.Delete(ctx, s.ID); err != nil {
		t.Fatalf("delete on B: %v", err)
	}
	if _, err := instanceA.Get(ctx, s.ID); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("A must observe the deletion, got %v", err)
	}
	if instanceA.Cached() != 0 {
		t.Fatalf("deleted session must leave A's cache")
	}
}

func TestCachedStoreBypassesCacheWithoutRevisions(t *testing.T) {
	ctx := context.Background()
	backing := &plainStore{inner: NewMemoryStore()}
	cached := NewCachedStore(backing, time.Minute, time.Minute)
	s := New("s-1", "u-1", time.Now().UTC())
	if err := cached.Put(ctx, s.ID, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	for range 2 {
		if _, err := cached.Get(ctx, s.ID); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if backing.gets != 2 {
		t.Fatalf("expected every read to reach the backing store, got %d", backing.gets)
	}
}

// plainStore 不实现 Revisioner。
type plainStore struct {
	gets  int
	inner Store
}

func (p *plainStore) Get(ctx context.Context, id string) (*Session, error) {
	p.gets++
	return p.inner.Get(ctx, id)
}

func (p *plainStore) Put(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	return p.inner.Put(ctx, id, s, ttl)
}

func (p *plainStore) Delete(ctx context.Context, id string) error {
	return p.inner.Delete(ctx, id)
}

func TestMySQLStoreRevisionAndPurge(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	db, drv := mysqltest.NewDB(t,
		mysqltest.Query(mysqlSelectRevision, mysqltest.Rows{Columns: []string{"MD5(payload)"}, Values: [][]driver.Value{{"0cc175b9c0f1b6a831c399e269772661"}}}).
			WithArgs(func(args []driver.NamedValue) error {
				if args[0].Value != "s-1" || args[1].Value != now.UnixMilli() {
					return stdErrors.New("unexpected revision args")
				}
				return nil
			}),
		mysqltest.Query(mysqlSelectRevision, mysqltest.Rows{Columns: []string{"MD5(payload)"}}),
		mysqltest.Exec(mysqlPurgeSessions, mysqltest.Result{Affected: 3}),
	)
	store := NewMySQLStore(db)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	rev, err := store.Revision(ctx, "s-1")
	if err != nil || rev != Digest([]byte("a")) {
		t.Fatalf("unexpected revision %q %v", rev, err)
	}
	if _, err := store.Revision(ctx, "gone"); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n, err := store.PurgeExpired(ctx); err != nil || n != 3 {
		t.Fatalf("expected 3 purged rows, got %d %v", n, err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := sampleSession(t, now)
	payload, err := Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(mysqlUpsertSession, mysqltest.Result{Affected: 1}).WithArgs(func(args []driver.NamedValue) error {
			if args[3].Value != now.Add(time.Minute).UnixMilli() {
				return stdErrors.New("unexpected expires_at")
			}
			return nil
		}),
		mysqltest.Query(mysqlSelectSession, mysqltest.Rows{Columns: []string{"payload"}, Values: [][]driver.Value{{payload}}}),
		mysqltest.Query(mysqlSelectSession, mysqltest.Rows{Columns: []string{"payload"}}),
		mysqltest.Exec(mysqlDeleteSession, mysqltest.Result{Affected: 1}),
	)
	store := NewMySQLStore(db)
	store.now = func() time.Time { return now }

	if err := store.Put(context.Background(), s.ID, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Fatalf("mysql round trip differs (-want +got):\n%s", diff)
	}
	if _, err := store.Get(context.Background(), s.ID); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Delete(context.Background(), s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreFailureIsUnavailable(t *testing.T) {
	db, _ := mysqltest.NewDB(t,
		mysqltest.Query(mysqlSelectSession, mysqltest.Rows{}).WithErr(stdErrors.New("connection refused")),
	)
	store := NewMySQLStore(db)
	if _, err := store.Get(context.Background(), "s"); !xerrors.HasCode(err, xerrors.CodeStoreUnavailable) {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}
}

func TestMasterStateHelpers(t *testing.T) {
	m := MasterState{CommandList: []Command{
		{Domain: "mail", Text: "a", Order: 3, Status: CommandPending},
		{Domain: "mail", Text: "b", Order: 1, Status: CommandCompleted},
		{Domain: "mail", Text: "c", Order: 2, Status: CommandExecuting},
	}}
	if idx := m.NextPending(); idx != 2 || m.CommandList[idx].Text != "a" {
		t.Fatalf("unexpected next pending %d: %+v", idx, m.CommandList)
	}
	if n := m.FailExecuting(); n != 1 {
		t.Fatalf("expected one executing command, got %d", n)
	}
	m.PruneFinished()
	if len(m.CommandList) != 1 || m.CommandList[0].Text != "a" || m.CommandList[0].Order != 1 {
		t.Fatalf("unexpected pruned list: %+v", m.CommandList)
	}
}

func TestSubAgentCompact(t *testing.T) {
	s := &SubAgentState{ToolCallList: []ToolCall{
		{Name: "a", Order: 1, Consumed: true},
		{Name: "b", Order: 2},
		{Name: "c", Order: 3, Consumed: true},
		{Name: "d", Order: 4},
	}}
	if got := s.Pending(); len(got) != 2 || got[0] != 1 {
		t.Fatalf("unexpected pending indexes %v", got)
	}
	s.Compact()
	if len(s.ToolCallList) != 2 || s.ToolCallList[1].Name != "d" || s.ToolCallList[1].Order != 2 {
		t.Fatalf("unexpected compacted list %+v", s.ToolCallList)
	}
}

func TestMemoryLockerSerializesSameSession(t *testing.T) {
	locker := NewMemoryLocker(0)
	release, err := locker.Acquire(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), "s-1"); !stdErrors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	other, err := locker.Acquire(context.Background(), "s-2")
	if err != nil {
		t.Fatalf("independent session must not block: %v", err)
	}
	other()
	release()
	release()

	again, err := locker.Acquire(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestMemoryLockerWaitsForRelease(t *testing.T) {
	locker := NewMemoryLocker(time.Second)
	release, err := locker.Acquire(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		r, err := locker.Acquire(context.Background(), "s-1")
		waitErr = err
		if err == nil {
			r()
		}
	}()
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()
	if waitErr != nil {
		t.Fatalf("waiter should acquire after release, got %v", waitErr)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("OPENMCP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OPENMCP_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	store := NewRedisStore(client, "openmcp:test:session:")
	s := sampleSession(t, time.Now().UTC().Truncate(time.Millisecond))
	if err := store.Put(context.Background(), s.ID, s, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	defer store.Delete(context.Background(), s.ID)

	got, err := store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Fatalf("redis round trip differs (-want +got):\n%s", diff)
	}

	locker := NewRedisLocker(client, "openmcp:test:lock:", time.Minute, 0)
	release, err := locker.Acquire(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), s.ID); !stdErrors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	release()
}

type countingPurger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 1, p.err
}

func (p *countingPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestPurgeLoopRunsEveryPurger(t *testing.T) {
	failing := &countingPurger{err: stdErrors.New("db down")}
	healthy := &countingPurger{}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		PurgeLoop(ctx, 5*time.Millisecond, nil, failing, healthy)
	}()

	deadline := time.After(2 * time.Second)
	for healthy.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("healthy purger ran %d times", healthy.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if failing.count() < 2 {
		t.Fatalf("failing purger should keep being called, got %d", failing.count())
	}
}

func TestPurgeLoopMemoryStoreDropsExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()
	if err := store.Put(ctx, "short", New("short", "u-1", time.Now()), time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "long", New("long", "u-1", time.Now()), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	loopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	PurgeLoop(loopCtx, 5*time.Millisecond, nil, store)

	if got := store.Len(); got != 1 {
		t.Fatalf("expected 1 entry after purge loop, got %d", got)
	}
	if _, err := store.Get(ctx, "long"); err != nil {
		t.Fatalf("long-lived session purged: %v", err)
	}
}

func TestPurgeLoopWithoutPurgersReturns(t *testing.T) {
	PurgeLoop(t.Context(), time.Millisecond, nil)
	PurgeLoop(t.Context(), 0, nil, NewMemoryStore())
}
