package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"prism-sync/clock"
	"prism-sync/domain"
	"prism-sync/storage"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeRemote struct {
	mu      sync.Mutex
	records map[string]domain.Record
	err     error
	reads   int
	writes  []domain.Record
}

func newFakeRemote() *fakeRemote { return &fakeRemote{records: map[string]domain.Record{}} }

func key(kind domain.EntityType, id string) string { return string(kind) + "/" + id }

func (f *fakeRemote) Read(ctx context.Context, kind domain.EntityType, id string) (domain.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return domain.RemoteRecord{}, f.err
	}
	rec, ok := f.records[key(kind, id)]
	if !ok {
		return domain.RemoteRecord{}, domain.ErrNotFound
	}
	return domain.RemoteRecord{Record: rec}, nil
}

func (f *fakeRemote) Write(ctx context.Context, rec domain.Record) (domain.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.RemoteRecord{}, f.err
	}
	f.records[key(rec.EntityType(), rec.RecordID())] = rec
	f.writes = append(f.writes, rec)
	return domain.RemoteRecord{Record: rec}, nil
}

func (f *fakeRemote) ListTasks(ctx context.Context, boardID string) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*domain.Task
	for _, rec := range f.records {
		if task, ok := rec.(*domain.Task); ok && task.BoardID == boardID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeRemote) put(rec domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key(rec.EntityType(), rec.RecordID())] = rec
}

func (f *fakeRemote) get(kind domain.EntityType, id string) domain.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[key(kind, id)]
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeObserver struct {
	mu       sync.Mutex
	inTx     []string
	hooks    []string
	reloaded []string
}

func (o *fakeObserver) TaskChanged(ctx context.Context, tx *storage.Tx, task *domain.Task) (func(), error) {
	if _, err := tx.GetTask(task.ID); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.inTx = append(o.inTx, task.ID)
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		o.hooks = append(o.hooks, task.ID)
		o.mu.Unlock()
	}, nil
}

func (o *fakeObserver) Reload(ctx context.Context, taskID string) error {
	o.mu.Lock()
	o.reloaded = append(o.reloaded, taskID)
	o.mu.Unlock()
	return nil
}

type harness struct {
	engine   *Engine
	store    *storage.Store
	remote   *fakeRemote
	clock    *clock.Manual
	observer *fakeObserver
	logs     *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "board.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	h := &harness{
		store:    store,
		remote:   newFakeRemote(),
		clock:    clock.NewManual(t0),
		observer: &fakeObserver{},
		logs:     hook,
	}
	h.engine = New(store, h.remote, Options{Clock: h.clock, Observer: h.observer, Logger: logger})
	return h
}

func mustDecode(t *testing.T, kind domain.EntityType, body string) domain.Patch {
	t.Helper()
	p, err := domain.DecodePatch(kind, []byte(body))
	if err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return p
}

func (h *harness) mutate(t *testing.T, kind domain.EntityType, id, body string) domain.Record {
	t.Helper()
	rec, err := h.engine.Mutate(context.Background(), kind, id, mustDecode(t, kind, body))
	if err != nil {
		t.Fatalf("mutate %s %s: %v", kind, id, err)
	}
	return rec
}

func (h *harness) createTask(t *testing.T, id string) *domain.Task {
	t.Helper()
	if _, err := h.store.Get(context.Background(), domain.EntityBoard, "b1"); errors.Is(err, domain.ErrNotFound) {
		h.mutate(t, domain.EntityBoard, "b1", `{"title":"Board"}`)
	}
	return h.mutate(t, domain.EntityTask, id, `{"boardId":"b1","title":"Task `+id+`"}`).(*domain.Task)
}

func (h *harness) stats(t *testing.T) domain.QueueStats {
	t.Helper()
	st, err := h.engine.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st
}

func (h *harness) entries(t *testing.T, kind domain.EntityType, id string) []domain.SyncQueueEntry {
	t.Helper()
	var out []domain.SyncQueueEntry
	err := h.store.Transaction(context.Background(), func(tx *storage.Tx) error {
		var err error
		out, err = tx.EntriesFor(kind, id)
		return err
	})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	return out
}

func (h *harness) drain(t *testing.T) Report {
	t.Helper()
	rep, err := h.engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return rep
}

func nextEvent(t *testing.T, e *Engine) error {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no sync event")
		return nil
	}
}

func TestMutateStoresAndQueuesWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "t1")
	if task.Version != 0 || !task.UpdatedAt.Equal(t0) {
		t.Fatalf("first version should be 0 at t0, got %+v", task)
	}
	updated := h.mutate(t, domain.EntityTask, "t1", `{"title":"renamed"}`).(*domain.Task)
	if updated.Version != 1 {
		t.Fatalf("expected version 1, got %d", updated.Version)
	}
	if h.remote.reads != 0 || len(h.remote.writes) != 0 {
		t.Fatalf("mutate touched the network")
	}
	if st := h.stats(t); st.Pending != 2 {
		t.Fatalf("expected board and task queued, got %+v", st)
	}
	if len(h.observer.inTx) != 2 || len(h.observer.hooks) != 2 {
		t.Fatalf("observer not called for each task change: %+v", h.observer)
	}
}

func TestMutateTaskRequiresLocalBoard(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Mutate(context.Background(), domain.EntityTask, "t1", mustDecode(t, domain.EntityTask, `{"boardId":"missing","title":"x"}`))
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "boardId" {
		t.Fatalf("expected boardId validation error, got %v", err)
	}
	if _, err := h.store.Get(context.Background(), domain.EntityTask, "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rejected mutation was stored")
	}
	if st := h.stats(t); st.Pending != 0 {
		t.Fatalf("rejected mutation was queued: %+v", st)
	}
}

func TestMutateRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Mutate(ctx, "widget", "x", mustDecode(t, domain.EntityBoard, `{"title":"x"}`)); err == nil {
		t.Fatalf("expected unknown entity type to be rejected")
	}
	if _, err := h.engine.Mutate(ctx, domain.EntityBoard, "bad id", mustDecode(t, domain.EntityBoard, `{"title":"x"}`)); err == nil {
		t.Fatalf("expected bad id to be rejected")
	}
}

func TestCoalescedMutationsPushOnce(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, "t1")
	h.mutate(t, domain.EntityTask, "t1", `{"title":"second"}`)
	h.mutate(t, domain.EntityTask, "t1", `{"title":"third"}`)
	if n := len(h.entries(t, domain.EntityTask, "t1")); n != 1 {
		t.Fatalf("expected one coalesced entry, got %d", n)
	}
	rep := h.drain(t)
	if rep.Pushed != 2 {
		t.Fatalf("expected board and task pushed, got %+v", rep)
	}
	got := h.remote.get(domain.EntityTask, "t1").(*domain.Task)
	if got.Title != "third" || got.Version != 2 {
		t.Fatalf("unexpected remote task %+v", got)
	}
	if st := h.stats(t); st != (domain.QueueStats{}) {
		t.Fatalf("queue not empty after drain: %+v", st)
	}
}

func TestOfflineMutationRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	h.remote.setErr(&domain.NetworkError{Op: "read", Err: errors.New("offline")})
	h.mutate(t, domain.EntityBoard, "b1", `{"title":"Board"}`)

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range wantDelays {
		rep := h.drain(t)
		if rep.Retried != 1 {
			t.Fatalf("attempt %d: expected retry, got %+v", i+1, rep)
		}
		e := h.entries(t, domain.EntityBoard, "b1")[0]
		if e.Attempts != i+1 || e.Status != domain.StatusPending {
			t.Fatalf("attempt %d: unexpected entry %+v", i+1, e)
		}
		if got := e.NextRetryAt.Sub(h.clock.Now()); got != want {
			t.Fatalf("attempt %d: expected backoff %s, got %s", i+1, want, got)
		}
		if rep := h.drain(t); rep != (Report{}) {
			t.Fatalf("entry retried before its backoff elapsed: %+v", rep)
		}
		h.clock.Advance(want)
	}

	rep := h.drain(t)
	if rep.Failed != 1 {
		t.Fatalf("expected entry to fail after six attempts, got %+v", rep)
	}
	var se *domain.SyncError
	if ev := nextEvent(t, h.engine); !errors.As(ev, &se) || se.Attempts != DefaultMaxAttempts || se.EntityID != "b1" {
		t.Fatalf("expected sync error, got %v", ev)
	}
	if st := h.stats(t); st.Failed != 1 {
		t.Fatalf("failed mutation must stay queued: %+v", st)
	}
	found := false
	for _, entry := range h.logs.AllEntries() {
		if entry.Level == log.ErrorLevel && entry.Message == "mutation failed, giving up until retried" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected failure to be logged")
	}

	h.remote.setErr(nil)
	if n, err := h.engine.RetryFailed(context.Background()); err != nil || n != 1 {
		t.Fatalf("retry failed: n=%d err=%v", n, err)
	}
	if rep := h.drain(t); rep.Pushed != 1 {
		t.Fatalf("expected push after retry, got %+v", rep)
	}
}

func TestPermissionErrorsAreRetried(t *testing.T) {
	h := newHarness(t)
	h.remote.setErr(&domain.PermissionError{Op: "write", Err: errors.New("403")})
	h.mutate(t, domain.EntityBoard, "b1", `{"title":"Board"}`)
	if rep := h.drain(t); rep.Retried != 1 {
		t.Fatalf("expected retry, got %+v", rep)
	}
}

func TestRemoteWinsDiscardsLocalChange(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, "t1")
	h.drain(t)

	h.clock.Advance(time.Minute)
	h.mutate(t, domain.EntityTask, "t1", `{"title":"local edit"}`)
	h.remote.put(&domain.Task{ID: "t1", BoardID: "b1", Title: "remote edit", Quadrant: domain.QuadrantNeither, Version: 1, UpdatedAt: t0.Add(2 * time.Minute)})

	rep := h.drain(t)
	if rep.Conflicts != 1 {
		t.Fatalf("expected conflict, got %+v", rep)
	}
	rec, err := h.store.Get(context.Background(), domain.EntityTask, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := rec.(*domain.Task); got.Title != "remote edit" || got.Version != 1 {
		t.Fatalf("remote copy not adopted: %+v", got)
	}
	if n := len(h.entries(t, domain.EntityTask, "t1")); n != 0 {
		t.Fatalf("queued entries not discarded: %d", n)
	}
	var notice *domain.DiscardedLocalChange
	if ev := nextEvent(t, h.engine); !errors.As(ev, &notice) || notice.RemoteVersion != 1 {
		t.Fatalf("expected discarded change notice, got %v", ev)
	}
}

func TestLocalWinsRepushesWithHigherVersion(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, "t1")
	h.drain(t)

	h.remote.put(&domain.Task{ID: "t1", BoardID: "b1", Title: "stale remote", Quadrant: domain.QuadrantNeither, Version: 4, UpdatedAt: t0})
	h.clock.Advance(time.Minute)
	h.mutate(t, domain.EntityTask, "t1", `{"title":"local edit"}`)

	rep := h.drain(t)
	if rep.Pushed != 1 || rep.Conflicts != 0 {
		t.Fatalf("expected local push, got %+v", rep)
	}
	remote := h.remote.get(domain.EntityTask, "t1").(*domain.Task)
	if remote.Title != "local edit" || remote.Version != 5 {
		t.Fatalf("expected local edit pushed as v5, got %+v", remote)
	}
	rec, _ := h.store.Get(context.Background(), domain.EntityTask, "t1")
	if rec.RecordVersion() != 5 {
		t.Fatalf("local version not raised to pushed version: %d", rec.RecordVersion())
	}
}

func TestLocalWinsOverOlderRemoteVersionStillBumps(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, "t1")
	h.drain(t)

	h.clock.Advance(time.Minute)
	h.mutate(t, domain.EntityTask, "t1", `{"title":"first"}`)
	h.mutate(t, domain.EntityTask, "t1", `{"title":"second"}`)
	h.drain(t)

	remote := h.remote.get(domain.EntityTask, "t1").(*domain.Task)
	if remote.Title != "second" || remote.Version != 3 {
		t.Fatalf("expected local v2 over remote v0 pushed as v3, got %+v", remote)
	}
	rec, _ := h.store.Get(context.Background(), domain.EntityTask, "t1")
	if rec.RecordVersion() != 3 {
		t.Fatalf("local version not raised to pushed version: %d", rec.RecordVersion())
	}
}

func TestConflictResolutionIsDeterministic(t *testing.T) {
	times := []time.Time{t0, t0.Add(time.Second), t0.Add(time.Minute)}
	for va := int64(0); va < 3; va++ {
		for vb := int64(0); vb < 3; vb++ {
			for _, ta := range times {
				for _, tb := range times {
					a := &domain.Board{ID: "b", Version: va, UpdatedAt: ta}
					b := &domain.Board{ID: "b", Version: vb, UpdatedAt: tb}
					if remoteWins(a, b) && remoteWins(b, a) {
						t.Fatalf("both sides win for v%d@%s vs v%d@%s", va, ta, vb, tb)
					}
				}
			}
		}
	}
}

func TestEntitiesDrainInQueueOrder(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, "t1")
	h.mutate(t, domain.EntityTask, "t2", `{"boardId":"b1","title":"two"}`)
	h.drain(t)
	if len(h.remote.writes) != 3 {
		t.Fatalf("expected three writes, got %d", len(h.remote.writes))
	}
	order := []string{h.remote.writes[0].RecordID(), h.remote.writes[1].RecordID(), h.remote.writes[2].RecordID()}
	if order[0] != "b1" || order[1] != "t1" || order[2] != "t2" {
		t.Fatalf("unexpected push order %v", order)
	}
}

func TestDeletePushesTombstoneAndPurgesAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, "t1")
	h.mutate(t, domain.EntityTask, "t1", `{"delete":true}`)

	if n, err := h.engine.PurgeTombstones(context.Background()); err != nil || n != 0 {
		t.Fatalf("unsynced tombstone purged: n=%d err=%v", n, err)
	}
	h.drain(t)
	if remote := h.remote.get(domain.EntityTask, "t1").(*domain.Task); !remote.Tombstoned {
		t.Fatalf("tombstone not pushed: %+v", remote)
	}
	if n, _ := h.engine.PurgeTombstones(context.Background()); n != 0 {
		t.Fatalf("tombstone purged before grace period")
	}

	var notified []domain.Record
	cancel := h.engine.Subscribe(domain.EntityTask, "t1", func(r domain.Record) { notified = append(notified, r) })
	defer cancel()
	h.clock.Advance(DefaultTombstoneGrace + time.Minute)
	if n, err := h.engine.PurgeTombstones(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected purge: n=%d err=%v", n, err)
	}
	if _, err := h.store.Get(context.Background(), domain.EntityTask, "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("tombstone still stored: %v", err)
	}
	if len(notified) != 1 || notified[0] != nil {
		t.Fatalf("subscriber not told about purge: %v", notified)
	}
}

func TestSubscribeFiresAfterCommitAndCancels(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, "t1")
	var seen []string
	cancel := h.engine.Subscribe(domain.EntityTask, "", func(r domain.Record) {
		task := r.(*domain.Task)
		stored, err := h.store.Get(context.Background(), domain.EntityTask, task.ID)
		if err != nil || stored.RecordVersion() != task.Version {
			t.Errorf("callback ran before commit: %v", err)
		}
		seen = append(seen, task.Title)
	})
	h.mutate(t, domain.EntityTask, "t1", `{"title":"one"}`)
	cancel()
	h.mutate(t, domain.EntityTask, "t1", `{"title":"two"}`)
	if len(seen) != 1 || seen[0] != "one" {
		t.Fatalf("unexpected notifications %v", seen)
	}
}

func TestNotifyExternalReloadsObserver(t *testing.T) {
	h := newHarness(t)
	h.createTask(t, "t1")
	var got domain.Record
	h.engine.Subscribe(domain.EntityTask, "t1", func(r domain.Record) { got = r })
	if err := h.engine.NotifyExternal(context.Background(), domain.EntityTask, "t1"); err != nil {
		t.Fatalf("notify external: %v", err)
	}
	if got == nil || len(h.observer.reloaded) != 1 {
		t.Fatalf("external change not propagated: rec=%v reloaded=%v", got, h.observer.reloaded)
	}
}

func TestPullBoardAdoptsNewerRemoteRecords(t *testing.T) {
	h := newHarness(t)
	h.remote.put(&domain.Board{ID: "b1", Title: "Remote board", Version: 3, UpdatedAt: t0})
	h.remote.put(&domain.Task{ID: "t9", BoardID: "b1", Title: "remote task", Quadrant: domain.QuadrantUrgent, Version: 2, UpdatedAt: t0})
	n, err := h.engine.PullBoard(context.Background(), "b1")
	if err != nil || n != 2 {
		t.Fatalf("pull: n=%d err=%v", n, err)
	}
	task, err := h.store.Get(context.Background(), domain.EntityTask, "t9")
	if err != nil || task.RecordVersion() != 2 {
		t.Fatalf("task not adopted: %v %v", task, err)
	}

	h.mutate(t, domain.EntityTask, "t9", `{"title":"pending local"}`)
	h.remote.put(&domain.Task{ID: "t9", BoardID: "b1", Title: "newer remote", Quadrant: domain.QuadrantUrgent, Version: 9, UpdatedAt: t0.Add(time.Hour)})
	if ok, err := h.engine.Refresh(context.Background(), domain.EntityTask, "t9"); err != nil || ok {
		t.Fatalf("refresh must skip entities with queued mutations: ok=%v err=%v", ok, err)
	}
}

func TestRefreshSkipsTaskOfUnknownBoard(t *testing.T) {
	h := newHarness(t)
	h.remote.put(&domain.Task{ID: "t9", BoardID: "elsewhere", Title: "orphan", Quadrant: domain.QuadrantUrgent, Version: 2, UpdatedAt: t0})
	ok, err := h.engine.Refresh(context.Background(), domain.EntityTask, "t9")
	if err != nil || ok {
		t.Fatalf("task of unknown board adopted: ok=%v err=%v", ok, err)
	}
	if _, err := h.store.Get(context.Background(), domain.EntityTask, "t9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("orphan task stored: %v", err)
	}

	h.remote.put(&domain.Board{ID: "elsewhere", Title: "Remote board", Version: 0, UpdatedAt: t0})
	n, err := h.engine.PullBoard(context.Background(), "elsewhere")
	if err != nil || n != 2 {
		t.Fatalf("pull with board: n=%d err=%v", n, err)
	}
}

func TestDrainIsTraced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	h := newHarness(t)
	h.mutate(t, domain.EntityBoard, "b1", `{"title":"Board"}`)
	h.drain(t)

	names := map[string]int{}
	for _, span := range exporter.GetSpans() {
		names[span.Name]++
	}
	if names["sync.drain"] != 1 || names["sync.push"] != 1 {
		t.Fatalf("unexpected spans %v", names)
	}
}

func TestRecoverRequeuesInFlight(t *testing.T) {
	h := newHarness(t)
	h.mutate(t, domain.EntityBoard, "b1", `{"title":"Board"}`)
	entry := h.entries(t, domain.EntityBoard, "b1")[0]
	entry.Status = domain.StatusInFlight
	if err := h.store.Transaction(context.Background(), func(tx *storage.Tx) error { return tx.UpdateEntry(entry) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep := h.drain(t); rep.Pushed != 0 {
		t.Fatalf("in-flight entry must not be pushed twice")
	}
	if err := h.engine.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep := h.drain(t); rep.Pushed != 1 {
		t.Fatalf("expected push after recovery, got %+v", rep)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	if got := Backoff(6, time.Second, 30*time.Second, false); got != 30*time.Second {
		t.Fatalf("expected cap, got %s", got)
	}
	for i := 0; i < 50; i++ {
		if got := Backoff(10, time.Second, 30*time.Second, true); got > 30*time.Second {
			t.Fatalf("jitter exceeded cap: %s", got)
		}
	}
}
