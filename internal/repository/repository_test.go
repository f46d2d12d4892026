package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/polycycle/sleepsync/internal/healthstore"
	"github.com/polycycle/sleepsync/internal/recommend"
	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

const owner = "owner-1"

// clock is a settable time source.
type clock struct{ t time.Time }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestRepo opens a fresh file store the way the command does.
func newTestRepo(t *testing.T, opts Options) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "sleepsync.db"), opts)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func seedSchedule(t *testing.T, r *Repository, name string) *schema.Schedule {
	t.Helper()
	s := schema.NewSchedule(owner, name, 5)
	s.Blocks = []schema.SleepBlock{
		schema.NewSleepBlock(s.ID, schema.TimeOfDay(23*60), schema.TimeOfDay(3*60), true),
		schema.NewSleepBlock(s.ID, schema.TimeOfDay(14*60), schema.TimeOfDay(14*60+20), false),
	}
	if err := r.SaveSchedule(context.Background(), s); err != nil {
		t.Fatalf("SaveSchedule() failed: %v", err)
	}
	return s
}

func activate(t *testing.T, r *Repository, id string, opts ActivateOptions) *schema.Schedule {
	t.Helper()
	s, err := r.ActivateSchedule(context.Background(), id, opts)
	if err != nil {
		t.Fatalf("ActivateSchedule(%s) failed: %v", id, err)
	}
	return s
}

func TestOpen_FreshFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fresh.db")

	r, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer r.Close()

	if !r.Healthy() {
		t.Error("Expected a healthy repository on a fresh file")
	}
	if r.StorePath() != path {
		t.Errorf("StorePath() = %q, want %q", r.StorePath(), path)
	}
	s := schema.NewSchedule(owner, "Biphasic", 6)
	if err := r.SaveSchedule(ctx, s); err != nil {
		t.Fatalf("SaveSchedule() on a fresh store failed: %v", err)
	}
	if _, err := r.GetSchedule(ctx, s.ID); err != nil {
		t.Errorf("GetSchedule() failed: %v", err)
	}
}

func TestOpen_FailureFallsBack(t *testing.T) {
	// a directory cannot be opened as a database file
	r, err := Open(t.TempDir(), Options{})
	if err == nil {
		t.Fatal("Expected error opening a directory")
	}
	t.Cleanup(func() { _ = r.Close() })

	if r.Healthy() {
		t.Error("Expected unhealthy repository after a failed open")
	}
	if _, err := Fetch(context.Background(), r, Schedules{OwnerID: owner}); err != nil {
		t.Errorf("Fetch() on the fallback failed: %v", err)
	}
	if r.StorePath() != store.MemoryPath {
		t.Errorf("StorePath() = %q, want %q", r.StorePath(), store.MemoryPath)
	}
}

func TestFallbackStore(t *testing.T) {
	ctx := context.Background()
	r := New(Options{})
	t.Cleanup(func() { _ = r.Close() })

	got, err := Fetch(ctx, r, Schedules{OwnerID: owner})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Expected an empty non-nil list, got %#v", got)
	}
	if r.Healthy() {
		t.Error("fallback store must report unhealthy")
	}
	if r.StorePath() != store.MemoryPath {
		t.Errorf("StorePath() = %q, want %q", r.StorePath(), store.MemoryPath)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "sleepsync.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	r.SetStore(db)
	if !r.Healthy() {
		t.Error("Expected healthy after SetStore")
	}
}

func TestSave_ReportsIntent(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})

	r.Insert(&schema.Schedule{ID: "bad"})
	if r.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", r.Pending())
	}
	err := r.Save(ctx)
	if !errors.Is(err, ErrSaveFailed) {
		t.Errorf("Save() error = %v, want ErrSaveFailed", err)
	}
	if r.Pending() != 0 {
		t.Error("staging must be cleared after a failed save")
	}

	e := schema.NewSleepEntry(owner, time.Now().UTC())
	e.Rating = 9
	r.Update(e)
	err = r.Save(ctx)
	if !errors.Is(err, ErrUpdateFailed) {
		t.Errorf("Save() error = %v, want ErrUpdateFailed", err)
	}

	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if rerr.Entity != schema.EntitySleepEntry || rerr.ID != e.ID {
		t.Errorf("Error names %s %s, want %s %s", rerr.Entity, rerr.ID, schema.EntitySleepEntry, e.ID)
	}
}

func TestSave_AppliesInOrderAtomically(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})

	good := schema.NewSchedule(owner, "Biphasic", 6)
	r.Insert(good)
	r.Insert(&schema.Schedule{ID: "bad"})
	if err := r.Save(ctx); err == nil {
		t.Fatal("Expected Save() to fail")
	}

	if _, err := r.GetSchedule(ctx, good.ID); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("a failed save must not write earlier ops, got %v", err)
	}

	r.Insert(good)
	e := schema.NewSleepEntry(owner, time.Now().UTC())
	r.Insert(e)
	r.Delete(e)
	if err := r.Save(ctx); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	if _, err := r.GetSchedule(ctx, good.ID); err != nil {
		t.Errorf("GetSchedule() failed: %v", err)
	}
	if _, err := r.GetEntry(ctx, e.ID); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("GetEntry() error = %v, want ErrEntityNotFound", err)
	}
}

func TestGetSchedule_NotFound(t *testing.T) {
	r := newTestRepo(t, Options{})
	_, err := r.GetSchedule(context.Background(), "missing")
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("GetSchedule() error = %v, want ErrEntityNotFound", err)
	}
	if errors.Is(err, ErrFetchFailed) {
		t.Error("not-found must not also report ErrFetchFailed")
	}
}

func TestActivateSchedule_OneActivePerOwner(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})

	a := seedSchedule(t, r, "Everyman 2")
	b := seedSchedule(t, r, "Triphasic")
	c := seedSchedule(t, r, "Biphasic")

	for _, s := range []*schema.Schedule{a, b, c, a, c} {
		activate(t, r, s.ID, ActivateOptions{})
		if err := r.CheckActiveInvariant(ctx, owner); err != nil {
			t.Fatalf("CheckActiveInvariant() after activating %s: %v", s.Name, err)
		}
	}

	active, err := r.ActiveSchedule(ctx, owner)
	if err != nil {
		t.Fatalf("ActiveSchedule() failed: %v", err)
	}
	if active.ID != c.ID {
		t.Errorf("Active schedule = %s, want %s", active.Name, c.Name)
	}
	if len(active.Blocks) != 2 {
		t.Errorf("Expected 2 blocks, got %d", len(active.Blocks))
	}

	list, err := Fetch(ctx, r, Schedules{OwnerID: owner, ActiveOnly: true})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 active schedule, got %d", len(list))
	}
}

func TestActivateSchedule_DeletedIsNotFound(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})
	s := seedSchedule(t, r, "Everyman 2")
	if err := r.SoftDeleteSchedule(ctx, s.ID); err != nil {
		t.Fatalf("SoftDeleteSchedule() failed: %v", err)
	}

	_, err := r.ActivateSchedule(ctx, s.ID, ActivateOptions{})
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("ActivateSchedule() error = %v, want ErrEntityNotFound", err)
	}
	if errors.Is(err, ErrUpdateFailed) {
		t.Error("a missing schedule must not report ErrUpdateFailed")
	}
}

func TestReactivationPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    ReactivationPolicy
		startOver bool
		wantPhase int
	}{
		{"always resets", ResetAlways, false, 0},
		{"start-over keeps phase", ResetOnStartOver, false, 2},
		{"start-over on request", ResetOnStartOver, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clk := newClock()
			r := newTestRepo(t, Options{ReactivationPolicy: tt.policy, Now: clk.now})

			a := seedSchedule(t, r, "Everyman 2")
			b := seedSchedule(t, r, "Biphasic")

			first := activate(t, r, a.ID, ActivateOptions{})
			if first.AdaptationPhase == nil || *first.AdaptationPhase != 0 {
				t.Fatalf("Expected phase 0 on first activation, got %v", first.AdaptationPhase)
			}
			if _, err := r.UpdateAdaptationPhase(ctx, a.ID, 2); err != nil {
				t.Fatalf("UpdateAdaptationPhase() failed: %v", err)
			}

			clk.advance(time.Hour)
			activate(t, r, b.ID, ActivateOptions{})
			again := activate(t, r, a.ID, ActivateOptions{StartOver: tt.startOver})
			if again.Phase() != tt.wantPhase {
				t.Errorf("Phase() = %d, want %d", again.Phase(), tt.wantPhase)
			}
		})
	}
}

func TestUpdateAdaptationPhase_Monotonic(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})
	s := seedSchedule(t, r, "Everyman 2")
	activate(t, r, s.ID, ActivateOptions{})

	changed, err := r.UpdateAdaptationPhase(ctx, s.ID, 2)
	if err != nil || !changed {
		t.Fatalf("UpdateAdaptationPhase(2) = %v, %v; want true, nil", changed, err)
	}
	changed, err = r.UpdateAdaptationPhase(ctx, s.ID, 2)
	if err != nil || changed {
		t.Errorf("equal phase must not write: got %v, %v", changed, err)
	}

	if _, err := r.UpdateAdaptationPhase(ctx, s.ID, 1); !errors.Is(err, ErrPhaseNotReachable) {
		t.Errorf("moving back: error = %v, want ErrPhaseNotReachable", err)
	}
	if _, err := r.UpdateAdaptationPhase(ctx, s.ID, 5); !errors.Is(err, ErrPhaseNotReachable) {
		t.Errorf("standard schedules end at phase 4: error = %v", err)
	}

	got, err := r.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule() failed: %v", err)
	}
	if got.Phase() != 2 {
		t.Errorf("Phase() = %d, want 2", got.Phase())
	}
}

func TestUndoAdaptationPhase(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := newTestRepo(t, Options{Now: clk.now})
	s := seedSchedule(t, r, "Uberman")

	if err := r.UndoAdaptationPhase(ctx, s.ID); !errors.Is(err, ErrNoUndoDataAvailable) {
		t.Errorf("UndoAdaptationPhase() error = %v, want ErrNoUndoDataAvailable", err)
	}

	activate(t, r, s.ID, ActivateOptions{})
	if _, err := r.UpdateAdaptationPhase(ctx, s.ID, 3); err != nil {
		t.Fatalf("UpdateAdaptationPhase() failed: %v", err)
	}

	clk.advance(time.Minute)
	if err := r.UndoAdaptationPhase(ctx, s.ID); err != nil {
		t.Fatalf("UndoAdaptationPhase() failed: %v", err)
	}
	got, err := r.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule() failed: %v", err)
	}
	if got.Phase() != 0 {
		t.Errorf("Phase() after undo = %d, want 0", got.Phase())
	}

	if err := r.UndoAdaptationPhase(ctx, s.ID); !errors.Is(err, ErrNoUndoDataAvailable) {
		t.Errorf("a snapshot is used once: error = %v", err)
	}

	if _, err := r.UpdateAdaptationPhase(ctx, s.ID, 1); err != nil {
		t.Fatalf("UpdateAdaptationPhase() failed: %v", err)
	}
	clk.advance(DefaultUndoWindow + time.Second)
	if err := r.UndoAdaptationPhase(ctx, s.ID); !errors.Is(err, ErrUndoExpired) {
		t.Errorf("UndoAdaptationPhase() error = %v, want ErrUndoExpired", err)
	}
}

func TestRefreshAdaptationPhase(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := newTestRepo(t, Options{Now: clk.now})
	s := seedSchedule(t, r, "Everyman 2")

	phase, changed, err := r.RefreshAdaptationPhase(ctx, s.ID, clk.now().Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("RefreshAdaptationPhase() failed: %v", err)
	}
	if changed || phase != 0 {
		t.Errorf("inactive schedules are left alone: got phase %d, changed %v", phase, changed)
	}

	activate(t, r, s.ID, ActivateOptions{})

	clk.advance(10 * 24 * time.Hour)
	phase, changed, err = r.RefreshAdaptationPhase(ctx, s.ID, clk.now())
	if err != nil {
		t.Fatalf("RefreshAdaptationPhase() failed: %v", err)
	}
	if !changed || phase != 2 {
		t.Errorf("RefreshAdaptationPhase() = %d, %v; want 2, true", phase, changed)
	}

	n, err := r.RefreshActivePhases(ctx, clk.now())
	if err != nil {
		t.Fatalf("RefreshActivePhases() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("RefreshActivePhases() = %d, want 0", n)
	}

	p, err := r.AdaptationProgress(ctx, s.ID, clk.now())
	if err != nil {
		t.Fatalf("AdaptationProgress() failed: %v", err)
	}
	if p.Day != 10 || p.Completed {
		t.Errorf("AdaptationProgress() = day %d completed %v, want day 10 not completed", p.Day, p.Completed)
	}
}

func TestApplyRemoteSchedule_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})
	local := seedSchedule(t, r, "Everyman 2")

	stale := *local
	stale.Name = "Stale"
	stale.UpdatedAt = local.UpdatedAt.Add(-time.Minute)
	written, err := r.ApplyRemoteSchedule(ctx, &stale)
	if err != nil {
		t.Fatalf("ApplyRemoteSchedule(stale) failed: %v", err)
	}
	if written {
		t.Error("Expected a stale copy to be ignored")
	}

	fresh := *local
	fresh.Name = "Everyman 3"
	fresh.IsActive = true
	fresh.UpdatedAt = local.UpdatedAt.Add(time.Minute)
	written, err = r.ApplyRemoteSchedule(ctx, &fresh)
	if err != nil {
		t.Fatalf("ApplyRemoteSchedule(fresh) failed: %v", err)
	}
	if !written {
		t.Error("Expected a newer copy to be written")
	}

	got, err := r.GetSchedule(ctx, local.ID)
	if err != nil {
		t.Fatalf("GetSchedule() failed: %v", err)
	}
	if got.Name != "Everyman 3" || !got.IsActive {
		t.Errorf("Got %q active=%v, want %q active=true", got.Name, got.IsActive, "Everyman 3")
	}
}

func TestEntries(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})
	start := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	e := schema.NewSleepEntry(owner, start)

	for i := 0; i < 2; i++ {
		created, err := r.StartEntry(ctx, e)
		if err != nil {
			t.Fatalf("StartEntry() failed: %v", err)
		}
		if created != (i == 0) {
			t.Errorf("StartEntry() call %d created = %v", i, created)
		}
	}

	got, err := r.FinishEntry(ctx, e.ID, start.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("FinishEntry() failed: %v", err)
	}
	if got.DurationMinutes != 240 {
		t.Errorf("DurationMinutes = %d, want 240", got.DurationMinutes)
	}

	if err := r.RateEntry(ctx, e.ID, 4, "😴"); err != nil {
		t.Fatalf("RateEntry() failed: %v", err)
	}
	if err := r.RateEntry(ctx, e.ID, 9, ""); !errors.Is(err, ErrUpdateFailed) {
		t.Errorf("RateEntry(9) error = %v, want ErrUpdateFailed", err)
	}

	list, err := Fetch(ctx, r, Entries{OwnerID: owner})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(list))
	}
	if list[0].Rating != 4 {
		t.Errorf("Rating = %d, want 4", list[0].Rating)
	}

	if _, err := r.FinishEntry(ctx, "missing", start); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("FinishEntry(missing) error = %v, want ErrEntityNotFound", err)
	}
}

func TestRateRemoteEntry_ParkedUntilEntryArrives(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})
	start := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)

	applied, err := r.RateRemoteEntry(ctx, "e1", 4, "🙂")
	if err != nil {
		t.Fatalf("RateRemoteEntry() failed: %v", err)
	}
	if applied {
		t.Error("Expected the rating to be parked for a missing entry")
	}
	if _, err := r.RateRemoteEntry(ctx, "e1", 7, ""); !errors.Is(err, ErrUpdateFailed) {
		t.Errorf("out-of-range rating: error = %v, want ErrUpdateFailed", err)
	}

	e := schema.NewSleepEntry(owner, start)
	e.ID = "e1"
	if _, err := r.StartEntry(ctx, e); err != nil {
		t.Fatalf("StartEntry() failed: %v", err)
	}
	applied, err = r.ApplyParkedRating(ctx, "e1")
	if err != nil {
		t.Fatalf("ApplyParkedRating() failed: %v", err)
	}
	if !applied {
		t.Error("Expected the parked rating to be applied")
	}
	got, err := r.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEntry() failed: %v", err)
	}
	if got.Rating != 4 || got.Emoji != "🙂" {
		t.Errorf("Got rating %d %q, want 4 🙂", got.Rating, got.Emoji)
	}

	// the parked value is consumed
	applied, err = r.ApplyParkedRating(ctx, "e1")
	if err != nil || applied {
		t.Errorf("second ApplyParkedRating() = %v, %v; want false, nil", applied, err)
	}

	applied, err = r.RateRemoteEntry(ctx, "e1", 2, "")
	if err != nil || !applied {
		t.Errorf("RateRemoteEntry() on a stored entry = %v, %v; want true, nil", applied, err)
	}
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})

	lead, err := r.ReminderLead(ctx, owner)
	if err != nil {
		t.Fatalf("ReminderLead() failed: %v", err)
	}
	if lead != schema.DefaultReminderLead {
		t.Errorf("ReminderLead() = %v, want default %v", lead, schema.DefaultReminderLead)
	}

	if _, err := r.SetReminderLead(ctx, owner, 30*time.Minute); err != nil {
		t.Fatalf("SetReminderLead() failed: %v", err)
	}
	lead, err = r.ReminderLead(ctx, owner)
	if err != nil {
		t.Fatalf("ReminderLead() failed: %v", err)
	}
	if lead != 30*time.Minute {
		t.Errorf("ReminderLead() = %v, want 30m", lead)
	}

	if _, err := r.MostRecentAnswers(ctx, owner); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("MostRecentAnswers() error = %v, want ErrEntityNotFound", err)
	}
}

func TestPendingChangesAndMessages(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})

	p := schema.NewPendingChange(schema.EntitySleepEntry, "e1", schema.OpCreate, []byte(`{}`))
	if err := r.QueuePendingChange(ctx, p); err != nil {
		t.Fatalf("QueuePendingChange() failed: %v", err)
	}
	if err := r.RecordPendingAttempt(ctx, p, time.Now().UTC(), errors.New("peer unreachable")); err != nil {
		t.Fatalf("RecordPendingAttempt() failed: %v", err)
	}

	list, err := Fetch(ctx, r, PendingChanges{})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 pending change, got %d", len(list))
	}
	if list[0].Attempts != 1 || list[0].LastError != "peer unreachable" {
		t.Errorf("Got attempts %d error %q", list[0].Attempts, list[0].LastError)
	}

	if err := r.AckPendingChange(ctx, p.ID); err != nil {
		t.Fatalf("AckPendingChange() failed: %v", err)
	}
	if n, err := r.PendingCount(ctx); err != nil || n != 0 {
		t.Errorf("PendingCount() = %d, %v; want 0", n, err)
	}

	fresh, err := r.MarkMessageProcessed(ctx, "m1", "sleepStarted")
	if err != nil || !fresh {
		t.Errorf("first MarkMessageProcessed() = %v, %v; want true", fresh, err)
	}
	fresh, err = r.MarkMessageProcessed(ctx, "m1", "sleepStarted")
	if err != nil || fresh {
		t.Errorf("second MarkMessageProcessed() = %v, %v; want false", fresh, err)
	}
	if seen, err := r.MessageSeen(ctx, "m1"); err != nil || !seen {
		t.Errorf("MessageSeen() = %v, %v; want true", seen, err)
	}

	if _, ok, err := r.LastSync(ctx); err != nil || ok {
		t.Errorf("LastSync() before any sync: ok=%v err=%v", ok, err)
	}
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	if err := r.SetLastSync(ctx, at); err != nil {
		t.Fatalf("SetLastSync() failed: %v", err)
	}
	got, ok, err := r.LastSync(ctx)
	if err != nil || !ok {
		t.Fatalf("LastSync() = ok %v, err %v", ok, err)
	}
	if !at.Equal(got) {
		t.Errorf("LastSync() = %v, want %v", got, at)
	}
}

func TestHealthStoreBridge(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})
	start := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	rng := healthstore.Interval{Start: start.Add(-24 * time.Hour), End: start.Add(24 * time.Hour)}

	e := schema.NewSleepEntry(owner, start)
	e.Finish(start.Add(3 * time.Hour))
	if err := r.SaveEntry(ctx, e); err != nil {
		t.Fatalf("SaveEntry() failed: %v", err)
	}

	denied := healthstore.NewMemory(true)
	if err := r.ExportEntryToHealthStore(ctx, denied, e.ID); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("ExportEntryToHealthStore() error = %v, want ErrAuthorizationDenied", err)
	}
	if _, err := r.ImportFromHealthStore(ctx, denied, owner, rng); !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("ImportFromHealthStore() error = %v, want ErrAuthorizationDenied", err)
	}

	hs := healthstore.NewMemory(false)
	if err := r.ExportEntryToHealthStore(ctx, hs, e.ID); err != nil {
		t.Fatalf("ExportEntryToHealthStore() failed: %v", err)
	}
	hs.Add(healthstore.Sample{
		Interval: healthstore.Interval{Start: start.Add(-10 * time.Hour), End: start.Add(-9 * time.Hour)},
		Kind:     healthstore.KindNap,
		Source:   "watch",
	})

	for i, want := range []int{1, 0} {
		n, err := r.ImportFromHealthStore(ctx, hs, owner, rng)
		if err != nil {
			t.Fatalf("ImportFromHealthStore() failed: %v", err)
		}
		if n != want {
			t.Errorf("import %d: got %d entries, want %d", i, n, want)
		}
	}
	list, err := Fetch(ctx, r, Entries{OwnerID: owner})
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("own exports must not come back as imports: got %d entries", len(list))
	}
}

type noFit struct{}

func (noFit) Recommend(context.Context, string, map[string]string) (*recommend.Recommendation, error) {
	return nil, nil
}

func TestAdoptRecommendation(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, Options{})
	answers := map[string]string{
		recommend.AnswerExperience:  "beginner",
		recommend.AnswerFlexibility: "low",
	}

	rec, err := r.AdoptRecommendation(ctx, owner, answers, recommend.Templates{})
	if err != nil {
		t.Fatalf("AdoptRecommendation() failed: %v", err)
	}
	if rec.Confidence <= 0 {
		t.Errorf("Confidence = %v, want > 0", rec.Confidence)
	}

	got, err := r.GetSchedule(ctx, rec.Schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule() failed: %v", err)
	}
	if got.IsActive {
		t.Error("an adopted recommendation must not be activated")
	}
	if len(got.Blocks) != len(rec.Schedule.Blocks) {
		t.Errorf("Expected %d blocks, got %d", len(rec.Schedule.Blocks), len(got.Blocks))
	}

	latest, err := r.MostRecentAnswers(ctx, owner)
	if err != nil {
		t.Fatalf("MostRecentAnswers() failed: %v", err)
	}
	if latest.Answers[recommend.AnswerExperience] != "beginner" {
		t.Errorf("Stored answers = %v", latest.Answers)
	}

	if _, err := r.AdoptRecommendation(ctx, owner, answers, noFit{}); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("AdoptRecommendation(noFit) error = %v, want ErrEntityNotFound", err)
	}
}
