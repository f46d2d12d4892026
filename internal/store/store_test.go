package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
)

// testDBPath returns a temporary database path for testing.
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// openTestDB opens a fresh file-backed store.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustTx(t *testing.T, db *DB, fn func(tx *Tx) error) {
	t.Helper()
	if err := db.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
}

func TestOpen_Success(t *testing.T) {
	dbPath := testDBPath(t)

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("Database file was not created at %s", dbPath)
	}
	if db.IsMemory() {
		t.Error("IsMemory() = true for file-backed store")
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	s := schema.NewSchedule("owner-1", "Biphasic", 6)
	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.UpsertSchedule(ctx, s) }); err != nil {
		t.Fatalf("UpsertSchedule() on a fresh store failed: %v", err)
	}
	if _, err := db.GetSchedule(ctx, s.ID); err != nil {
		t.Fatalf("GetSchedule() failed: %v", err)
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s := schema.NewSchedule("owner-1", "Biphasic", 6)
	if err := db.WithTx(ctx, func(tx *Tx) error { return tx.UpsertSchedule(ctx, s) }); err != nil {
		t.Fatalf("UpsertSchedule() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer db.Close()
	if _, err := db.GetSchedule(ctx, s.ID); err != nil {
		t.Errorf("GetSchedule() after reopen failed: %v", err)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("Open(\"\") should fail")
	}
}

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	defer db.Close()

	if !db.IsMemory() {
		t.Error("IsMemory() = false for in-memory store")
	}
	if db.Path() != MemoryPath {
		t.Errorf("Path() = %q, want %q", db.Path(), MemoryPath)
	}

	// Schema is applied on open; a write and read must round trip on the
	// single pinned connection.
	s := schema.NewSchedule("owner-1", "Biphasic", 6.5)
	mustTx(t, db, func(tx *Tx) error { return tx.UpsertSchedule(context.Background(), s) })

	got, err := db.GetSchedule(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetSchedule() failed: %v", err)
	}
	if got.Name != "Biphasic" {
		t.Errorf("Name = %q, want Biphasic", got.Name)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	tables := []string{
		"schedules", "sleep_blocks", "legacy_schedules", "legacy_sleep_blocks",
		"sleep_entries", "pending_changes", "processed_messages", "sync_state",
		"preferences", "onboarding_answers", "phase_undo",
	}
	for _, table := range tables {
		var name string
		err := db.conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestUpsertSchedule_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s := schema.NewSchedule("owner-1", "Everyman 3", 4.5)
	s.Description = schema.LocalizedText{"en": "Core and three naps", "de": "Kernschlaf und drei Nickerchen"}
	s.SetPhase(2)
	activated := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	s.ActivatedAt = &activated
	s.IsActive = true

	core := schema.NewSleepBlock(s.ID, 23*60, 2*60+30, true)
	nap := schema.NewSleepBlock(s.ID, 14*60, 14*60+20, false)

	mustTx(t, db, func(tx *Tx) error {
		if err := tx.UpsertSchedule(ctx, s); err != nil {
			return err
		}
		if err := tx.UpsertBlock(ctx, &core); err != nil {
			return err
		}
		return tx.UpsertBlock(ctx, &nap)
	})

	got, err := db.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule() failed: %v", err)
	}
	if got.Phase() != 2 {
		t.Errorf("Phase() = %d, want 2", got.Phase())
	}
	if got.ActivatedAt == nil || !got.ActivatedAt.Equal(activated) {
		t.Errorf("ActivatedAt = %v, want %v", got.ActivatedAt, activated)
	}
	if got.Description["de"] != "Kernschlaf und drei Nickerchen" {
		t.Errorf("Description[de] = %q", got.Description["de"])
	}
	if len(got.Blocks) != 2 {
		t.Fatalf("len(Blocks) = %d, want 2", len(got.Blocks))
	}
	// Ordered by start minute: the nap at 14:00 precedes the core at 23:00.
	if got.Blocks[0].ID != nap.ID || got.Blocks[1].DurationMinutes != 210 {
		t.Errorf("unexpected block order or duration: %+v", got.Blocks)
	}
	if !got.UpdatedAt.Equal(s.UpdatedAt) {
		t.Errorf("UpdatedAt lost precision: got %v, want %v", got.UpdatedAt, s.UpdatedAt)
	}
}

func TestGetSchedule_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetSchedule(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSchedule() error = %v, want ErrNotFound", err)
	}
}

func TestOneActivePerOwner_Enforced(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a := schema.NewSchedule("owner-1", "Uberman", 2)
	a.IsActive = true
	b := schema.NewSchedule("owner-1", "Dymaxion", 2)
	b.IsActive = true

	mustTx(t, db, func(tx *Tx) error { return tx.UpsertSchedule(ctx, a) })

	err := db.WithTx(ctx, func(tx *Tx) error { return tx.UpsertSchedule(ctx, b) })
	if err == nil {
		t.Fatal("second active schedule for the same owner was accepted")
	}

	// Deactivating the other schedules first makes room.
	mustTx(t, db, func(tx *Tx) error {
		if _, err := tx.DeactivateOwnerSchedules(ctx, "owner-1", b.ID, time.Now()); err != nil {
			return err
		}
		return tx.UpsertSchedule(ctx, b)
	})

	n, err := db.ActiveCount(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ActiveCount() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ActiveCount() = %d, want 1", n)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s := schema.NewSchedule("owner-1", "Segmented", 6)
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertSchedule(ctx, s); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	if _, err := db.GetSchedule(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("schedule survived rollback: err = %v", err)
	}
}

func TestDeleteSchedule_CascadesBlocks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s := schema.NewSchedule("owner-1", "Triphasic", 4.5)
	blk := schema.NewSleepBlock(s.ID, 0, 90, true)
	mustTx(t, db, func(tx *Tx) error {
		if err := tx.UpsertSchedule(ctx, s); err != nil {
			return err
		}
		return tx.UpsertBlock(ctx, &blk)
	})

	mustTx(t, db, func(tx *Tx) error { return tx.DeleteSchedule(ctx, s.ID) })

	blocks, err := db.ListBlocks(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListBlocks() failed: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("len(blocks) = %d after cascade, want 0", len(blocks))
	}
}

func TestInsertIfAbsent_SecondInsertIsNoop(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s := schema.NewSchedule("owner-1", "E2", 5)
	var first, second bool
	mustTx(t, db, func(tx *Tx) error {
		var err error
		first, err = tx.InsertScheduleIfAbsent(ctx, s)
		return err
	})
	mustTx(t, db, func(tx *Tx) error {
		var err error
		second, err = tx.InsertScheduleIfAbsent(ctx, s)
		return err
	})

	if !first || second {
		t.Errorf("InsertScheduleIfAbsent() = %v then %v, want true then false", first, second)
	}
}

func TestListSchedules_Filters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	active := schema.NewSchedule("owner-1", "E3", 4.5)
	active.IsActive = true
	idle := schema.NewSchedule("owner-1", "Biphasic", 6.5)
	gone := schema.NewSchedule("owner-1", "Siesta", 7)
	gone.IsDeleted = true
	other := schema.NewSchedule("owner-2", "E1", 6)

	mustTx(t, db, func(tx *Tx) error {
		for _, s := range []*schema.Schedule{active, idle, gone, other} {
			if err := tx.UpsertSchedule(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})

	tests := []struct {
		name   string
		filter ScheduleFilter
		want   int
	}{
		{"all live", ScheduleFilter{}, 3},
		{"owner", ScheduleFilter{OwnerID: "owner-1"}, 2},
		{"active", ScheduleFilter{OwnerID: "owner-1", ActiveOnly: true}, 1},
		{"deleted", ScheduleFilter{Deleted: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListSchedules(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListSchedules() failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("ListSchedules() returned %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestEntries_UpsertAndDangling(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	e := schema.NewSleepEntry("owner-1", start)
	missing := "no-such-block"
	e.BlockID = &missing
	e.Finish(start.Add(20 * time.Minute))

	mustTx(t, db, func(tx *Tx) error { return tx.UpsertEntry(ctx, e) })
	// Upserting the same id again must not create a second row.
	mustTx(t, db, func(tx *Tx) error { return tx.UpsertEntry(ctx, e) })

	entries, err := db.ListEntries(ctx, EntryFilter{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("ListEntries() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].DurationMinutes != 20 {
		t.Errorf("DurationMinutes = %d, want 20", entries[0].DurationMinutes)
	}

	dangling, err := db.ListDanglingEntries(ctx)
	if err != nil {
		t.Fatalf("ListDanglingEntries() failed: %v", err)
	}
	if len(dangling) != 1 {
		t.Fatalf("len(dangling) = %d, want 1", len(dangling))
	}

	mustTx(t, db, func(tx *Tx) error { return tx.ClearEntryBlock(ctx, e.ID) })
	got, err := db.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntry() failed: %v", err)
	}
	if got.BlockID != nil {
		t.Errorf("BlockID = %v after clear, want nil", *got.BlockID)
	}
}

func TestPendingChanges_Order(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := schema.NewPendingChange(schema.EntitySleepEntry, "e-1", schema.OpCreate, []byte(`{"a":1}`))
	second := schema.NewPendingChange(schema.EntitySchedule, "s-1", schema.OpUpdate, []byte(`{"b":2}`))
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	mustTx(t, db, func(tx *Tx) error {
		if err := tx.UpsertPendingChange(ctx, second); err != nil {
			return err
		}
		return tx.UpsertPendingChange(ctx, first)
	})

	changes, err := db.ListPendingChanges(ctx, 0)
	if err != nil {
		t.Fatalf("ListPendingChanges() failed: %v", err)
	}
	if len(changes) != 2 || changes[0].ID != first.ID {
		t.Fatalf("ListPendingChanges() not in creation order: %+v", changes)
	}
	if string(changes[0].Payload) != `{"a":1}` {
		t.Errorf("Payload = %s", changes[0].Payload)
	}

	mustTx(t, db, func(tx *Tx) error { return tx.DeletePendingChange(ctx, first.ID) })
	n, err := db.CountPendingChanges(ctx)
	if err != nil {
		t.Fatalf("CountPendingChanges() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountPendingChanges() = %d, want 1", n)
	}
}

func TestMarkProcessed_Dedupes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	var first, second bool
	mustTx(t, db, func(tx *Tx) error {
		var err error
		if first, err = tx.MarkProcessed(ctx, "m-1", "sleepStarted", now); err != nil {
			return err
		}
		second, err = tx.MarkProcessed(ctx, "m-1", "sleepStarted", now)
		return err
	})
	if !first || second {
		t.Errorf("MarkProcessed() = %v then %v, want true then false", first, second)
	}

	ok, err := db.IsProcessed(ctx, "m-1")
	if err != nil || !ok {
		t.Errorf("IsProcessed() = %v, %v", ok, err)
	}

	var pruned int64
	mustTx(t, db, func(tx *Tx) error {
		var err error
		pruned, err = tx.PruneProcessed(ctx, now.Add(time.Minute))
		return err
	})
	if pruned != 1 {
		t.Errorf("PruneProcessed() = %d, want 1", pruned)
	}
}

func TestSyncState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetState(ctx, "last_sync"); err != nil || ok {
		t.Fatalf("GetState() on empty store = ok %v, err %v", ok, err)
	}

	mustTx(t, db, func(tx *Tx) error { return tx.SetState(ctx, "last_sync", "a", time.Now()) })
	mustTx(t, db, func(tx *Tx) error { return tx.SetState(ctx, "last_sync", "b", time.Now()) })

	v, ok, err := db.GetState(ctx, "last_sync")
	if err != nil || !ok || v != "b" {
		t.Errorf("GetState() = %q, %v, %v; want b", v, ok, err)
	}

	mustTx(t, db, func(tx *Tx) error { return tx.DeleteState(ctx, "last_sync") })
	mustTx(t, db, func(tx *Tx) error { return tx.DeleteState(ctx, "never-set") })
	if _, ok, err := db.GetState(ctx, "last_sync"); err != nil || ok {
		t.Errorf("GetState() after delete = ok %v, err %v", ok, err)
	}
}

func TestPreferencesAndAnswers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetPreferences(ctx, "owner-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPreferences() error = %v, want ErrNotFound", err)
	}

	prefs := &schema.Preferences{OwnerID: "owner-1", ReminderLeadMinutes: 30, UpdatedAt: time.Now()}
	older := &schema.OnboardingAnswers{
		ID: "a-1", OwnerID: "owner-1",
		Answers:    map[string]string{"chronotype": "owl"},
		RecordedAt: time.Now().Add(-time.Hour),
	}
	newer := &schema.OnboardingAnswers{
		ID: "a-2", OwnerID: "owner-1",
		Answers:    map[string]string{"chronotype": "lark"},
		RecordedAt: time.Now(),
	}
	mustTx(t, db, func(tx *Tx) error {
		if err := tx.UpsertPreferences(ctx, prefs); err != nil {
			return err
		}
		if err := tx.InsertAnswers(ctx, newer); err != nil {
			return err
		}
		return tx.InsertAnswers(ctx, older)
	})

	got, err := db.GetPreferences(ctx, "owner-1")
	if err != nil {
		t.Fatalf("GetPreferences() failed: %v", err)
	}
	if got.ReminderLead() != 30*time.Minute {
		t.Errorf("ReminderLead() = %v, want 30m", got.ReminderLead())
	}

	latest, err := db.LatestAnswers(ctx, "owner-1")
	if err != nil {
		t.Fatalf("LatestAnswers() failed: %v", err)
	}
	if latest.Answers["chronotype"] != "lark" {
		t.Errorf("LatestAnswers() = %v, want the lark answers", latest.Answers)
	}
}

func TestCounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	current := schema.NewSchedule("owner-1", "E3", 4.5)
	legacy := &schema.LegacySchedule{
		ID: "legacy-1", OwnerID: "owner-1", Name: "Old E2", IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}
	orphan := schema.NewSleepBlock("x", 0, 30, false)
	orphan.ScheduleID = nil
	legacyOrphan := &schema.LegacySleepBlock{
		ID: "lb-1", StartTime: "13:00", EndTime: "13:20", DurationMinutes: 20,
		CreatedAt: now, UpdatedAt: now,
	}

	mustTx(t, db, func(tx *Tx) error {
		if err := tx.UpsertSchedule(ctx, current); err != nil {
			return err
		}
		if err := tx.UpsertLegacySchedule(ctx, legacy); err != nil {
			return err
		}
		if err := tx.UpsertBlock(ctx, &orphan); err != nil {
			return err
		}
		return tx.UpsertLegacyBlock(ctx, legacyOrphan)
	})

	c, err := db.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if c.Schedules != 1 || c.LegacySchedules != 1 {
		t.Errorf("Schedules = %d, LegacySchedules = %d; want 1, 1", c.Schedules, c.LegacySchedules)
	}
	if c.UnmatchedLegacy != 1 || c.UnmatchedCurrent != 1 {
		t.Errorf("UnmatchedLegacy = %d, UnmatchedCurrent = %d; want 1, 1", c.UnmatchedLegacy, c.UnmatchedCurrent)
	}
	if c.OrphanedBlocks != 1 || c.OrphanedLegacyBlocks != 1 {
		t.Errorf("OrphanedBlocks = %d, OrphanedLegacyBlocks = %d; want 1, 1", c.OrphanedBlocks, c.OrphanedLegacyBlocks)
	}
	if c.ActiveLegacySchedules != 1 {
		t.Errorf("ActiveLegacySchedules = %d, want 1", c.ActiveLegacySchedules)
	}
}

func TestClose(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	// Second close is a no-op.
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if err := db.WithTx(context.Background(), func(*Tx) error { return nil }); err == nil {
		t.Error("WithTx() on closed store should fail")
	}
}
