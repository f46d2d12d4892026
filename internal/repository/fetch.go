package repository

import (
	"context"

	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

// Query selects records of type T. The query types in this package are the
// only implementations.
type Query[T any] interface {
	entityName() string
	run(ctx context.Context, db *store.DB) ([]T, error)
}

// Fetch runs q. An empty result is not an error; failures are reported as
// ErrFetchFailed.
func Fetch[T any](ctx context.Context, r *Repository, q Query[T]) ([]T, error) {
	var out []T
	err := r.read(ctx, q.entityName(), "", func(db *store.DB) error {
		var err error
		out, err = q.run(ctx, db)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// Schedules selects current-shape schedules.
type Schedules store.ScheduleFilter

func (Schedules) entityName() string { return schema.EntitySchedule }
func (q Schedules) run(ctx context.Context, db *store.DB) ([]*schema.Schedule, error) {
	return db.ListSchedules(ctx, store.ScheduleFilter(q))
}

// LegacySchedules selects legacy-shape schedules.
type LegacySchedules store.ScheduleFilter

func (LegacySchedules) entityName() string { return schema.EntityLegacySchedule }
func (q LegacySchedules) run(ctx context.Context, db *store.DB) ([]*schema.LegacySchedule, error) {
	return db.ListLegacySchedules(ctx, store.ScheduleFilter(q))
}

// OrphanedBlocks selects current-shape blocks without a parent.
type OrphanedBlocks struct{}

func (OrphanedBlocks) entityName() string { return schema.EntitySleepBlock }
func (OrphanedBlocks) run(ctx context.Context, db *store.DB) ([]schema.SleepBlock, error) {
	return db.ListOrphanedBlocks(ctx)
}

// OrphanedLegacyBlocks selects legacy blocks without a parent.
type OrphanedLegacyBlocks struct{}

func (OrphanedLegacyBlocks) entityName() string { return schema.EntityLegacySleepBlock }
func (OrphanedLegacyBlocks) run(ctx context.Context, db *store.DB) ([]schema.LegacySleepBlock, error) {
	return db.ListOrphanedLegacyBlocks(ctx)
}

// DeletedBlocks selects soft-deleted current-shape blocks.
type DeletedBlocks struct{}

func (DeletedBlocks) entityName() string { return schema.EntitySleepBlock }
func (DeletedBlocks) run(ctx context.Context, db *store.DB) ([]schema.SleepBlock, error) {
	return db.ListDeletedBlocks(ctx)
}

// DeletedLegacyBlocks selects soft-deleted legacy blocks.
type DeletedLegacyBlocks struct{}

func (DeletedLegacyBlocks) entityName() string { return schema.EntityLegacySleepBlock }
func (DeletedLegacyBlocks) run(ctx context.Context, db *store.DB) ([]schema.LegacySleepBlock, error) {
	return db.ListDeletedLegacyBlocks(ctx)
}

// Entries selects sleep entries, most recent first.
type Entries store.EntryFilter

func (Entries) entityName() string { return schema.EntitySleepEntry }
func (q Entries) run(ctx context.Context, db *store.DB) ([]*schema.SleepEntry, error) {
	return db.ListEntries(ctx, store.EntryFilter(q))
}

// DanglingEntries selects entries whose block reference no longer resolves.
type DanglingEntries struct{}

func (DanglingEntries) entityName() string { return schema.EntitySleepEntry }
func (DanglingEntries) run(ctx context.Context, db *store.DB) ([]*schema.SleepEntry, error) {
	return db.ListDanglingEntries(ctx)
}

// PendingChanges selects queued changes in creation order (Limit 0 = all).
type PendingChanges struct {
	Limit int
}

func (PendingChanges) entityName() string { return schema.EntityPendingChange }
func (q PendingChanges) run(ctx context.Context, db *store.DB) ([]*schema.PendingChange, error) {
	return db.ListPendingChanges(ctx, q.Limit)
}
