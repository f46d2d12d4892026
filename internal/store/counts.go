package store

import (
	"context"
	"fmt"
)

// Counts are whole-store tallies used by the consistency report and the
// status command.
type Counts struct {
	Schedules        int `json:"schedules" yaml:"schedules"`
	ActiveSchedules  int `json:"active_schedules" yaml:"active_schedules"`
	DeletedSchedules int `json:"deleted_schedules" yaml:"deleted_schedules"`

	LegacySchedules        int `json:"legacy_schedules" yaml:"legacy_schedules"`
	ActiveLegacySchedules  int `json:"active_legacy_schedules" yaml:"active_legacy_schedules"`
	DeletedLegacySchedules int `json:"deleted_legacy_schedules" yaml:"deleted_legacy_schedules"`

	Blocks               int `json:"blocks" yaml:"blocks"`
	DeletedBlocks        int `json:"deleted_blocks" yaml:"deleted_blocks"`
	OrphanedBlocks       int `json:"orphaned_blocks" yaml:"orphaned_blocks"`
	LegacyBlocks         int `json:"legacy_blocks" yaml:"legacy_blocks"`
	DeletedLegacyBlocks  int `json:"deleted_legacy_blocks" yaml:"deleted_legacy_blocks"`
	OrphanedLegacyBlocks int `json:"orphaned_legacy_blocks" yaml:"orphaned_legacy_blocks"`

	Entries           int `json:"entries" yaml:"entries"`
	DeletedEntries    int `json:"deleted_entries" yaml:"deleted_entries"`
	DanglingEntryRefs int `json:"dangling_entry_refs" yaml:"dangling_entry_refs"`

	// UnmatchedLegacy are live legacy schedules with no current row of the
	// same id; UnmatchedCurrent is the reverse direction.
	UnmatchedLegacy  int `json:"unmatched_legacy" yaml:"unmatched_legacy"`
	UnmatchedCurrent int `json:"unmatched_current" yaml:"unmatched_current"`

	// Owners with more than one live active schedule, per shape.
	MultiActiveOwners       int `json:"multi_active_owners" yaml:"multi_active_owners"`
	MultiActiveLegacyOwners int `json:"multi_active_legacy_owners" yaml:"multi_active_legacy_owners"`

	PendingChanges int `json:"pending_changes" yaml:"pending_changes"`
}

var countQueries = []struct {
	query string
	dest  func(c *Counts) *int
}{
	{`SELECT COUNT(*) FROM schedules WHERE is_deleted = 0`, func(c *Counts) *int { return &c.Schedules }},
	{`SELECT COUNT(*) FROM schedules WHERE is_deleted = 0 AND is_active = 1`, func(c *Counts) *int { return &c.ActiveSchedules }},
	{`SELECT COUNT(*) FROM schedules WHERE is_deleted = 1`, func(c *Counts) *int { return &c.DeletedSchedules }},

	{`SELECT COUNT(*) FROM legacy_schedules WHERE is_deleted = 0`, func(c *Counts) *int { return &c.LegacySchedules }},
	{`SELECT COUNT(*) FROM legacy_schedules WHERE is_deleted = 0 AND is_active = 1`, func(c *Counts) *int { return &c.ActiveLegacySchedules }},
	{`SELECT COUNT(*) FROM legacy_schedules WHERE is_deleted = 1`, func(c *Counts) *int { return &c.DeletedLegacySchedules }},

	{`SELECT COUNT(*) FROM sleep_blocks WHERE is_deleted = 0`, func(c *Counts) *int { return &c.Blocks }},
	{`SELECT COUNT(*) FROM sleep_blocks WHERE is_deleted = 1`, func(c *Counts) *int { return &c.DeletedBlocks }},
	{`SELECT COUNT(*) FROM sleep_blocks WHERE schedule_id IS NULL OR schedule_id = ''`, func(c *Counts) *int { return &c.OrphanedBlocks }},
	{`SELECT COUNT(*) FROM legacy_sleep_blocks WHERE is_deleted = 0`, func(c *Counts) *int { return &c.LegacyBlocks }},
	{`SELECT COUNT(*) FROM legacy_sleep_blocks WHERE is_deleted = 1`, func(c *Counts) *int { return &c.DeletedLegacyBlocks }},
	{`SELECT COUNT(*) FROM legacy_sleep_blocks WHERE schedule_id IS NULL OR schedule_id = ''`, func(c *Counts) *int { return &c.OrphanedLegacyBlocks }},

	{`SELECT COUNT(*) FROM sleep_entries WHERE is_deleted = 0`, func(c *Counts) *int { return &c.Entries }},
	{`SELECT COUNT(*) FROM sleep_entries WHERE is_deleted = 1`, func(c *Counts) *int { return &c.DeletedEntries }},
	{`SELECT COUNT(*) FROM sleep_entries e
	  WHERE e.block_id IS NOT NULL
	    AND NOT EXISTS (SELECT 1 FROM sleep_blocks b WHERE b.id = e.block_id)
	    AND NOT EXISTS (SELECT 1 FROM legacy_sleep_blocks l WHERE l.id = e.block_id)`,
		func(c *Counts) *int { return &c.DanglingEntryRefs }},

	{`SELECT COUNT(*) FROM legacy_schedules l
	  WHERE l.is_deleted = 0 AND NOT EXISTS (SELECT 1 FROM schedules s WHERE s.id = l.id)`,
		func(c *Counts) *int { return &c.UnmatchedLegacy }},
	{`SELECT COUNT(*) FROM schedules s
	  WHERE s.is_deleted = 0 AND NOT EXISTS (SELECT 1 FROM legacy_schedules l WHERE l.id = s.id)`,
		func(c *Counts) *int { return &c.UnmatchedCurrent }},

	{`SELECT COUNT(*) FROM (SELECT owner_id FROM schedules
	  WHERE is_deleted = 0 AND is_active = 1 GROUP BY owner_id HAVING COUNT(*) > 1)`,
		func(c *Counts) *int { return &c.MultiActiveOwners }},
	{`SELECT COUNT(*) FROM (SELECT owner_id FROM legacy_schedules
	  WHERE is_deleted = 0 AND is_active = 1 GROUP BY owner_id HAVING COUNT(*) > 1)`,
		func(c *Counts) *int { return &c.MultiActiveLegacyOwners }},

	{`SELECT COUNT(*) FROM pending_changes`, func(c *Counts) *int { return &c.PendingChanges }},
}

// Counts tallies the whole store.
func (r reads) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	for _, cq := range countQueries {
		if err := r.q.QueryRowContext(ctx, cq.query).Scan(cq.dest(&c)); err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}
	return &c, nil
}

// ActiveCount returns the number of live active schedules owned by ownerID.
func (r reads) ActiveCount(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM schedules WHERE owner_id = ? AND is_active = 1 AND is_deleted = 0`, ownerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active schedules for %s: %w", ownerID, err)
	}
	return n, nil
}
