package migrate

import (
	"fmt"
	"time"

	"github.com/polycycle/sleepsync/internal/store"
)

// ConsistencyReport summarizes the state of both schedule shapes after a
// pass.
type ConsistencyReport struct {
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`

	TotalSchedules        int `json:"total_schedules" yaml:"total_schedules"`
	ActiveSchedules       int `json:"active_schedules" yaml:"active_schedules"`
	TotalLegacySchedules  int `json:"total_legacy_schedules" yaml:"total_legacy_schedules"`
	ActiveLegacySchedules int `json:"active_legacy_schedules" yaml:"active_legacy_schedules"`

	UnmatchedLegacySchedules  int `json:"unmatched_legacy_schedules" yaml:"unmatched_legacy_schedules"`
	UnmatchedCurrentSchedules int `json:"unmatched_current_schedules" yaml:"unmatched_current_schedules"`

	OrphanedSleepBlocks       int `json:"orphaned_sleep_blocks" yaml:"orphaned_sleep_blocks"`
	OrphanedLegacySleepBlocks int `json:"orphaned_legacy_sleep_blocks" yaml:"orphaned_legacy_sleep_blocks"`
	DanglingEntryBlockRefs    int `json:"dangling_entry_block_refs" yaml:"dangling_entry_block_refs"`

	UnpurgedSchedules       int `json:"unpurged_schedules" yaml:"unpurged_schedules"`
	UnpurgedLegacySchedules int `json:"unpurged_legacy_schedules" yaml:"unpurged_legacy_schedules"`
	UnpurgedBlocks          int `json:"unpurged_blocks" yaml:"unpurged_blocks"`
	UnpurgedLegacyBlocks    int `json:"unpurged_legacy_blocks" yaml:"unpurged_legacy_blocks"`
	UnpurgedEntries         int `json:"unpurged_entries" yaml:"unpurged_entries"`

	MultiActiveOwners       int `json:"multi_active_owners" yaml:"multi_active_owners"`
	MultiActiveLegacyOwners int `json:"multi_active_legacy_owners" yaml:"multi_active_legacy_owners"`

	Issues []string `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// newReport builds a report from store tallies.
func newReport(c *store.Counts, at time.Time) *ConsistencyReport {
	r := &ConsistencyReport{
		GeneratedAt:               at,
		TotalSchedules:            c.Schedules,
		ActiveSchedules:           c.ActiveSchedules,
		TotalLegacySchedules:      c.LegacySchedules,
		ActiveLegacySchedules:     c.ActiveLegacySchedules,
		UnmatchedLegacySchedules:  c.UnmatchedLegacy,
		UnmatchedCurrentSchedules: c.UnmatchedCurrent,
		OrphanedSleepBlocks:       c.OrphanedBlocks,
		OrphanedLegacySleepBlocks: c.OrphanedLegacyBlocks,
		DanglingEntryBlockRefs:    c.DanglingEntryRefs,
		UnpurgedSchedules:         c.DeletedSchedules,
		UnpurgedLegacySchedules:   c.DeletedLegacySchedules,
		UnpurgedBlocks:            c.DeletedBlocks,
		UnpurgedLegacyBlocks:      c.DeletedLegacyBlocks,
		UnpurgedEntries:           c.DeletedEntries,
		MultiActiveOwners:         c.MultiActiveOwners,
		MultiActiveLegacyOwners:   c.MultiActiveLegacyOwners,
	}

	checks := []struct {
		n    int
		what string
	}{
		{r.UnmatchedLegacySchedules, "legacy schedules without a current counterpart"},
		{r.UnmatchedCurrentSchedules, "current schedules without a legacy counterpart"},
		{r.OrphanedSleepBlocks, "orphaned sleep blocks"},
		{r.OrphanedLegacySleepBlocks, "orphaned legacy sleep blocks"},
		{r.DanglingEntryBlockRefs, "sleep entries referencing a missing block"},
		{r.UnpurgedSchedules, "soft-deleted schedules not purged"},
		{r.UnpurgedLegacySchedules, "soft-deleted legacy schedules not purged"},
		{r.UnpurgedBlocks, "soft-deleted sleep blocks not purged"},
		{r.UnpurgedLegacyBlocks, "soft-deleted legacy sleep blocks not purged"},
		{r.UnpurgedEntries, "soft-deleted sleep entries not purged"},
		{r.MultiActiveOwners, "owners with more than one active schedule"},
		{r.MultiActiveLegacyOwners, "owners with more than one active legacy schedule"},
	}
	for _, c := range checks {
		if c.n > 0 {
			r.Issues = append(r.Issues, fmt.Sprintf("%d %s", c.n, c.what))
		}
	}
	return r
}

// HasIssues reports whether any inconsistency was found.
func (r *ConsistencyReport) HasIssues() bool {
	return len(r.Issues) > 0
}
