// Package migrate unifies the legacy and current schedule shapes and keeps
// the store free of garbage.
//
// A pass runs Scan, Reconcile, Purge and Validate in that order, with an
// optional Cleanup before Validate. Every step checks existence by id before
// writing, so a pass that failed halfway can simply be run again: the second
// complete pass over a consistent store writes nothing.
package migrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/metrics"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/schema"
)

// Options control Run.
type Options struct {
	// DryRun scans and validates without writing
	DryRun bool
	// Cleanup removes orphaned blocks and clears dangling entry references
	Cleanup bool
}

// Result contains statistics about a pass.
type Result struct {
	ScannedLegacy      int                `json:"scanned_legacy" yaml:"scanned_legacy"`
	ScannedCurrent     int                `json:"scanned_current" yaml:"scanned_current"`
	CurrentSynthesized int                `json:"current_synthesized" yaml:"current_synthesized"`
	LegacySynthesized  int                `json:"legacy_synthesized" yaml:"legacy_synthesized"`
	LegacyActiveFixed  int                `json:"legacy_active_fixed" yaml:"legacy_active_fixed"`
	Purged             int                `json:"purged" yaml:"purged"`
	OrphansRemoved     int                `json:"orphans_removed" yaml:"orphans_removed"`
	DanglingCleared    int                `json:"dangling_cleared" yaml:"dangling_cleared"`
	Writes             int                `json:"writes" yaml:"writes"`
	Errors             []string           `json:"errors,omitempty" yaml:"errors,omitempty"`
	Report             *ConsistencyReport `json:"report" yaml:"report"`
}

// Snapshot is the output of Scan.
type Snapshot struct {
	Legacy  []*schema.LegacySchedule
	Current []*schema.Schedule

	// ids of every row per shape, soft-deleted ones included
	legacyIDs  map[string]bool
	currentIDs map[string]bool
}

// Service runs consistency passes against a Repository.
type Service struct {
	repo    *repository.Repository
	logger  *zap.SugaredLogger
	metrics metrics.Recorder
	now     func() time.Time
}

// New returns a Service. A nil logger or recorder falls back to the defaults.
func New(repo *repository.Repository, logger *zap.SugaredLogger, rec metrics.Recorder) *Service {
	return &Service{
		repo:    repo,
		logger:  logging.Named(logger, "migrate"),
		metrics: metrics.OrNoop(rec),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run performs a full pass. Problems with individual records are collected
// in Result.Errors; a store failure aborts the pass and is returned.
func (s *Service) Run(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{}

	snap, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	result.ScannedLegacy = len(snap.Legacy)
	result.ScannedCurrent = len(snap.Current)

	if !opts.DryRun {
		if err := s.reconcile(ctx, snap, result); err != nil {
			return result, err
		}
		n, err := s.Purge(ctx)
		result.Purged = n
		result.Writes += n
		if err != nil {
			return result, err
		}
		if opts.Cleanup {
			orphans, dangling, err := s.Cleanup(ctx)
			result.OrphansRemoved = orphans
			result.DanglingCleared = dangling
			result.Writes += orphans + dangling
			if err != nil {
				return result, err
			}
		}
	}

	report, err := s.Validate(ctx)
	if err != nil {
		return result, err
	}
	result.Report = report
	s.metrics.AddMigrationWrites(result.Writes)

	log := s.logger.Infow
	if report.HasIssues() {
		log = s.logger.Errorw
	}
	log("consistency pass finished", "writes", result.Writes,
		"current_synthesized", result.CurrentSynthesized, "legacy_synthesized", result.LegacySynthesized,
		"purged", result.Purged, "issues", report.Issues, "record_errors", len(result.Errors))
	return result, nil
}

// Scan loads every live schedule of both shapes with their blocks, and the
// ids of soft-deleted rows so that Reconcile never resurrects them.
func (s *Service) Scan(ctx context.Context) (*Snapshot, error) {
	legacy, err := repository.Fetch(ctx, s.repo, repository.LegacySchedules{WithBlocks: true})
	if err != nil {
		return nil, err
	}
	current, err := repository.Fetch(ctx, s.repo, repository.Schedules{WithBlocks: true})
	if err != nil {
		return nil, err
	}
	deletedLegacy, err := repository.Fetch(ctx, s.repo, repository.LegacySchedules{Deleted: true})
	if err != nil {
		return nil, err
	}
	deletedCurrent, err := repository.Fetch(ctx, s.repo, repository.Schedules{Deleted: true})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Legacy:     legacy,
		Current:    current,
		legacyIDs:  make(map[string]bool, len(legacy)+len(deletedLegacy)),
		currentIDs: make(map[string]bool, len(current)+len(deletedCurrent)),
	}
	for _, l := range legacy {
		snap.legacyIDs[l.ID] = true
	}
	for _, l := range deletedLegacy {
		snap.legacyIDs[l.ID] = true
	}
	for _, c := range current {
		snap.currentIDs[c.ID] = true
	}
	for _, c := range deletedCurrent {
		snap.currentIDs[c.ID] = true
	}
	return snap, nil
}

// Reconcile synthesizes missing counterparts in both directions and brings
// the legacy active flags in line with the current shape. It returns the
// number of rows written.
func (s *Service) Reconcile(ctx context.Context, snap *Snapshot) (int, error) {
	result := &Result{}
	err := s.reconcile(ctx, snap, result)
	return result.Writes, err
}

func (s *Service) reconcile(ctx context.Context, snap *Snapshot, result *Result) error {
	now := s.now()

	hasActive := make(map[string]bool)
	for _, c := range snap.Current {
		if c.IsActive {
			hasActive[c.OwnerID] = true
		}
	}

	for _, l := range snap.Legacy {
		if snap.currentIDs[l.ID] {
			continue
		}
		active := l.IsActive && !hasActive[l.OwnerID]
		if l.IsActive && !active {
			s.logger.Warnw("legacy schedule is active but owner already has an active schedule; synthesizing it inactive",
				"id", l.ID, "owner", l.OwnerID)
		}

		c, problems := currentFromLegacy(l, active, now)
		for _, p := range problems {
			result.Errors = append(result.Errors, fmt.Sprintf("schedule %s: %s", l.ID, p))
		}
		s.repo.Insert(c)
		if err := s.repo.Save(ctx); err != nil {
			return err
		}
		snap.currentIDs[c.ID] = true
		if active {
			hasActive[l.OwnerID] = true
		}
		result.CurrentSynthesized++
		result.Writes += 1 + len(c.Blocks)
		s.logger.Debugw("synthesized current schedule", "id", c.ID, "blocks", len(c.Blocks))
	}

	for _, c := range snap.Current {
		if snap.legacyIDs[c.ID] {
			continue
		}
		l := legacyFromCurrent(c)
		s.repo.Insert(l)
		if err := s.repo.Save(ctx); err != nil {
			return err
		}
		snap.legacyIDs[l.ID] = true
		result.LegacySynthesized++
		result.Writes += 1 + len(l.Blocks)
		s.logger.Debugw("synthesized legacy schedule", "id", l.ID, "blocks", len(l.Blocks))
	}

	fixed, err := s.alignLegacyActive(ctx, now)
	result.LegacyActiveFixed = fixed
	result.Writes += fixed
	return err
}

// alignLegacyActive makes each legacy schedule's active flag equal to its
// current twin's. The current shape is authoritative.
func (s *Service) alignLegacyActive(ctx context.Context, now time.Time) (int, error) {
	current, err := repository.Fetch(ctx, s.repo, repository.Schedules{})
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool, len(current))
	for _, c := range current {
		active[c.ID] = c.IsActive
	}

	legacy, err := repository.Fetch(ctx, s.repo, repository.LegacySchedules{})
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, l := range legacy {
		want, ok := active[l.ID]
		if !ok || l.IsActive == want {
			continue
		}
		l.IsActive = want
		l.UpdatedAt = now
		s.repo.Update(l)
		fixed++
	}
	if fixed == 0 {
		return 0, nil
	}
	if err := s.repo.Save(ctx); err != nil {
		return 0, err
	}
	return fixed, nil
}

// Purge physically deletes soft-deleted records. A schedule soft-deleted in
// either shape is removed from both, so Reconcile cannot bring it back.
// Soft-deleted blocks are detached from their parent before deletion. It
// returns the number of records deleted.
func (s *Service) Purge(ctx context.Context) (int, error) {
	deletedBlocks, err := repository.Fetch(ctx, s.repo, repository.DeletedBlocks{})
	if err != nil {
		return 0, err
	}
	deletedLegacyBlocks, err := repository.Fetch(ctx, s.repo, repository.DeletedLegacyBlocks{})
	if err != nil {
		return 0, err
	}
	deletedCurrent, err := repository.Fetch(ctx, s.repo, repository.Schedules{Deleted: true})
	if err != nil {
		return 0, err
	}
	deletedLegacy, err := repository.Fetch(ctx, s.repo, repository.LegacySchedules{Deleted: true})
	if err != nil {
		return 0, err
	}
	deletedEntries, err := repository.Fetch(ctx, s.repo, repository.Entries{IncludeDeleted: true})
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range deletedBlocks {
		s.repo.Delete(&deletedBlocks[i])
		n++
	}
	for i := range deletedLegacyBlocks {
		s.repo.Delete(&deletedLegacyBlocks[i])
		n++
	}

	ids := make(map[string]bool)
	for _, c := range deletedCurrent {
		ids[c.ID] = true
	}
	for _, l := range deletedLegacy {
		ids[l.ID] = true
	}
	for id := range ids {
		s.repo.Delete(&schema.Schedule{ID: id})
		s.repo.Delete(&schema.LegacySchedule{ID: id})
		n++
	}

	for _, e := range deletedEntries {
		if !e.IsDeleted {
			continue
		}
		s.repo.Delete(e)
		n++
	}

	if n == 0 {
		return 0, nil
	}
	if err := s.repo.Save(ctx); err != nil {
		return 0, err
	}
	s.logger.Infow("purged soft-deleted records", "count", n)
	return n, nil
}

// Cleanup deletes orphaned blocks of both shapes and clears entry references
// to blocks that no longer exist. Entries themselves are kept.
func (s *Service) Cleanup(ctx context.Context) (orphans, dangling int, err error) {
	blocks, err := repository.Fetch(ctx, s.repo, repository.OrphanedBlocks{})
	if err != nil {
		return 0, 0, err
	}
	legacyBlocks, err := repository.Fetch(ctx, s.repo, repository.OrphanedLegacyBlocks{})
	if err != nil {
		return 0, 0, err
	}
	for i := range blocks {
		s.repo.Delete(&blocks[i])
		orphans++
	}
	for i := range legacyBlocks {
		s.repo.Delete(&legacyBlocks[i])
		orphans++
	}

	entries, err := repository.Fetch(ctx, s.repo, repository.DanglingEntries{})
	if err != nil {
		return 0, 0, err
	}
	now := s.now()
	for _, e := range entries {
		e.BlockID = nil
		e.UpdatedAt = now
		s.repo.Update(e)
		dangling++
	}

	if orphans+dangling == 0 {
		return 0, 0, nil
	}
	if err := s.repo.Save(ctx); err != nil {
		return 0, 0, err
	}
	s.logger.Infow("cleanup finished", "orphans_removed", orphans, "dangling_cleared", dangling)
	return orphans, dangling, nil
}

// Validate tallies the store into a ConsistencyReport.
func (s *Service) Validate(ctx context.Context) (*ConsistencyReport, error) {
	c, err := s.repo.Counts(ctx)
	if err != nil {
		return nil, err
	}
	report := newReport(c, s.now())
	s.metrics.SetConsistencyIssues(len(report.Issues))
	return report, nil
}
