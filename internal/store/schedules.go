package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
)

const scheduleColumns = `id, sync_id, owner_id, name, description, total_sleep_hours,
	is_active, is_deleted, adaptation_phase, activated_at, created_at, updated_at`

const blockColumns = `id, schedule_id, start_minute, end_minute, duration_minutes,
	is_core, is_deleted, created_at, updated_at`

// ScheduleFilter configures ListSchedules. The zero value lists every live
// schedule.
type ScheduleFilter struct {
	// OwnerID restricts to one owner (empty = all owners)
	OwnerID string
	// ActiveOnly restricts to schedules flagged active
	ActiveOnly bool
	// Deleted selects soft-deleted rows instead of live ones
	Deleted bool
	// WithBlocks loads each schedule's child blocks
	WithBlocks bool
}

// UpsertSchedule inserts or updates a schedule row. Child blocks are written
// separately with UpsertBlock.
func (tx *Tx) UpsertSchedule(ctx context.Context, s *schema.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}

	desc, err := s.Description.MarshalBlob()
	if err != nil {
		return fmt.Errorf("failed to marshal description: %w", err)
	}

	query := `
	INSERT INTO schedules (` + scheduleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sync_id = excluded.sync_id,
		owner_id = excluded.owner_id,
		name = excluded.name,
		description = excluded.description,
		total_sleep_hours = excluded.total_sleep_hours,
		is_active = excluded.is_active,
		is_deleted = excluded.is_deleted,
		adaptation_phase = excluded.adaptation_phase,
		activated_at = excluded.activated_at,
		updated_at = excluded.updated_at
	`
	_, err = tx.tx.ExecContext(ctx, query,
		s.ID, s.SyncID, s.OwnerID, s.Name, desc, s.TotalSleepHours,
		boolToInt(s.IsActive), boolToInt(s.IsDeleted),
		intToNullInt(s.AdaptationPhase), timeToNullString(s.ActivatedAt),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule %s: %w", s.ID, err)
	}
	return nil
}

// InsertScheduleIfAbsent inserts s only when no row with the same id exists.
// It reports whether a row was written.
func (tx *Tx) InsertScheduleIfAbsent(ctx context.Context, s *schema.Schedule) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}

	desc, err := s.Description.MarshalBlob()
	if err != nil {
		return false, fmt.Errorf("failed to marshal description: %w", err)
	}

	res, err := tx.tx.ExecContext(ctx, `
	INSERT INTO schedules (`+scheduleColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		s.ID, s.SyncID, s.OwnerID, s.Name, desc, s.TotalSleepHours,
		boolToInt(s.IsActive), boolToInt(s.IsDeleted),
		intToNullInt(s.AdaptationPhase), timeToNullString(s.ActivatedAt),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert schedule %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteSchedule physically removes a schedule. Child blocks still attached
// are removed by the foreign-key cascade. Deleting a missing id is a no-op.
func (tx *Tx) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	return nil
}

// DeactivateOwnerSchedules clears the active flag on every schedule of owner
// except keepID. It returns the number of rows changed.
func (tx *Tx) DeactivateOwnerSchedules(ctx context.Context, ownerID, keepID string, updatedAt time.Time) (int64, error) {
	res, err := tx.tx.ExecContext(ctx, `
	UPDATE schedules SET is_active = 0, updated_at = ?
	WHERE owner_id = ? AND id <> ? AND is_active = 1`,
		formatTime(updatedAt), ownerID, keepID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate schedules for %s: %w", ownerID, err)
	}
	return res.RowsAffected()
}

// UpsertBlock inserts or updates a sleep block.
func (tx *Tx) UpsertBlock(ctx context.Context, b *schema.SleepBlock) error {
	if err := b.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO sleep_blocks (` + blockColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		schedule_id = excluded.schedule_id,
		start_minute = excluded.start_minute,
		end_minute = excluded.end_minute,
		duration_minutes = excluded.duration_minutes,
		is_core = excluded.is_core,
		is_deleted = excluded.is_deleted,
		updated_at = excluded.updated_at
	`
	_, err := tx.tx.ExecContext(ctx, query,
		b.ID, strToNullString(b.ScheduleID), int(b.Start), int(b.End), b.DurationMinutes,
		boolToInt(b.IsCore), boolToInt(b.IsDeleted),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sleep block %s: %w", b.ID, err)
	}
	return nil
}

// InsertBlockIfAbsent inserts b only when its id is unused.
func (tx *Tx) InsertBlockIfAbsent(ctx context.Context, b *schema.SleepBlock) (bool, error) {
	if err := b.Validate(); err != nil {
		return false, err
	}

	res, err := tx.tx.ExecContext(ctx, `
	INSERT INTO sleep_blocks (`+blockColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		b.ID, strToNullString(b.ScheduleID), int(b.Start), int(b.End), b.DurationMinutes,
		boolToInt(b.IsCore), boolToInt(b.IsDeleted),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert sleep block %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DetachBlock clears a block's parent reference.
func (tx *Tx) DetachBlock(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `UPDATE sleep_blocks SET schedule_id = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to detach sleep block %s: %w", id, err)
	}
	return nil
}

// DeleteBlock physically removes a sleep block.
func (tx *Tx) DeleteBlock(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM sleep_blocks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sleep block %s: %w", id, err)
	}
	return nil
}

// GetSchedule returns the schedule with id and all of its blocks, including
// soft-deleted ones. Returns ErrNotFound when no row matches.
func (r reads) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %s: %w", id, err)
	}

	blocks, err := r.ListBlocks(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Blocks = blocks
	return s, nil
}

// ListSchedules returns schedules matching filter, oldest first.
func (r reads) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error) {
	conditions := []string{"is_deleted = ?"}
	args := []any{boolToInt(filter.Deleted)}

	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active = 1")
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at ASC, id ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	var schedules []*schema.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	_ = rows.Close()

	if filter.WithBlocks {
		for _, s := range schedules {
			if s.Blocks, err = r.ListBlocks(ctx, s.ID); err != nil {
				return nil, err
			}
		}
	}
	return schedules, nil
}

// ListBlocks returns every block attached to scheduleID, ordered by start.
func (r reads) ListBlocks(ctx context.Context, scheduleID string) ([]schema.SleepBlock, error) {
	return r.queryBlocks(ctx, `SELECT `+blockColumns+` FROM sleep_blocks
		WHERE schedule_id = ? ORDER BY start_minute ASC, id ASC`, scheduleID)
}

// GetBlock returns one current-shape block or ErrNotFound.
func (r reads) GetBlock(ctx context.Context, id string) (*schema.SleepBlock, error) {
	blocks, err := r.queryBlocks(ctx, `SELECT `+blockColumns+` FROM sleep_blocks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("sleep block %s: %w", id, ErrNotFound)
	}
	return &blocks[0], nil
}

// ListOrphanedBlocks returns blocks with no parent reference.
func (r reads) ListOrphanedBlocks(ctx context.Context) ([]schema.SleepBlock, error) {
	return r.queryBlocks(ctx, `SELECT `+blockColumns+` FROM sleep_blocks
		WHERE schedule_id IS NULL OR schedule_id = '' ORDER BY id ASC`)
}

// ListDeletedBlocks returns soft-deleted blocks whose parent is live.
func (r reads) ListDeletedBlocks(ctx context.Context) ([]schema.SleepBlock, error) {
	return r.queryBlocks(ctx, `SELECT `+blockColumns+` FROM sleep_blocks
		WHERE is_deleted = 1 ORDER BY id ASC`)
}

// BlockExists reports whether a block with id exists in either shape.
func (r reads) BlockExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
	SELECT (SELECT COUNT(*) FROM sleep_blocks WHERE id = ?)
	     + (SELECT COUNT(*) FROM legacy_sleep_blocks WHERE id = ?)`, id, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up block %s: %w", id, err)
	}
	return n > 0, nil
}

func (r reads) queryBlocks(ctx context.Context, query string, args ...any) ([]schema.SleepBlock, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sleep blocks: %w", err)
	}
	defer rows.Close()

	var blocks []schema.SleepBlock
	for rows.Next() {
		var b schema.SleepBlock
		var parent sql.NullString
		var start, end, isCore, isDeleted int
		var createdAt, updatedAt string
		if err := rows.Scan(&b.ID, &parent, &start, &end, &b.DurationMinutes,
			&isCore, &isDeleted, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sleep block: %w", err)
		}
		b.ScheduleID = nullStringToStr(parent)
		b.Start = schema.TimeOfDay(start)
		b.End = schema.TimeOfDay(end)
		b.IsCore = isCore == 1
		b.IsDeleted = isDeleted == 1
		b.CreatedAt = parseTime(createdAt)
		b.UpdatedAt = parseTime(updatedAt)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sleep blocks: %w", err)
	}
	return blocks, nil
}

func scanSchedule(row scanner) (*schema.Schedule, error) {
	var s schema.Schedule
	var syncID sql.NullString
	var desc string
	var isActive, isDeleted int
	var phase sql.NullInt64
	var activatedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&s.ID, &syncID, &s.OwnerID, &s.Name, &desc, &s.TotalSleepHours,
		&isActive, &isDeleted, &phase, &activatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.SyncID = syncID.String
	if s.Description, err = schema.ParseLocalizedText(desc); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	s.IsActive = isActive == 1
	s.IsDeleted = isDeleted == 1
	s.AdaptationPhase = nullIntToInt(phase)
	s.ActivatedAt = nullStringToTime(activatedAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}
