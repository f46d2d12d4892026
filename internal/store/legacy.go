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

const legacyScheduleColumns = `id, sync_id, owner_id, name, description, total_sleep_hours,
	is_active, is_deleted, created_at, updated_at`

const legacyBlockColumns = `id, schedule_id, start_time, end_time, duration_minutes,
	is_core, is_deleted, created_at, updated_at`

// UpsertLegacySchedule inserts or updates a legacy-shape schedule row.
func (tx *Tx) UpsertLegacySchedule(ctx context.Context, s *schema.LegacySchedule) error {
	if err := s.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO legacy_schedules (` + legacyScheduleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sync_id = excluded.sync_id,
		owner_id = excluded.owner_id,
		name = excluded.name,
		description = excluded.description,
		total_sleep_hours = excluded.total_sleep_hours,
		is_active = excluded.is_active,
		is_deleted = excluded.is_deleted,
		updated_at = excluded.updated_at
	`
	_, err := tx.tx.ExecContext(ctx, query,
		s.ID, s.SyncID, s.OwnerID, s.Name, s.Description, s.TotalSleepHours,
		boolToInt(s.IsActive), boolToInt(s.IsDeleted),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert legacy schedule %s: %w", s.ID, err)
	}
	return nil
}

// InsertLegacyScheduleIfAbsent inserts s only when its id is unused.
func (tx *Tx) InsertLegacyScheduleIfAbsent(ctx context.Context, s *schema.LegacySchedule) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}

	res, err := tx.tx.ExecContext(ctx, `
	INSERT INTO legacy_schedules (`+legacyScheduleColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		s.ID, s.SyncID, s.OwnerID, s.Name, s.Description, s.TotalSleepHours,
		boolToInt(s.IsActive), boolToInt(s.IsDeleted),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert legacy schedule %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteLegacySchedule physically removes a legacy schedule and, by cascade,
// any blocks still attached to it.
func (tx *Tx) DeleteLegacySchedule(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM legacy_schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete legacy schedule %s: %w", id, err)
	}
	return nil
}

// MirrorLegacyActive makes the legacy twin of activeID the only active
// legacy schedule of owner. Owners without a legacy twin only lose their
// stale active flags.
func (tx *Tx) MirrorLegacyActive(ctx context.Context, ownerID, activeID string, updatedAt time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
	UPDATE legacy_schedules
	SET is_active = CASE WHEN id = ? THEN 1 ELSE 0 END, updated_at = ?
	WHERE owner_id = ? AND is_deleted = 0 AND (is_active = 1 OR id = ?)`,
		activeID, formatTime(updatedAt), ownerID, activeID,
	)
	if err != nil {
		return fmt.Errorf("failed to mirror active flag for %s: %w", ownerID, err)
	}
	return nil
}

// UpsertLegacyBlock inserts or updates a legacy block.
func (tx *Tx) UpsertLegacyBlock(ctx context.Context, b *schema.LegacySleepBlock) error {
	if err := b.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO legacy_sleep_blocks (` + legacyBlockColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		schedule_id = excluded.schedule_id,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		duration_minutes = excluded.duration_minutes,
		is_core = excluded.is_core,
		is_deleted = excluded.is_deleted,
		updated_at = excluded.updated_at
	`
	_, err := tx.tx.ExecContext(ctx, query,
		b.ID, strToNullString(b.ScheduleID), b.StartTime, b.EndTime, b.DurationMinutes,
		boolToInt(b.IsCore), boolToInt(b.IsDeleted),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert legacy block %s: %w", b.ID, err)
	}
	return nil
}

// InsertLegacyBlockIfAbsent inserts b only when its id is unused.
func (tx *Tx) InsertLegacyBlockIfAbsent(ctx context.Context, b *schema.LegacySleepBlock) (bool, error) {
	if err := b.Validate(); err != nil {
		return false, err
	}

	res, err := tx.tx.ExecContext(ctx, `
	INSERT INTO legacy_sleep_blocks (`+legacyBlockColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		b.ID, strToNullString(b.ScheduleID), b.StartTime, b.EndTime, b.DurationMinutes,
		boolToInt(b.IsCore), boolToInt(b.IsDeleted),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert legacy block %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DetachLegacyBlock clears a legacy block's parent reference.
func (tx *Tx) DetachLegacyBlock(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `UPDATE legacy_sleep_blocks SET schedule_id = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to detach legacy block %s: %w", id, err)
	}
	return nil
}

// DeleteLegacyBlock physically removes a legacy block.
func (tx *Tx) DeleteLegacyBlock(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM legacy_sleep_blocks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete legacy block %s: %w", id, err)
	}
	return nil
}

// GetLegacySchedule returns a legacy schedule with its blocks.
func (r reads) GetLegacySchedule(ctx context.Context, id string) (*schema.LegacySchedule, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+legacyScheduleColumns+` FROM legacy_schedules WHERE id = ?`, id)
	s, err := scanLegacySchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("legacy schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get legacy schedule %s: %w", id, err)
	}

	if s.Blocks, err = r.ListLegacyBlocks(ctx, id); err != nil {
		return nil, err
	}
	return s, nil
}

// ListLegacySchedules returns legacy schedules matching filter, oldest first.
func (r reads) ListLegacySchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.LegacySchedule, error) {
	conditions := []string{"is_deleted = ?"}
	args := []any{boolToInt(filter.Deleted)}

	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active = 1")
	}

	query := `SELECT ` + legacyScheduleColumns + ` FROM legacy_schedules WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at ASC, id ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy schedules: %w", err)
	}

	var schedules []*schema.LegacySchedule
	for rows.Next() {
		s, err := scanLegacySchedule(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan legacy schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating legacy schedules: %w", err)
	}
	_ = rows.Close()

	if filter.WithBlocks {
		for _, s := range schedules {
			if s.Blocks, err = r.ListLegacyBlocks(ctx, s.ID); err != nil {
				return nil, err
			}
		}
	}
	return schedules, nil
}

// ListLegacyBlocks returns every legacy block attached to scheduleID.
func (r reads) ListLegacyBlocks(ctx context.Context, scheduleID string) ([]schema.LegacySleepBlock, error) {
	return r.queryLegacyBlocks(ctx, `SELECT `+legacyBlockColumns+` FROM legacy_sleep_blocks
		WHERE schedule_id = ? ORDER BY start_time ASC, id ASC`, scheduleID)
}

// ListOrphanedLegacyBlocks returns legacy blocks with no parent reference.
func (r reads) ListOrphanedLegacyBlocks(ctx context.Context) ([]schema.LegacySleepBlock, error) {
	return r.queryLegacyBlocks(ctx, `SELECT `+legacyBlockColumns+` FROM legacy_sleep_blocks
		WHERE schedule_id IS NULL OR schedule_id = '' ORDER BY id ASC`)
}

// ListDeletedLegacyBlocks returns soft-deleted legacy blocks.
func (r reads) ListDeletedLegacyBlocks(ctx context.Context) ([]schema.LegacySleepBlock, error) {
	return r.queryLegacyBlocks(ctx, `SELECT `+legacyBlockColumns+` FROM legacy_sleep_blocks
		WHERE is_deleted = 1 ORDER BY id ASC`)
}

func (r reads) queryLegacyBlocks(ctx context.Context, query string, args ...any) ([]schema.LegacySleepBlock, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy blocks: %w", err)
	}
	defer rows.Close()

	var blocks []schema.LegacySleepBlock
	for rows.Next() {
		var b schema.LegacySleepBlock
		var parent sql.NullString
		var isCore, isDeleted int
		var createdAt, updatedAt string
		if err := rows.Scan(&b.ID, &parent, &b.StartTime, &b.EndTime, &b.DurationMinutes,
			&isCore, &isDeleted, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan legacy block: %w", err)
		}
		b.ScheduleID = nullStringToStr(parent)
		b.IsCore = isCore == 1
		b.IsDeleted = isDeleted == 1
		b.CreatedAt = parseTime(createdAt)
		b.UpdatedAt = parseTime(updatedAt)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating legacy blocks: %w", err)
	}
	return blocks, nil
}

func scanLegacySchedule(row scanner) (*schema.LegacySchedule, error) {
	var s schema.LegacySchedule
	var syncID sql.NullString
	var isActive, isDeleted int
	var createdAt, updatedAt string

	err := row.Scan(&s.ID, &syncID, &s.OwnerID, &s.Name, &s.Description, &s.TotalSleepHours,
		&isActive, &isDeleted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.SyncID = syncID.String
	s.IsActive = isActive == 1
	s.IsDeleted = isDeleted == 1
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}
