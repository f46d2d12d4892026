package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/polycycle/sleepsync/internal/schema"
)

const entryColumns = `id, sync_id, owner_id, date, block_id, emoji, rating,
	started_at, ended_at, duration_minutes, is_deleted, created_at, updated_at`

// EntryFilter configures ListEntries.
type EntryFilter struct {
	// OwnerID restricts to one owner (empty = all owners)
	OwnerID string
	// From and To bound the calendar date, inclusive (empty = unbounded)
	From, To string
	// IncludeDeleted also returns soft-deleted entries
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// UpsertEntry inserts or updates a sleep entry keyed by id.
func (tx *Tx) UpsertEntry(ctx context.Context, e *schema.SleepEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO sleep_entries (` + entryColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sync_id = excluded.sync_id,
		owner_id = excluded.owner_id,
		date = excluded.date,
		block_id = excluded.block_id,
		emoji = excluded.emoji,
		rating = excluded.rating,
		started_at = excluded.started_at,
		ended_at = excluded.ended_at,
		duration_minutes = excluded.duration_minutes,
		is_deleted = excluded.is_deleted,
		updated_at = excluded.updated_at
	`
	_, err := tx.tx.ExecContext(ctx, query,
		e.ID, e.SyncID, e.OwnerID, e.Date, strToNullString(e.BlockID), e.Emoji, e.Rating,
		formatTime(e.StartedAt), timeToNullString(e.EndedAt), e.DurationMinutes,
		boolToInt(e.IsDeleted), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sleep entry %s: %w", e.ID, err)
	}
	return nil
}

// DeleteEntry physically removes a sleep entry.
func (tx *Tx) DeleteEntry(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM sleep_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sleep entry %s: %w", id, err)
	}
	return nil
}

// ClearEntryBlock drops an entry's reference to its originating block.
func (tx *Tx) ClearEntryBlock(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `UPDATE sleep_entries SET block_id = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear block reference on entry %s: %w", id, err)
	}
	return nil
}

// GetEntry returns the entry with id, soft-deleted or not.
func (r reads) GetEntry(ctx context.Context, id string) (*schema.SleepEntry, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sleep_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sleep entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sleep entry %s: %w", id, err)
	}
	return e, nil
}

// ListEntries returns entries matching filter, most recent first.
func (r reads) ListEntries(ctx context.Context, filter EntryFilter) ([]*schema.SleepEntry, error) {
	var conditions []string
	var args []any

	if !filter.IncludeDeleted {
		conditions = append(conditions, "is_deleted = 0")
	}
	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.From != "" {
		conditions = append(conditions, "date >= ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		conditions = append(conditions, "date <= ?")
		args = append(args, filter.To)
	}

	query := `SELECT ` + entryColumns + ` FROM sleep_entries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return r.queryEntries(ctx, query, args...)
}

// ListDanglingEntries returns entries whose block reference points at a
// block that exists in neither shape.
func (r reads) ListDanglingEntries(ctx context.Context) ([]*schema.SleepEntry, error) {
	return r.queryEntries(ctx, `SELECT `+entryColumns+` FROM sleep_entries e
	WHERE e.block_id IS NOT NULL
	  AND NOT EXISTS (SELECT 1 FROM sleep_blocks b WHERE b.id = e.block_id)
	  AND NOT EXISTS (SELECT 1 FROM legacy_sleep_blocks l WHERE l.id = e.block_id)
	ORDER BY e.id ASC`)
}

func (r reads) queryEntries(ctx context.Context, query string, args ...any) ([]*schema.SleepEntry, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sleep entries: %w", err)
	}
	defer rows.Close()

	var entries []*schema.SleepEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sleep entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sleep entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row scanner) (*schema.SleepEntry, error) {
	var e schema.SleepEntry
	var syncID, blockID, endedAt sql.NullString
	var isDeleted int
	var startedAt, createdAt, updatedAt string

	err := row.Scan(&e.ID, &syncID, &e.OwnerID, &e.Date, &blockID, &e.Emoji, &e.Rating,
		&startedAt, &endedAt, &e.DurationMinutes, &isDeleted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.SyncID = syncID.String
	e.BlockID = nullStringToStr(blockID)
	e.StartedAt = parseTime(startedAt)
	e.EndedAt = nullStringToTime(endedAt)
	e.IsDeleted = isDeleted == 1
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}
