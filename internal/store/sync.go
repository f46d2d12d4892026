package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/polycycle/sleepsync/internal/schema"
)

// UpsertPendingChange records or refreshes a change awaiting delivery.
func (tx *Tx) UpsertPendingChange(ctx context.Context, p *schema.PendingChange) error {
	if err := p.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO pending_changes (
		id, entity_name, entity_id, operation, payload,
		attempts, last_attempt_at, last_error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		attempts = excluded.attempts,
		last_attempt_at = excluded.last_attempt_at,
		last_error = excluded.last_error
	`
	_, err := tx.tx.ExecContext(ctx, query,
		p.ID, p.TargetEntity, p.TargetID, string(p.Operation), string(p.Payload),
		p.Attempts, timeToNullString(p.LastAttemptAt), p.LastError, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pending change %s: %w", p.ID, err)
	}
	return nil
}

// DeletePendingChange removes an acknowledged change.
func (tx *Tx) DeletePendingChange(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pending change %s: %w", id, err)
	}
	return nil
}

// ListPendingChanges returns queued changes in creation order. A limit of 0
// returns all of them.
func (r reads) ListPendingChanges(ctx context.Context, limit int) ([]*schema.PendingChange, error) {
	query := `
	SELECT id, entity_name, entity_id, operation, payload,
	       attempts, last_attempt_at, last_error, created_at
	FROM pending_changes
	ORDER BY created_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}
	defer rows.Close()

	var changes []*schema.PendingChange
	for rows.Next() {
		var p schema.PendingChange
		var op, payload, createdAt string
		var lastAttempt sql.NullString
		if err := rows.Scan(&p.ID, &p.TargetEntity, &p.TargetID, &op, &payload,
			&p.Attempts, &lastAttempt, &p.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		p.Operation = schema.ChangeOp(op)
		p.Payload = []byte(payload)
		p.LastAttemptAt = nullStringToTime(lastAttempt)
		p.CreatedAt = parseTime(createdAt)
		changes = append(changes, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}
	return changes, nil
}

// CountPendingChanges returns the number of queued changes.
func (r reads) CountPendingChanges(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n, nil
}

// MarkProcessed records that messageID has been applied. It reports false
// when the id was already recorded.
func (tx *Tx) MarkProcessed(ctx context.Context, messageID, kind string, at time.Time) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `
	INSERT INTO processed_messages (message_id, kind, processed_at)
	VALUES (?, ?, ?)
	ON CONFLICT(message_id) DO NOTHING`,
		messageID, kind, formatTime(at),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// PruneProcessed forgets message ids recorded before cutoff.
func (tx *Tx) PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM processed_messages WHERE processed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed messages: %w", err)
	}
	return res.RowsAffected()
}

// IsProcessed reports whether messageID has already been applied.
func (r reads) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_messages WHERE message_id = ?`, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up message %s: %w", messageID, err)
	}
	return n > 0, nil
}

// SetState stores a sync bookkeeping value.
func (tx *Tx) SetState(ctx context.Context, key, value string, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
	INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("failed to set sync state %s: %w", key, err)
	}
	return nil
}

// DeleteState removes key. Removing an unset key is not an error.
func (tx *Tx) DeleteState(ctx context.Context, key string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete sync state %s: %w", key, err)
	}
	return nil
}

// GetState returns the value stored under key. ok is false when unset.
func (r reads) GetState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.q.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get sync state %s: %w", key, err)
	}
	return value, true, nil
}
