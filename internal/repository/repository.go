// Package repository is the only gateway to a process's persistent store.
//
// A Repository owns its store handle. Callers stage inserts, updates and
// deletes and commit them with Save, or use the domain helpers, which stage
// and save in one step. Writes are serialized by the Repository itself so
// that within one process they apply in call order.
//
// When no store has been configured by the time the first operation runs,
// the Repository opens an in-memory fallback store so that callers keep
// working for the session. Data written to the fallback is lost at exit;
// Healthy reports false while it is in use.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/metrics"
	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

// ReactivationPolicy decides whether re-activating a schedule resets its
// adaptation phase.
type ReactivationPolicy string

const (
	// ResetAlways resets the phase on every activation.
	ResetAlways ReactivationPolicy = "always"
	// ResetOnStartOver resets only on an explicit start-over request or the
	// first activation of a schedule.
	ResetOnStartOver ReactivationPolicy = "start-over"
)

// Valid reports whether p is a known policy.
func (p ReactivationPolicy) Valid() bool {
	return p == ResetAlways || p == ResetOnStartOver
}

// DefaultUndoWindow bounds how long a phase change can be undone.
const DefaultUndoWindow = 10 * time.Minute

// Options configure a Repository.
type Options struct {
	Logger             *zap.SugaredLogger
	Metrics            metrics.Recorder
	ReactivationPolicy ReactivationPolicy
	UndoWindow         time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// opKind is the intent of a staged operation.
type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

func (k opKind) intent() error {
	switch k {
	case opUpdate:
		return ErrUpdateFailed
	case opDelete:
		return ErrDeleteFailed
	default:
		return ErrSaveFailed
	}
}

type stagedOp struct {
	kind   opKind
	entity schema.Entity
}

// Repository mediates every read and write of one store.
type Repository struct {
	mu       sync.Mutex
	db       *store.DB
	fallback bool
	staged   []stagedOp

	logger     *zap.SugaredLogger
	metrics    metrics.Recorder
	policy     ReactivationPolicy
	undoWindow time.Duration
	now        func() time.Time
}

// New returns a Repository without a store. Call SetStore before use;
// otherwise the first operation falls back to an in-memory store.
func New(opts Options) *Repository {
	r := &Repository{
		logger:     logging.Named(opts.Logger, "repository"),
		metrics:    metrics.OrNoop(opts.Metrics),
		policy:     opts.ReactivationPolicy,
		undoWindow: opts.UndoWindow,
		now:        opts.Now,
	}
	if !r.policy.Valid() {
		r.policy = ResetAlways
	}
	if r.undoWindow <= 0 {
		r.undoWindow = DefaultUndoWindow
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Open returns a Repository backed by the store at path, creating the file
// and its schema when missing. When the store cannot be opened the error is
// logged and returned together with a Repository that will run on the
// in-memory fallback.
func Open(path string, opts Options) (*Repository, error) {
	r := New(opts)
	db, err := store.Open(path)
	if err != nil {
		r.logger.Errorw("failed to open store", "path", path, "error", err)
		return r, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	r.SetStore(db)
	return r, nil
}

// SetStore hands the store handle to the Repository, which owns it from now
// on. A fallback store opened earlier is closed and its contents dropped.
func (r *Repository) SetStore(db *store.DB) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil && r.fallback {
		r.logger.Warnw("replacing in-memory fallback store; its contents are discarded")
		_ = r.db.Close()
	}
	r.db = db
	r.fallback = false
	r.metrics.SetFallbackStore(false)
}

// Healthy reports whether the Repository is backed by its configured store.
// It is false while the in-memory fallback is in use.
func (r *Repository) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db != nil && !r.fallback
}

// StorePath returns the path of the current store, or "" before first use.
func (r *Repository) StorePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return ""
	}
	return r.db.Path()
}

// Close closes the owned store handle.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// Policy returns the reactivation policy in effect.
func (r *Repository) Policy() ReactivationPolicy { return r.policy }

// handle returns the store, opening the fallback when none is configured.
// Callers must hold r.mu.
func (r *Repository) handle() (*store.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := store.OpenMemory()
	if err != nil {
		return nil, newError(ErrStoreNotConfigured, "store", "", err)
	}
	r.logger.Errorw("no store configured; using in-memory fallback store, data will not survive this process",
		"path", db.Path())
	r.db = db
	r.fallback = true
	r.metrics.SetFallbackStore(true)
	return db, nil
}

// read runs fn against the store, translating failures to ErrFetchFailed.
// store.ErrNotFound becomes ErrEntityNotFound.
func (r *Repository) read(ctx context.Context, entity, id string, fn func(db *store.DB) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, err := r.handle()
	if err != nil {
		return err
	}
	if err := fn(db); err != nil {
		return translate(ErrFetchFailed, entity, id, err)
	}
	return nil
}

// write runs fn in one transaction, translating failures to intent.
func (r *Repository) write(ctx context.Context, intent error, entity, id string, fn func(tx *store.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked(ctx, intent, entity, id, fn)
}

func (r *Repository) writeLocked(ctx context.Context, intent error, entity, id string, fn func(tx *store.Tx) error) error {
	db, err := r.handle()
	if err != nil {
		return err
	}
	if err := db.WithTx(ctx, fn); err != nil {
		return translate(intent, entity, id, err)
	}
	return nil
}

// translate wraps err in a repository Error unless it already is one.
func translate(intent error, entity, id string, err error) error {
	var rerr *Error
	if errors.As(err, &rerr) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return newError(ErrEntityNotFound, entity, id, nil)
	}
	return newError(intent, entity, id, err)
}

// Insert stages a new entity. A Schedule is staged together with its blocks.
// Inserting an id that already exists leaves the stored row untouched.
func (r *Repository) Insert(e schema.Entity) {
	r.stage(opInsert, e)
}

// Update stages an insert-or-replace of e.
func (r *Repository) Update(e schema.Entity) {
	r.stage(opUpdate, e)
}

// Delete stages the physical removal of e. Blocks are detached from their
// parent before removal.
func (r *Repository) Delete(e schema.Entity) {
	r.stage(opDelete, e)
}

func (r *Repository) stage(kind opKind, e schema.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = append(r.staged, stagedOp{kind: kind, entity: e})
}

// Pending returns the number of staged operations.
func (r *Repository) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.staged)
}

// Save applies every staged operation in one transaction, in the order they
// were staged. The staging area is cleared whether or not the save succeeds;
// on failure nothing is written and the error carries the intent of the
// operation that failed.
func (r *Repository) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := r.staged
	r.staged = nil
	if len(ops) == 0 {
		return nil
	}

	db, err := r.handle()
	if err != nil {
		return err
	}

	var failed stagedOp
	err = db.WithTx(ctx, func(tx *store.Tx) error {
		for _, op := range ops {
			if err := applyOp(ctx, tx, op); err != nil {
				failed = op
				return err
			}
		}
		return nil
	})
	if err != nil {
		if failed.entity == nil {
			// Commit failed; blame the last operation.
			failed = ops[len(ops)-1]
		}
		r.logger.Warnw("save failed", "ops", len(ops), "entity", failed.entity.EntityName(),
			"id", failed.entity.EntityID(), "error", err)
		return newError(failed.kind.intent(), failed.entity.EntityName(), failed.entity.EntityID(), err)
	}
	return nil
}

func applyOp(ctx context.Context, tx *store.Tx, op stagedOp) error {
	switch e := op.entity.(type) {
	case *schema.Schedule:
		return applySchedule(ctx, tx, op.kind, e)
	case *schema.LegacySchedule:
		return applyLegacySchedule(ctx, tx, op.kind, e)
	case *schema.SleepBlock:
		switch op.kind {
		case opInsert:
			_, err := tx.InsertBlockIfAbsent(ctx, e)
			return err
		case opUpdate:
			return tx.UpsertBlock(ctx, e)
		default:
			if err := tx.DetachBlock(ctx, e.ID); err != nil {
				return err
			}
			return tx.DeleteBlock(ctx, e.ID)
		}
	case *schema.LegacySleepBlock:
		switch op.kind {
		case opInsert:
			_, err := tx.InsertLegacyBlockIfAbsent(ctx, e)
			return err
		case opUpdate:
			return tx.UpsertLegacyBlock(ctx, e)
		default:
			if err := tx.DetachLegacyBlock(ctx, e.ID); err != nil {
				return err
			}
			return tx.DeleteLegacyBlock(ctx, e.ID)
		}
	case *schema.SleepEntry:
		switch op.kind {
		case opInsert:
			if _, err := tx.GetEntry(ctx, e.ID); err == nil {
				return nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return tx.UpsertEntry(ctx, e)
		case opUpdate:
			return tx.UpsertEntry(ctx, e)
		default:
			return tx.DeleteEntry(ctx, e.ID)
		}
	case *schema.PendingChange:
		if op.kind == opDelete {
			return tx.DeletePendingChange(ctx, e.ID)
		}
		return tx.UpsertPendingChange(ctx, e)
	default:
		return fmt.Errorf("unsupported entity %T", op.entity)
	}
}

func applySchedule(ctx context.Context, tx *store.Tx, kind opKind, s *schema.Schedule) error {
	switch kind {
	case opInsert:
		if _, err := tx.InsertScheduleIfAbsent(ctx, s); err != nil {
			return err
		}
		for i := range s.Blocks {
			if _, err := tx.InsertBlockIfAbsent(ctx, &s.Blocks[i]); err != nil {
				return err
			}
		}
		return nil
	case opUpdate:
		if err := tx.UpsertSchedule(ctx, s); err != nil {
			return err
		}
		for i := range s.Blocks {
			if err := tx.UpsertBlock(ctx, &s.Blocks[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return tx.DeleteSchedule(ctx, s.ID)
	}
}

func applyLegacySchedule(ctx context.Context, tx *store.Tx, kind opKind, s *schema.LegacySchedule) error {
	switch kind {
	case opInsert:
		if _, err := tx.InsertLegacyScheduleIfAbsent(ctx, s); err != nil {
			return err
		}
		for i := range s.Blocks {
			if _, err := tx.InsertLegacyBlockIfAbsent(ctx, &s.Blocks[i]); err != nil {
				return err
			}
		}
		return nil
	case opUpdate:
		if err := tx.UpsertLegacySchedule(ctx, s); err != nil {
			return err
		}
		for i := range s.Blocks {
			if err := tx.UpsertLegacyBlock(ctx, &s.Blocks[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return tx.DeleteLegacySchedule(ctx, s.ID)
	}
}

// Counts returns whole-store tallies.
func (r *Repository) Counts(ctx context.Context) (*store.Counts, error) {
	var c *store.Counts
	err := r.read(ctx, "store", "", func(db *store.DB) error {
		var err error
		c, err = db.Counts(ctx)
		return err
	})
	return c, err
}
