package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/polycycle/sleepsync/internal/healthstore"
	"github.com/polycycle/sleepsync/internal/recommend"
	"github.com/polycycle/sleepsync/internal/schema"
	"github.com/polycycle/sleepsync/internal/store"
)

const entityHealth = "health_sample"

// authorize asks hs for access, mapping refusal to ErrAuthorizationDenied.
func authorize(ctx context.Context, hs healthstore.Store, intent error) error {
	ok, err := hs.RequestAuthorization(ctx)
	if err != nil {
		return healthError(intent, "", err)
	}
	if !ok {
		return newError(ErrAuthorizationDenied, entityHealth, "", nil)
	}
	return nil
}

func healthError(intent error, id string, err error) error {
	if errors.Is(err, healthstore.ErrNotAuthorized) {
		return newError(ErrAuthorizationDenied, entityHealth, id, err)
	}
	return newError(intent, entityHealth, id, err)
}

// ExportEntryToHealthStore writes a finished entry to the external health
// store. Entries attached to a core block are exported as core sleep, other
// block entries as naps.
func (r *Repository) ExportEntryToHealthStore(ctx context.Context, hs healthstore.Store, entryID string) error {
	e, err := r.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if e.EndedAt == nil {
		return newError(ErrSaveFailed, schema.EntitySleepEntry, entryID, fmt.Errorf("entry has not ended"))
	}

	kind := healthstore.KindAsleep
	if e.BlockID != nil {
		kind = r.blockKind(ctx, *e.BlockID)
	}

	if err := authorize(ctx, hs, ErrSaveFailed); err != nil {
		return err
	}
	iv := healthstore.Interval{Start: e.StartedAt, End: *e.EndedAt}
	if err := hs.Save(ctx, iv, kind); err != nil {
		return healthError(ErrSaveFailed, entryID, err)
	}
	r.logger.Debugw("exported entry to health store", "id", entryID, "kind", kind)
	return nil
}

func (r *Repository) blockKind(ctx context.Context, blockID string) healthstore.Kind {
	var b *schema.SleepBlock
	err := r.read(ctx, schema.EntitySleepBlock, blockID, func(db *store.DB) error {
		var err error
		b, err = db.GetBlock(ctx, blockID)
		return err
	})
	if err != nil {
		return healthstore.KindAsleep
	}
	if b.IsCore {
		return healthstore.KindCore
	}
	return healthstore.KindNap
}

// ImportFromHealthStore copies samples overlapping rng into owner's sleep
// entries, keyed by sample id. Samples this application wrote itself and
// samples already imported are skipped. It returns the number of entries
// created.
func (r *Repository) ImportFromHealthStore(ctx context.Context, hs healthstore.Store, ownerID string, rng healthstore.Interval) (int, error) {
	if err := authorize(ctx, hs, ErrFetchFailed); err != nil {
		return 0, err
	}
	samples, err := hs.Fetch(ctx, rng)
	if err != nil {
		return 0, healthError(ErrFetchFailed, "", err)
	}

	created := 0
	for _, s := range samples {
		if s.Source == healthstore.Source {
			continue
		}
		e := schema.NewSleepEntry(ownerID, s.Interval.Start.UTC())
		e.ID = s.ID
		e.SyncID = s.ID
		e.Finish(s.Interval.End.UTC())
		ok, err := r.StartEntry(ctx, e)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		r.logger.Infow("imported health samples", "owner", ownerID, "created", created, "seen", len(samples))
	}
	return created, nil
}

// AdoptRecommendation records answers as owner's most recent answers, asks
// engine for a schedule and persists it with its blocks. The schedule is
// not activated. ErrEntityNotFound is returned when no candidate fits.
func (r *Repository) AdoptRecommendation(ctx context.Context, ownerID string, answers map[string]string, engine recommend.Engine) (*recommend.Recommendation, error) {
	if _, err := r.RecordAnswers(ctx, ownerID, answers); err != nil {
		return nil, err
	}

	rec, err := engine.Recommend(ctx, ownerID, answers)
	if err != nil {
		return nil, newError(ErrFetchFailed, "recommendation", ownerID, err)
	}
	if rec == nil || rec.Schedule == nil {
		return nil, newError(ErrEntityNotFound, "recommendation", ownerID, fmt.Errorf("no schedule fits the answers"))
	}

	if err := r.SaveSchedule(ctx, rec.Schedule); err != nil {
		return nil, err
	}
	r.logger.Infow("recommendation adopted", "owner", ownerID, "schedule", rec.Schedule.Name,
		"confidence", rec.Confidence, "warnings", len(rec.Warnings))
	return rec, nil
}
