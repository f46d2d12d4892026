// Package loadtest exercises a sleepsync store under concurrent access.
//
// It seeds a database with owners, schedules and sleep history, then runs
// concurrent readers (the queries the daemon and the CLI issue) alongside
// writers recording new sleep entries, and reports query latency.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/schema"
)

// scheduleNames cycles through both adaptation classes.
var scheduleNames = []string{"Everyman 3", "Uberman", "Biphasic", "Dymaxion", "Triphasic", "Tesla", "Segmented"}

// Fixture is a seeded repository for load testing.
type Fixture struct {
	Repo        *repository.Repository
	OwnerIDs    []string
	ScheduleIDs []string
	EntryIDs    []string
}

// LatencyStats captures query latency from a run.
type LatencyStats struct {
	Min          time.Duration `json:"min"`
	Max          time.Duration `json:"max"`
	Mean         time.Duration `json:"mean"`
	P50          time.Duration `json:"p50"`
	P95          time.Duration `json:"p95"`
	P99          time.Duration `json:"p99"`
	TotalQueries int           `json:"total_queries"`
	Errors       int           `json:"errors"`
}

// Seed opens the store at dbPath and populates it with numOwners owners,
// each with one active schedule plus an inactive one and entriesPerOwner
// finished sleep entries spread over the previous days.
func Seed(ctx context.Context, dbPath string, numOwners, entriesPerOwner int) (*Fixture, error) {
	repo, err := repository.Open(dbPath, repository.Options{})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	f := &Fixture{Repo: repo}
	if err := f.populate(ctx, numOwners, entriesPerOwner); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return f, nil
}

// Close closes the underlying store.
func (f *Fixture) Close() error {
	return f.Repo.Close()
}

func (f *Fixture) populate(ctx context.Context, numOwners, entriesPerOwner int) error {
	// deterministic so repeated runs are comparable
	rng := rand.New(rand.NewSource(42))
	base := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -entriesPerOwner)

	for i := 0; i < numOwners; i++ {
		owner := fmt.Sprintf("owner-%04d", i)
		f.OwnerIDs = append(f.OwnerIDs, owner)

		for j := 0; j < 2; j++ {
			s := schema.NewSchedule(owner, scheduleNames[(i+j)%len(scheduleNames)], 4.5)
			s.Blocks = []schema.SleepBlock{
				schema.NewSleepBlock(s.ID, 23*60, 2*60+30, true),
				schema.NewSleepBlock(s.ID, 14*60, 14*60+20, false),
			}
			if err := f.Repo.SaveSchedule(ctx, s); err != nil {
				return fmt.Errorf("failed to insert schedule %s: %w", s.ID, err)
			}
			f.ScheduleIDs = append(f.ScheduleIDs, s.ID)
			if j == 0 {
				if _, err := f.Repo.ActivateSchedule(ctx, s.ID, repository.ActivateOptions{StartOver: true}); err != nil {
					return fmt.Errorf("failed to activate schedule %s: %w", s.ID, err)
				}
			}
		}

		for d := 0; d < entriesPerOwner; d++ {
			started := base.AddDate(0, 0, d).Add(time.Duration(22*60+rng.Intn(120)) * time.Minute)
			e := schema.NewSleepEntry(owner, started)
			if _, err := f.Repo.StartEntry(ctx, e); err != nil {
				return fmt.Errorf("failed to insert entry %s: %w", e.ID, err)
			}
			ended := started.Add(time.Duration(180+rng.Intn(120)) * time.Minute)
			if _, err := f.Repo.FinishEntry(ctx, e.ID, ended); err != nil {
				return fmt.Errorf("failed to finish entry %s: %w", e.ID, err)
			}
			f.EntryIDs = append(f.EntryIDs, e.ID)
		}
	}
	return nil
}

// query runs one read of the mix the daemon and the status command issue.
func (f *Fixture) query(ctx context.Context, n int) error {
	owner := f.OwnerIDs[n%len(f.OwnerIDs)]
	switch n % 3 {
	case 0:
		s, err := f.Repo.ActiveSchedule(ctx, owner)
		if err != nil {
			return err
		}
		_, err = f.Repo.AdaptationProgress(ctx, s.ID, time.Now().UTC())
		return err
	case 1:
		_, err := repository.Fetch(ctx, f.Repo, repository.Entries{OwnerID: owner, Limit: 14})
		return err
	default:
		_, err := f.Repo.Counts(ctx)
		return err
	}
}

// RunConcurrentQueries runs numReaders readers issuing queriesPerReader
// queries each and returns the aggregated latency.
func (f *Fixture) RunConcurrentQueries(ctx context.Context, numReaders, queriesPerReader int) (*LatencyStats, error) {
	if len(f.OwnerIDs) == 0 {
		return nil, errors.New("fixture has no owners")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		all    []time.Duration
		errCnt int
	)
	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			durations := make([]time.Duration, 0, queriesPerReader)
			failed := 0
			for j := 0; j < queriesPerReader; j++ {
				start := time.Now()
				err := f.query(ctx, reader*queriesPerReader+j)
				durations = append(durations, time.Since(start))
				if err != nil {
					failed++
				}
			}
			mu.Lock()
			all = append(all, durations...)
			errCnt += failed
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, errors.New("no queries completed")
	}
	stats := computeLatencyStats(all)
	stats.Errors = errCnt
	return stats, nil
}

// VerifyConcurrentWrites runs numWriters writers recording sleep entries and
// activating schedules while numReaders readers query, until d elapses. It
// fails if any operation errors or an owner ends up with more than one
// active schedule.
func (f *Fixture) VerifyConcurrentWrites(ctx context.Context, numWriters, numReaders int, d time.Duration) error {
	if len(f.OwnerIDs) == 0 {
		return errors.New("fixture has no owners")
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, numWriters+numReaders)

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for n := 0; ctx.Err() == nil; n++ {
				owner := f.OwnerIDs[(writer+n)%len(f.OwnerIDs)]
				if err := f.write(ctx, owner, writer+n); err != nil && ctx.Err() == nil {
					errs <- fmt.Errorf("writer %d: %w", writer, err)
					return
				}
			}
		}(i)
	}
	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for n := 0; ctx.Err() == nil; n++ {
				if err := f.query(ctx, reader+n); err != nil && ctx.Err() == nil {
					errs <- fmt.Errorf("reader %d: %w", reader, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	if err, ok := <-errs; ok {
		return err
	}
	// the invariant check runs on a fresh context; ctx has expired
	for _, owner := range f.OwnerIDs {
		if err := f.Repo.CheckActiveInvariant(context.Background(), owner); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fixture) write(ctx context.Context, owner string, n int) error {
	if n%5 == 0 {
		// flip between the owner's two schedules
		idx := f.indexOf(owner)*2 + n%2
		_, err := f.Repo.ActivateSchedule(ctx, f.ScheduleIDs[idx], repository.ActivateOptions{})
		return err
	}
	started := time.Now().UTC().Add(-time.Duration(30+n%60) * time.Minute)
	e := schema.NewSleepEntry(owner, started)
	if _, err := f.Repo.StartEntry(ctx, e); err != nil {
		return err
	}
	_, err := f.Repo.FinishEntry(ctx, e.ID, started.Add(20*time.Minute))
	return err
}

func (f *Fixture) indexOf(owner string) int {
	for i, o := range f.OwnerIDs {
		if o == owner {
			return i
		}
	}
	return 0
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(sorted)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(sorted),
	}
}

// Print writes the statistics as a small table.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
