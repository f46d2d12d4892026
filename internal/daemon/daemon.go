// Package daemon runs one side of the sync link for the life of a process.
//
// The daemon:
//  1. Runs a consistency pass at startup (failures are logged, not fatal)
//  2. Activates the channel session and registers the change handlers
//  3. Flushes pending changes whenever the peer becomes reachable
//  4. Runs periodic jobs: consistency pass, flush, adaptation phase
//     refresh and pruning of the processed message ledger
//  5. Shuts everything down when its context is cancelled
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/metrics"
	"github.com/polycycle/sleepsync/internal/migrate"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/retry"
	"github.com/polycycle/sleepsync/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// ConsistencyInterval is how often the consistency pass runs
	ConsistencyInterval time.Duration

	// FlushInterval is how often pending changes are retried while the
	// peer stays reachable
	FlushInterval time.Duration

	// PhaseRefreshInterval is how often active schedules advance their
	// adaptation phase
	PhaseRefreshInterval time.Duration

	// ProcessedRetention is how long processed message ids are kept
	ProcessedRetention time.Duration

	// Retry is the redelivery backoff for pending changes
	Retry retry.Policy

	Logger  *zap.SugaredLogger
	Metrics metrics.Recorder

	// Now overrides the clock (tests)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConsistencyInterval:  6 * time.Hour,
		FlushInterval:        30 * time.Second,
		PhaseRefreshInterval: time.Hour,
		ProcessedRetention:   30 * 24 * time.Hour,
		Retry:                retry.DefaultPolicy(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConsistencyInterval <= 0 {
		c.ConsistencyInterval = d.ConsistencyInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.PhaseRefreshInterval <= 0 {
		c.PhaseRefreshInterval = d.PhaseRefreshInterval
	}
	if c.ProcessedRetention <= 0 {
		c.ProcessedRetention = d.ProcessedRetention
	}
	if c.Retry.Validate() != nil {
		c.Retry = d.Retry
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Daemon owns the session and background jobs of one side.
type Daemon struct {
	repo     *repository.Repository
	session  *channel.Session
	applier  syncer.Applier
	outbox   *syncer.Outbox
	migrator *migrate.Service
	config   Config
	logger   *zap.SugaredLogger
	metrics  metrics.Recorder
}

// New creates a Daemon over repo and transport. Nothing runs until Run.
func New(repo *repository.Repository, transport channel.Transport, config Config) (*Daemon, error) {
	if repo == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	config.applyDefaults()

	logger := logging.Named(config.Logger, "daemon")
	rec := metrics.OrNoop(config.Metrics)

	session := channel.NewSession(transport, channel.SessionOptions{
		Logger:  config.Logger,
		Metrics: rec,
		Now:     config.Now,
		OnSync: func(at time.Time) {
			if err := repo.SetLastSync(context.Background(), at); err != nil {
				logger.Warnw("failed to record last sync", "error", err)
			}
		},
	})
	opts := syncer.Options{Logger: config.Logger, Metrics: rec, Now: config.Now}

	return &Daemon{
		repo:     repo,
		session:  session,
		applier:  syncer.NewApplier(repo, session, opts),
		outbox:   syncer.NewOutbox(repo, session, config.Retry, opts),
		migrator: migrate.New(repo, config.Logger, rec),
		config:   config,
		logger:   logger,
		metrics:  rec,
	}, nil
}

// Session returns the channel session.
func (d *Daemon) Session() *channel.Session { return d.session }

// Outbox returns the outbox local changes are published through.
func (d *Daemon) Outbox() *syncer.Outbox { return d.outbox }

// Run starts the daemon and blocks until ctx is cancelled or the session
// fails to activate.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Infow("starting daemon", "store", d.repo.StorePath(), "healthy", d.repo.Healthy())

	d.runConsistency(ctx)
	d.refreshPhases(ctx)

	reachability, stopWatch := d.session.WatchReachability()
	defer stopWatch()

	d.applier.Register(d.session)
	if err := d.session.Activate(ctx); err != nil {
		return err
	}

	scheduler, err := d.schedule(ctx)
	if err != nil {
		_ = d.session.Close()
		return err
	}
	scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.flushOnReconnect(gctx, reachability)
		return nil
	})
	g.Go(func() error {
		d.reportPending(gctx)
		return nil
	})
	err = g.Wait()

	d.logger.Infow("stopping daemon")
	var errs []error
	if serr := scheduler.Shutdown(); serr != nil {
		errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", serr))
	}
	if cerr := d.session.Close(); cerr != nil {
		errs = append(errs, fmt.Errorf("failed to close session: %w", cerr))
	}
	if err != nil {
		errs = append(errs, err)
	}
	d.logger.Infow("daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) schedule(ctx context.Context) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"consistency", d.config.ConsistencyInterval, d.runConsistency},
		{"flush", d.config.FlushInterval, d.flush},
		{"phase-refresh", d.config.PhaseRefreshInterval, d.refreshPhases},
		{"prune-processed", d.config.ProcessedRetention / 4, d.pruneProcessed},
	}
	for _, j := range jobs {
		fn := j.fn
		_, err := s.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() { fn(ctx) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("failed to schedule %s job: %w", j.name, err)
		}
	}
	return s, nil
}

// flushOnReconnect flushes each time the peer comes back.
func (d *Daemon) flushOnReconnect(ctx context.Context, reachability <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-reachability:
			d.logger.Infow("peer reachability changed", "reachable", up)
			if up {
				d.flush(ctx)
			}
		}
	}
}

// reportPending publishes the pending change count once at startup.
// Later changes to the count are reported by the repository itself.
func (d *Daemon) reportPending(ctx context.Context) {
	n, err := d.repo.PendingCount(ctx)
	if err != nil {
		d.logger.Warnw("failed to count pending changes", "error", err)
	} else {
		d.metrics.SetPendingChanges(n)
		d.logger.Infow("pending changes at startup", "count", n)
	}
	<-ctx.Done()
}

func (d *Daemon) runConsistency(ctx context.Context) {
	if _, err := d.migrator.Run(ctx, migrate.Options{Cleanup: true}); err != nil {
		d.logger.Errorw("consistency pass failed, will retry", "error", err)
	}
}

func (d *Daemon) flush(ctx context.Context) {
	res, err := d.outbox.Flush(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warnw("flush failed", "error", err)
		return
	}
	if res.Delivered+res.Failed+res.Exhausted > 0 {
		d.logger.Infow("flushed pending changes", "delivered", res.Delivered, "failed", res.Failed,
			"exhausted", res.Exhausted, "remaining", res.Remaining)
	}
}

func (d *Daemon) refreshPhases(ctx context.Context) {
	n, err := d.repo.RefreshActivePhases(ctx, d.config.Now())
	if err != nil {
		d.logger.Warnw("phase refresh failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Infow("adaptation phases advanced", "schedules", n)
	}
}

func (d *Daemon) pruneProcessed(ctx context.Context) {
	n, err := d.repo.PruneProcessedMessages(ctx, d.config.ProcessedRetention)
	if err != nil {
		d.logger.Warnw("failed to prune processed messages", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debugw("pruned processed messages", "count", n)
	}
}
