package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polycycle/sleepsync/internal/daemon"
	"github.com/polycycle/sleepsync/internal/logging"
	"github.com/polycycle/sleepsync/internal/metrics"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/store"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync daemon for this side",
	Long: `Run the sync daemon until interrupted.

The daemon runs a consistency pass, connects to the peer through the
configured transport and then:
  - applies changes received from the peer
  - redelivers queued changes whenever the peer becomes reachable
  - advances adaptation phases of active schedules
  - repeats the consistency pass periodically

Transports (transport.kind):
  websocket  host listens on transport.listen_addr, companion dials transport.peer_url
  filedrop   both sides share transport.drop_dir on one machine
  nats       both sides connect to transport.nats_url
  loopback   the companion is simulated in-process with an in-memory store`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		prom := metrics.NewPrometheusRecorder(nil)
		prom.RegisterRuntime()

		repo := openRepository(prom)
		defer repo.Close()

		transport, simulated, err := buildTransport(repo, prom)
		if err != nil {
			return err
		}

		dcfg := daemon.Config{
			ConsistencyInterval:  cfg.Daemon.ConsistencyInterval,
			FlushInterval:        cfg.Daemon.FlushInterval,
			PhaseRefreshInterval: cfg.Daemon.PhaseRefreshInterval,
			ProcessedRetention:   cfg.Daemon.ProcessedRetention,
			Retry:                cfg.RetryPolicy(),
			Logger:               logger.With("side", cfg.Role),
			Metrics:              prom,
		}
		d, err := daemon.New(repo, transport, dcfg)
		if err != nil {
			return err
		}

		fmt.Printf("%s sleepsync %s running (%s transport, store %s)\n",
			renderAccent("▶"), cfg.Role, cfg.Transport.Kind, repo.StorePath())
		if !repo.Healthy() {
			fmt.Printf("%s store unavailable, changes this session are kept in memory only\n", renderWarn("⚠"))
		}

		var peer *daemon.Daemon
		if simulated != nil {
			peerRepo, err := memoryRepository()
			if err != nil {
				return err
			}
			defer peerRepo.Close()

			pcfg := dcfg
			pcfg.Logger = logging.Named(logger, "simulated").With("side", cfg.Peer())
			pcfg.Metrics = nil
			if peer, err = daemon.New(peerRepo, simulated, pcfg); err != nil {
				return err
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return d.Run(gctx) })
		if peer != nil {
			g.Go(func() error { return peer.Run(gctx) })
		}

		err = g.Wait()
		fmt.Println("\nsleepsync stopped")
		return err
	},
}

// memoryRepository backs the simulated peer.
func memoryRepository() (*repository.Repository, error) {
	db, err := store.OpenMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	repo := repository.New(repository.Options{
		Logger:             logging.Named(logger, "simulated"),
		ReactivationPolicy: cfg.ReactivationPolicy(),
		UndoWindow:         cfg.Adaptation.UndoWindow,
	})
	repo.SetStore(db)
	return repo, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
