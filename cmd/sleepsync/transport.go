package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/polycycle/sleepsync/internal/channel"
	"github.com/polycycle/sleepsync/internal/config"
	"github.com/polycycle/sleepsync/internal/metrics"
	"github.com/polycycle/sleepsync/internal/repository"
	"github.com/polycycle/sleepsync/internal/transport/filedrop"
	"github.com/polycycle/sleepsync/internal/transport/loopback"
	"github.com/polycycle/sleepsync/internal/transport/natsrelay"
	"github.com/polycycle/sleepsync/internal/transport/wsock"
)

// errNoTransport is returned for transport.kind = none.
var errNoTransport = errors.New("no transport configured (set transport.kind)")

// buildTransport creates the configured transport. For loopback it also
// returns the companion end, which the caller runs in-process.
func buildTransport(repo *repository.Repository, prom *metrics.PrometheusRecorder) (channel.Transport, *loopback.Transport, error) {
	t := cfg.Transport
	switch t.Kind {
	case config.TransportWebSocket:
		if cfg.Role == config.RoleHost {
			return wsock.NewServer(wsock.ServerConfig{
				Addr:    t.ListenAddr,
				Health:  healthFunc(repo),
				Metrics: prom.Handler(),
				Logger:  logger,
			}), nil, nil
		}
		return wsock.NewClient(wsock.ClientConfig{URL: t.PeerURL, Logger: logger}), nil, nil

	case config.TransportFileDrop:
		return filedrop.New(filedrop.Config{
			Dir: t.DropDir, Self: cfg.Role, Peer: cfg.Peer(), Logger: logger,
		}), nil, nil

	case config.TransportNATS:
		return natsrelay.New(natsrelay.Config{
			URL: t.NATSURL, Bucket: t.NATSBucket, Self: cfg.Role, Peer: cfg.Peer(), Logger: logger,
		}), nil, nil

	case config.TransportLoopback:
		host, companion := loopback.NewPair()
		return host, companion, nil

	case config.TransportNone:
		return nil, nil, errNoTransport
	}
	return nil, nil, fmt.Errorf("unknown transport kind %q", t.Kind)
}

func healthFunc(repo *repository.Repository) wsock.HealthFunc {
	return func(ctx context.Context) wsock.Health {
		h := wsock.Health{StoreHealthy: repo.Healthy()}
		if n, err := repo.PendingCount(ctx); err == nil {
			h.PendingChanges = n
		}
		if at, ok, err := repo.LastSync(ctx); err == nil && ok {
			h.LastSync = &at
		}
		return h
	}
}
