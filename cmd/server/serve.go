package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/parking-lock-sync/backend/internal/api"
	"github.com/parking-lock-sync/backend/internal/authority"
	"github.com/parking-lock-sync/backend/internal/clock"
	"github.com/parking-lock-sync/backend/internal/config"
	"github.com/parking-lock-sync/backend/internal/gateway"
	"github.com/parking-lock-sync/backend/internal/lock"
	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/parking-lock-sync/backend/internal/metrics"
	"github.com/parking-lock-sync/backend/internal/storage"
	"github.com/parking-lock-sync/backend/internal/transport"
	"github.com/parking-lock-sync/backend/internal/websocket"
	"pkt.systems/pslog"
)

func runServe(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	log := logging.Subsystem(logger, "server.lifecycle")
	log.Info("server.starting", "version", currentVersion(), "store", cfg.Store, "listen", cfg.Listen)
	clk := clock.Real{}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := openTransport(ctx, cfg, cfg.MQTTClientID, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	m := metrics.New()
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	auth, err := authority.New(authority.Options{
		Store:      store,
		Transport:  tr,
		Clock:      clk,
		Logger:     logger,
		Metrics:    m,
		Notifier:   websocket.NewEventBroadcaster(hub, clk),
		AckTimeout: cfg.AckTimeout,
	})
	if err != nil {
		return err
	}
	if err := auth.Seed(ctx, cfg.Topology); err != nil {
		return fmt.Errorf("seeding topology: %w", err)
	}
	if err := auth.Start(ctx); err != nil {
		return fmt.Errorf("starting authority: %w", err)
	}

	if cfg.Simulate {
		for _, lot := range cfg.Topology.Lots {
			for _, spec := range lot.Gateways {
				gw, err := startGateway(ctx, tr, spec.ID, spec.Locks, cfg.HeartbeatInterval, clk, logger)
				if err != nil {
					return err
				}
				defer gw.Stop()
			}
		}
	}

	sweeper := authority.NewSweeper(auth, cfg.SweepInterval, logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	server := &http.Server{
		Addr: cfg.Listen,
		Handler: api.NewRouter(api.Deps{
			Authority: auth,
			Hub:       hub,
			Metrics:   m,
			Clock:     clk,
			Logger:    logger,
			StaticDir: cfg.StaticDir,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listening", "listen", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("server.stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger pslog.Logger) (storage.Store, error) {
	opts := storage.Options{SensorCap: cfg.SensorCap, LogCap: cfg.LogCap}
	if cfg.Store == config.StoreSQLite {
		return storage.OpenSQLite(ctx, cfg.DataDir, opts, logger)
	}
	return storage.NewMemoryStore(opts), nil
}

// openTransport dials the broker when one is configured and otherwise
// returns an in-process bus.
func openTransport(ctx context.Context, cfg config.Config, clientID string, logger pslog.Logger) (transport.Transport, error) {
	if cfg.MQTTBroker == "" {
		return transport.NewBus(transport.WithBusLogger(logger)), nil
	}
	return transport.DialMQTT(ctx, transport.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: clientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		Logger:   logger,
	})
}

func startGateway(ctx context.Context, tr transport.Transport, id string, count int, heartbeat time.Duration, clk clock.Clock, logger pslog.Logger) (*gateway.Gateway, error) {
	locks := gateway.SpawnLocks(id, count, lock.Options{Clock: clk, Logger: logger})
	gw := gateway.New(id, tr, locks, gateway.Options{
		Clock:             clk,
		Logger:            logger,
		HeartbeatInterval: heartbeat,
	})
	if err := gw.Start(ctx); err != nil {
		return nil, err
	}
	return gw, nil
}
