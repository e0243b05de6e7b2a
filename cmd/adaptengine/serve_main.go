package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kestrelquant/adaptengine/internal/config"
	"github.com/kestrelquant/adaptengine/internal/engine"
	"github.com/kestrelquant/adaptengine/internal/httpapi"
	"github.com/kestrelquant/adaptengine/internal/metrics"
	"github.com/kestrelquant/adaptengine/internal/sched"
	"github.com/kestrelquant/adaptengine/internal/store"
	"github.com/kestrelquant/adaptengine/internal/store/snapshotcache"
	"github.com/kestrelquant/adaptengine/internal/stream"
	"github.com/kestrelquant/adaptengine/internal/trace"
)

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendSQLite:
		return store.NewSQLite(cfg.SQLitePath)
	case config.BackendPostgres:
		return store.NewPostgres(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return err
	}
	if err := trace.Init(cfg.Trace.Enabled, version); err != nil {
		return err
	}

	st, err := buildStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	persister := store.NewPersister(st, cfg.Store.Persister)
	bus := stream.New(64)
	registry := metrics.NewRegistry()

	eng := engine.New(cfg.Engine,
		engine.WithSink(persister),
		engine.WithBus(bus),
		engine.WithMetrics(registry),
	)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := eng.LoadState(bootCtx, st); err != nil {
		bootCancel()
		return fmt.Errorf("load state: %w", err)
	}
	bootCancel()

	scheduler := sched.New(cfg.Sched, eng)
	handlers := httpapi.NewHandlers(httpapi.Deps{
		Engine:         eng,
		Sched:          scheduler,
		Store:          st,
		Cache:          snapshotcache.NewAuto(),
		Metrics:        registry,
		Bus:            bus,
		Version:        version,
		DiagnosticsTTL: cfg.Sched.DiagnosticsTTL,
	})
	server := httpapi.NewServer(cfg.HTTP, handlers)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go func() {
		if err := scheduler.Start(runCtx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("scheduler exited")
		}
	}()

	// Mirror the persister's drop counter into the metrics registry.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				registry.PersistDropped.Set(float64(persister.Dropped()))
			}
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	log.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("store", cfg.Store.Backend).
		Bool("policy", cfg.Engine.Control.Enabled).
		Bool("ensemble", cfg.Engine.EnsembleEnabled).
		Msg("engine serving")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	runCancel()

	// Learned state is the product; flush before the queues close.
	if err := eng.FlushState(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final state flush failed")
	}
	persister.Close()
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("store close failed")
	}
	if err := trace.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("trace shutdown failed")
	}

	log.Info().Msg("engine stopped")
	return nil
}
