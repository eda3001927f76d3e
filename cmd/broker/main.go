package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/api"
	"sandbox-broker/internal/broker"
	"sandbox-broker/internal/config"
	"sandbox-broker/internal/directory"
	"sandbox-broker/internal/hostinfo"
	"sandbox-broker/internal/monitor"
	"sandbox-broker/internal/sandbox"
	"sandbox-broker/internal/store"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid default config")
		}
	}

	log.Logger = log.With().Str("host", cfg.Host.Name).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer(cfg.Tracing.Enabled)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open store")
	}
	defer st.Close()

	rt, err := sandbox.NewRuntime(ctx, cfg.Sandbox)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox runtime available")
	}
	defer rt.Close()

	probe := hostinfo.NewSystemProbe()
	snap, err := probe.Snapshot()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read host resources")
	}

	admission := broker.NewAdmission(probe,
		cfg.Sandbox.MemoryFraction,
		cfg.Sandbox.CPUQuota,
		cfg.Sandbox.CPUPeriod,
		cfg.Sandbox.MinMemoryBytes,
		cfg.Broker.ReserveQuota,
	)
	supervisor := broker.NewSupervisor(st, rt, admission, cfg.Sandbox, metrics, tracer)
	intake := broker.NewIntake(st, supervisor, metrics, cfg.Broker.Retention)
	listener := broker.NewListener(cfg.Host.Name, st, intake, metrics)
	reclaimer := broker.NewReclaimer(rt, cfg.Sandbox.Timeout, cfg.Reclaimer.Interval, cfg.Reclaimer.StopTimeout, metrics)
	publisher := directory.NewPublisher(st, cfg.Host.Name, snap, probe, metrics, cfg.Directory.HeartbeatInterval, cfg.Directory.PublishTimeout)
	view := directory.NewView()

	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Debug().Str("component", name).Msg("stopped")
		}()
	}

	spawn("publisher", func() { publisher.Run(ctx) })
	spawn("reclaimer", func() { reclaimer.Run(ctx) })
	spawn("listener", func() {
		if err := listener.Run(ctx); err != nil {
			log.Error().Err(err).Msg("binding listener failed")
			cancel()
		}
	})
	spawn("directory view", func() {
		if err := view.Follow(ctx, st); err != nil {
			log.Warn().Err(err).Msg("directory view unavailable")
		}
	})

	var server *api.Server
	if cfg.Ops.Enabled {
		server = api.NewServer(cfg, api.Deps{
			Store:    st,
			Runtime:  rt,
			View:     view,
			Jobs:     intake,
			Channels: listener,
			Metrics:  metrics,
		})
		go func() {
			if err := server.Start(); err != nil {
				log.Error().Err(err).Msg("ops server failed")
			}
		}()
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-ctx.Done():
		}
		cancel()
	}()

	log.Info().
		Int("cpus", snap.CPUCount).
		Uint64("total_memory", snap.TotalMemory).
		Uint64("free_memory", snap.FreeMemory).
		Str("platform", snap.Platform).
		Str("store", cfg.Store.Backend).
		Bool("ops_enabled", cfg.Ops.Enabled).
		Msg("broker started")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("ops server shutdown error")
		}
	}

	// The publisher writes the offline record before it returns.
	wg.Wait()

	// In-flight jobs are not cancelled; give them the shutdown window to
	// publish and leave the rest to the next reclaimer sweep.
	if err := intake.Drain(shutdownCtx); err != nil {
		log.Warn().Int64("in_flight", intake.InFlight()).Msg("exiting with jobs still running")
	}

	log.Info().Msg("broker stopped")
}
