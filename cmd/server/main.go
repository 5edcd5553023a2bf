package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/onair/internal/adapters/http"
	"github.com/dkeye/onair/internal/adapters/rtc"
	signaladapter "github.com/dkeye/onair/internal/adapters/signal"
	"github.com/dkeye/onair/internal/app"
	"github.com/dkeye/onair/internal/app/orch"
	"github.com/dkeye/onair/internal/app/quality"
	"github.com/dkeye/onair/internal/app/sfu"
	"github.com/dkeye/onair/internal/config"
	"github.com/dkeye/onair/internal/domain"
	"github.com/dkeye/onair/internal/events"
	"github.com/dkeye/onair/internal/metrics"
)

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Mode != "release" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	bus := events.NewBus(cfg.Events.Buffer)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorsSet := metrics.New(promReg)

	reg := app.NewRegistry()
	hub := signaladapter.NewHub(reg)
	mixer := sfu.NewMixer(cfg.Mixer.MaxForwarded)

	manager := app.NewManager(app.Deps{
		Events:    bus,
		Mixer:     mixer,
		Messenger: hub,
		Validator: rtc.Validator{},
		Metrics:   collectorsSet,
	}, app.Options{
		GraceWindow:   cfg.Session.GraceWindow,
		CallTimeout:   cfg.Calls.Timeout,
		SweepInterval: cfg.Calls.SweepInterval,
		RateLimit:     cfg.Calls.RateLimit,
		RateWindow:    cfg.Calls.RateWindow,
		MaxAttempts:   cfg.Reconnect.MaxAttempts,
		Ramp:          cfg.Mixer.Ramp,
	})

	factory, err := rtc.NewFactory(rtc.NewConfig(cfg.ICEServers))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up webrtc")
	}
	media := orch.New(manager, mixer, factory.NewMedia)
	stats := rtc.NewStatsCollector(media)
	media.Reports = stats

	monitor := quality.New(manager, stats, hub, quality.Options{
		Period:  cfg.Quality.SamplePeriod,
		Workers: cfg.Quality.Workers,
		Backoff: quality.Backoff{
			Base:      cfg.Reconnect.BaseDelay,
			MaxJitter: cfg.Reconnect.MaxJitter,
		},
		NegotiationTimeout: cfg.Reconnect.NegotiationTimeout,
		Metrics:            collectorsSet,
	})
	manager.SetReconnector(monitor)

	clients := &app.Orchestrator{
		Registry: reg,
		Sessions: manager,
		Policy:   app.SimplePolicy{},
	}
	hub.Attach(media, clients)

	ctl := signaladapter.NewSignalWSController(clients, stats, signaladapter.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})

	g, gctx := errgroup.WithContext(ctx)

	r := router.SetupRouter(gctx, cfg, router.Deps{
		Clients:  clients,
		Signal:   ctl,
		Gatherer: promReg,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Redis.Enabled {
		sink := events.NewRedisSink(events.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.ChannelPrefix,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := sink.Ping(pingCtx)
		pingCancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, events stay local")
		} else {
			g.Go(func() error { return sink.Run(gctx, bus) })
		}
	}

	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx, bus) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("OnAir server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		manager.Shutdown(domain.ReasonShutdown)
		monitor.Close()
		media.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
