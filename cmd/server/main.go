// Command server runs the reminder engine: the SQLite-backed occurrence
// ledger, the lease-guarded tick orchestrator on a cron cadence, the
// in-process delivery worker pool, and the operational HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-reminder-backend/internal/config"
	httpapi "github.com/tbourn/go-reminder-backend/internal/http"
	"github.com/tbourn/go-reminder-backend/internal/http/handlers"
	"github.com/tbourn/go-reminder-backend/internal/observability"
	"github.com/tbourn/go-reminder-backend/internal/push"
	"github.com/tbourn/go-reminder-backend/internal/queue"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/services"
	"github.com/tbourn/go-reminder-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	lg := log.With().Str("service", "reminder").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		lg.Fatal().Err(err).Msg("otel setup")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			lg.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		lg.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		lg.Fatal().Err(err).Msg("migrate database")
	}

	// Fan-out executor over the registered push subscriptions.
	transport := &push.HTTPTransport{
		Client: &http.Client{Timeout: cfg.Delivery.PushTimeout},
		TTL:    cfg.Delivery.PushTTL,
	}
	sender := push.NewFanout(db, transport, lg)
	deliverySvc := services.NewDeliveryService(db, sender, lg)

	// At-least-once delivery queue; the executor's claim barrier makes
	// redeliveries harmless.
	q := queue.New(
		func(ctx context.Context, userID, bucketKey string) error {
			return deliverySvc.Deliver(ctx, userID, bucketKey)
		},
		cfg.Delivery.Workers,
		cfg.Delivery.QueueSize,
		cfg.Delivery.MaxAttempts,
		lg,
	)
	q.Start(ctx)

	tickSvc := services.NewTickService(db, q, lg)
	tickSvc.LeaseTTL = cfg.Tick.LockTTL
	tickSvc.Lookahead = cfg.Tick.Lookahead
	tickSvc.StaleAfter = cfg.Tick.StaleAfter

	// Cron trigger. A pass that overruns its slot is skipped by the next
	// trigger via the lease, not queued up behind it.
	cr := cron.New()
	if _, err := cr.AddFunc(cfg.Tick.Spec, func() {
		if _, err := tickSvc.Run(ctx); err != nil && !errors.Is(err, services.ErrTickInProgress) {
			lg.Error().Err(err).Msg("scheduled tick failed")
		}
	}); err != nil {
		lg.Fatal().Err(err).Str("spec", cfg.Tick.Spec).Msg("invalid tick schedule")
	}
	cr.Start()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	h := handlers.New(db, tickSvc, q.Depth)
	httpapi.RegisterRoutes(r, h, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		lg.Info().Str("addr", srv.Addr).Str("tick_spec", cfg.Tick.Spec).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("shutting down")

	// Stop taking ticks first, then drain HTTP, then the queue.
	cronCtx := cr.Stop()
	<-cronCtx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn().Err(err).Msg("http shutdown")
	}

	q.Stop()
	lg.Info().Msg("bye")
}
