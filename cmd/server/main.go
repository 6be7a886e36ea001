// Command server runs the slow-mail HTTP service: the public letter API,
// the Prometheus /metrics endpoint, and the background delivery sweep that
// re-routes and finalizes letters on a fixed interval.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lettermill/slowmail-backend/internal/config"
	httpapi "github.com/lettermill/slowmail-backend/internal/http"
	"github.com/lettermill/slowmail-backend/internal/observability"
	"github.com/lettermill/slowmail-backend/internal/repo"
	"github.com/lettermill/slowmail-backend/internal/services"
	"github.com/lettermill/slowmail-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	sweepSvc := services.NewSweepService(db, services.NewResolver(db), cfg.SweepGraceWindow, cfg.SweepConcurrency)

	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, sweepSvc, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return runSweepLoop(gctx, sweepSvc, cfg.SweepInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server exited")
	}

	otCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownOTel(otCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	log.Info().Msg("bye")
}

// runSweepLoop triggers the delivery sweep on a fixed cadence until the
// context is cancelled. A failed pass is logged and the loop keeps going;
// missed letters are picked up on the next tick.
func runSweepLoop(ctx context.Context, svc *services.SweepService, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sum, err := svc.Run(ctx)
			if err != nil {
				log.Error().Err(err).Msg("delivery sweep failed")
				continue
			}
			if sum.Expired+sum.Rerouted+sum.Delivered+sum.Blocked+sum.Failed > 0 {
				log.Info().
					Int("expired", sum.Expired).
					Int("rerouted", sum.Rerouted).
					Int("delivered", sum.Delivered).
					Int("blocked", sum.Blocked).
					Int("failed", sum.Failed).
					Msg("delivery sweep completed")
			}
		}
	}
}
