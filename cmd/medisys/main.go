package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medisys.org/internal/bootstrap"
	"medisys.org/internal/config"
	"medisys.org/internal/httpapi"
	"medisys.org/internal/migrate"
	"medisys.org/internal/obs"
	"medisys.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load(os.Getenv("MEDISYS_CONFIG"))
	if err != nil {
		boot := obs.Logger()
		boot.Fatal().Err(err).Msg("load config")
	}
	log := obs.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer store.Close()

	report, err := bootstrap.FromConfig(store, migrate.NewManager(store.DB()), cfg).EnsureSchema(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("schema bootstrap failed")
	}
	log.Info().
		Int("migrations", len(report.Applied)).
		Strs("created", report.Created).
		Msg("schema ready")

	api := httpapi.New(httpapi.ReadyProbe{DB: store, Timeout: 2 * time.Second}, version, httpapi.Limits{
		PerSecond: cfg.Server.RatePerSecond,
		Burst:     cfg.Server.RateBurst,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting medisys")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
