package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/tenantledger/internal/api"
	"github.com/punchamoorthee/tenantledger/internal/config"
	"github.com/punchamoorthee/tenantledger/internal/idempotency"
	"github.com/punchamoorthee/tenantledger/internal/service"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

var logger = loggo.GetLogger("ledger.cmd.api")

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Annotate(err, "loading config")
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return errors.Trace(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer st.Close()

	// Initialize Layers
	registry := idempotency.NewRegistry(st, idempotency.Config{TTL: cfg.IdempotencyTTL})
	engineCfg := service.DefaultConfig()
	engineCfg.MaxAttempts = cfg.RetryAttempts
	engineCfg.RetryDelay = cfg.RetryDelay
	engineCfg.CacheDomainErrors = cfg.CacheDomainErrors
	engineCfg.AllowReversalBypass = cfg.AllowReversalBypass
	engine := service.NewEngine(st, registry, engineCfg)
	sweeper := idempotency.NewSweeper(registry, cfg.SweepInterval, clock.WallClock)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(engine), api.CORSOptions{AllowedOrigins: cfg.CORSOrigins}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("server starting on :%s (%s, driver %s)", cfg.Port, cfg.Env, cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Annotate(srv.Shutdown(shutdownCtx), "http shutdown")
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, errors.Annotate(err, "unable to connect to database")
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, errors.Trace(err)
		}
		return pg, nil
	case config.DriverSQLite:
		lite, err := store.NewSQLite(cfg.DBSource)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return lite, nil
	case config.DriverMemory:
		logger.Warningf("using the in-memory store; nothing survives a restart")
		return store.NewMemory(), nil
	}
	return nil, errors.NotValidf("DB_DRIVER %q", cfg.DBDriver)
}
