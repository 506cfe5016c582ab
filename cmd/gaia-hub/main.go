package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gaianet/gaia-hub/internal/config"
	"github.com/gaianet/gaia-hub/internal/hub"
	"github.com/gaianet/gaia-hub/internal/logger"
	"github.com/gaianet/gaia-hub/internal/maintenance"
	"github.com/gaianet/gaia-hub/internal/router"
	"github.com/gaianet/gaia-hub/internal/server"
	"github.com/gaianet/gaia-hub/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	clusterFlag := flag.Bool("cluster", false, "run as one replica of a cluster; maintenance jobs race for a lease")
	migrateFlag := flag.Bool("run-migrations", false, "run database migrations before serving")
	flag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Cluster = *clusterFlag
	cfg.Verbose = *verboseFlag
	cfg.RunMigrations = *migrateFlag

	log, closeLog, err := logger.New(cfg.Verbose, cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to close log file: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		log.Info("running database migrations")
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	st, err := store.New(ctx, store.Config{
		Logger:      log,
		DatabaseURL: cfg.DatabaseURL,
		PoolSize:    cfg.DBPoolSize,
		PoolMinSize: cfg.DBPoolMinSize,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	rt, err := router.New(ctx, router.Config{
		Logger:   log,
		RedisURL: cfg.RedisURL,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("failed to close redis client", "error", err)
		}
	}()

	processor, err := hub.NewProcessor(hub.Config{
		Logger: log,
		Store:  st,
		Router: rt,
	})
	if err != nil {
		return err
	}

	jobs, err := maintenance.New(maintenance.Config{
		Logger:  log,
		Store:   st,
		Router:  rt,
		Cluster: cfg.Cluster,
	})
	if err != nil {
		return err
	}
	jobs.Start(ctx)

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: cfg.ListenAddr(),
		Store:      st,
		Router:     rt,
		Processor:  processor,
	})
	if err != nil {
		return err
	}

	log.Info("starting gaia-hub", "address", cfg.ListenAddr(), "cluster", cfg.Cluster)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}
