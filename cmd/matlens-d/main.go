package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rmax-ai/matlens/pkg/api"
	"github.com/rmax-ai/matlens/pkg/blob"
	"github.com/rmax-ai/matlens/pkg/engine"
	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
	"github.com/rmax-ai/matlens/pkg/store/redis"
)

func main() {
	config, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "matlens-d: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(config.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "matlens-d: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, log); err != nil {
		log.Error("fatal", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

// run serves until ctx is done or the HTTP server fails, then shuts down in order:
// API, scheduler, in-flight rebuild, store.
func run(ctx context.Context, config Config, log *logger.Logger) error {
	log.Info("system_started", "component", "matlens-d", "driver", config.DBDriver)

	engineCfg, err := engine.LoadConfig(config.ConfigPath)
	if err != nil {
		return err
	}

	st, err := store.NewStore(config.DBDriver, config.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed_to_close_store", "error", err)
		} else {
			log.Info("store_closed")
		}
	}()
	log.Info("store_initialized", "driver", config.DBDriver)

	holderID := hostHolderID()
	var (
		leases store.LeaseStore = st
		cache  engine.SummaryCache
		opts   = []engine.Option{engine.WithHolderID(holderID)}
	)

	if config.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: config.RedisAddr})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", config.RedisAddr, err)
		}

		leases = redis.NewRedisLeaseStore(client)
		cache = redis.NewSummaryCache(client, engineCfg.CacheTTL)
		opts = append(opts, engine.WithLeaseStore(leases), engine.WithCache(cache))
		log.Info("redis_enabled", "addr", config.RedisAddr)
	}

	if engineCfg.Archive.Enabled {
		archiver := engine.NewSnapshotArchiver(blob.NewLocalBlobStore(engineCfg.Archive.Dir), st, engineCfg.Archive.Keep, log)
		opts = append(opts, engine.WithArchiver(archiver))
		log.Info("archive_enabled", "dir", engineCfg.Archive.Dir, "keep", engineCfg.Archive.Keep)
	}

	rebuilder := engine.NewRebuilder(st, engineCfg, log, opts...)
	usage := engine.NewUsageQuery(st, cache, log)

	if last, ok, err := st.LatestSuccess(ctx); err != nil {
		log.Warn("failed_to_read_last_success", "error", err)
	} else if ok {
		engine.MatlensLastSuccess.Set(float64(last.Unix()))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Scheduled rebuilds run on one daemon only; on-demand rebuilds still go
	// through the rebuild lease.
	leadership := engine.NewLeadership(leases, holderID, engineCfg.LeaseTTL, log)
	worker := engine.NewRebuildWorker(rebuilder, engineCfg.Schedule, log)
	worker.SetLeaderFunc(leadership.IsLeader)
	if engineCfg.Schedule > 0 {
		leadership.Start(ctx)
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	srv := api.NewServer(st, rebuilder, usage, log, config.Addr)
	srv.SetAdminToken(config.AdminToken)
	srv.SetTLS(config.TLSCertFile, config.TLSKeyFile)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown_initiated", "cause", context.Cause(ctx))
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownWait)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("failed_to_stop_server", "error", err)
	}
	cancel()
	<-workerDone
	leadership.Stop(shutdownCtx)
	if err := rebuilder.Shutdown(shutdownCtx); err != nil {
		log.Error("rebuild_shutdown_incomplete", "error", err)
	}

	log.Info("shutdown_complete")
	return runErr
}

// hostHolderID names this process in lease rows.
func hostHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "matlens-d"
	}
	return host + "-" + uuid.NewString()[:8]
}
