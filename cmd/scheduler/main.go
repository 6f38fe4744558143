package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "kodiak/configs"
	kodiaklogger "kodiak/pkg/logger"
	"kodiak/pkg/scheduler"
	"kodiak/pkg/store"
)

// This binary runs the promote/recover loop standalone, separate from any
// worker process. Multiple instances may run against the same queue at
// once: promote_delayed_jobs and recover_stalled_jobs are atomic Redis
// scripts, so redundant sweeps are harmless, and there is no leader
// election to coordinate (spec's Non-goals exclude global fair
// scheduling and cross-queue transactions; a single idempotent sweep
// loop needs neither).
func main() {
	cfg := config.LoadConfig()

	zlog, err := kodiaklogger.Init(kodiaklogger.DefaultConfig("kodiak-scheduler"))
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("starting up")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()
	zlog.Info("redis connected", zap.String("addr", redisAddr))

	repo := store.NewRepository(rdb, cfg.KeyPrefix, "default", zlog)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Interval = cfg.SchedulerInterval
	schedCfg.PromoteBatchLimit = cfg.PromoteBatchLimit

	sched := scheduler.New(repo, rdb, schedCfg, zlog)
	sched.Start(ctx)
	defer sched.Close()

	zlog.Info("scheduler started", zap.Duration("interval", schedCfg.Interval))

	sig := <-sigChan
	zlog.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	cancel()
	zlog.Info("shutdown complete")
}
