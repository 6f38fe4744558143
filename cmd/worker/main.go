package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "kodiak/configs"
	kodiaklogger "kodiak/pkg/logger"
	"kodiak/pkg/models"
	"kodiak/pkg/queue"
	"kodiak/pkg/ratelimit"
	"kodiak/pkg/worker"
)

func main() {
	cfg := config.LoadConfig()

	zlog, err := kodiaklogger.Init(kodiaklogger.DefaultConfig("kodiak-worker"))
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

	queueCfg := queue.Config{
		Prefix: cfg.KeyPrefix,
	}
	queueCfg.Scheduler.Interval = cfg.SchedulerInterval
	queueCfg.Scheduler.PromoteBatchLimit = cfg.PromoteBatchLimit
	if cfg.RateLimiterRate > 0 {
		queueCfg.Limiter = &ratelimit.Config{
			Mode:     ratelimit.ModeTokenBucket,
			Rate:     cfg.RateLimiterRate,
			Capacity: cfg.RateLimiterCapacity,
		}
	}

	q := queue.New(ctx, rdb, "default", queueCfg, zlog)
	defer q.Close()

	workerCfg := worker.DefaultConfig()
	workerCfg.Concurrency = cfg.Concurrency
	workerCfg.Prefetch = cfg.Prefetch
	workerCfg.LockDuration = cfg.LockDuration
	workerCfg.GracefulShutdownTimeout = cfg.GracefulShutdownTimeout
	workerCfg.HeartbeatEnabled = cfg.HeartbeatEnabled
	workerCfg.HeartbeatInterval = cfg.HeartbeatInterval

	events := worker.EventHandlers{
		OnCompleted: func(job *models.Job) {
			zlog.Info("job completed", zap.String("id", job.ID))
		},
		OnFailed: func(job *models.Job, err error) {
			zlog.Warn("job failed", zap.String("id", job.ID), zap.Error(err))
		},
		OnError: func(err error) {
			zlog.Warn("worker loop error", zap.Error(err))
		},
	}

	w := worker.New(q.Repo, q.Limiter, nil, workerCfg, echoProcessor, events, zlog, "default")
	if err := w.Start(ctx); err != nil {
		zlog.Fatal("failed to start worker", zap.Error(err))
	}

	zlog.Info("worker started", zap.Int("concurrency", workerCfg.Concurrency))

	sig := <-sigChan
	zlog.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	if err := w.Stop(); err != nil {
		zlog.Warn("worker stop returned error", zap.Error(err))
	}
	cancel()
	zlog.Info("shutdown complete")
}

// echoProcessor is a placeholder processor: real deployments register
// their own via worker.New. It exists so this binary runs standalone for
// a smoke test against a live queue.
func echoProcessor(ctx context.Context, job *models.Job, progress func(context.Context, string) error) error {
	var payload interface{}
	if len(job.Data) > 0 {
		_ = json.Unmarshal(job.Data, &payload)
	}
	return nil
}
