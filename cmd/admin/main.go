package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "kodiak/configs"
	"kodiak/pkg/api"
	"kodiak/pkg/auth"
	kodiaklogger "kodiak/pkg/logger"
	tracing "kodiak/pkg/observability"
	"kodiak/pkg/queue"
)

func main() {
	cfg := config.LoadConfig()

	zlog, err := kodiaklogger.Init(kodiaklogger.DefaultConfig("kodiak-admin"))
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("starting up")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracingCfg := tracing.DefaultConfig("kodiak-admin")
	tracingCfg.Enabled = cfg.OTLPEndpoint != ""
	if tracingCfg.Enabled {
		tracingCfg.Endpoint = cfg.OTLPEndpoint
	}
	tracerProvider, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		zlog.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer tracerProvider.Shutdown(context.Background())

	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()
	zlog.Info("redis connected", zap.String("addr", redisAddr))

	q := queue.New(ctx, rdb, "default", queue.Config{Prefix: cfg.KeyPrefix}, zlog)
	defer q.Close()

	apiCfg := api.Config{
		Port: cfg.APIPort,
		Log:  zlog,
	}
	if cfg.AuthEnabled {
		jwtCfg := auth.DefaultJWTConfig()
		jwtCfg.SecretKey = cfg.JWTSecret
		jwtCfg.Issuer = cfg.JWTIssuer
		jwtService, err := auth.NewJWTService(jwtCfg)
		if err != nil {
			zlog.Fatal("failed to initialize JWT service", zap.Error(err))
		}
		apiCfg.JWTService = jwtService
		apiCfg.APIKeyStore = auth.NewRedisAPIKeyStore(rdb)
	}

	server := api.NewServer(apiCfg)
	server.Register("default", q)

	go func() {
		if err := server.Start(); err != nil {
			zlog.Error("server error", zap.Error(err))
		}
	}()

	zlog.Info("admin API started", zap.String("port", cfg.APIPort))

	sig := <-sigChan
	zlog.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("shutdown error", zap.Error(err))
	}

	cancel()
	zlog.Info("shutdown complete")
}
