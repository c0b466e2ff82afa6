package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("warden stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	var backend adapter.Store[string] = adapter.NewInMemoryStore[string]()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		var codec adapter.Codec = adapter.RawCodec{}
		switch cfg.RedisCodec {
		case "json":
			codec = adapter.JSONCodec{}
		case "gob":
			codec = adapter.GobCodec{}
		}
		backend = adapter.NewBreaker[string](
			adapter.NewRedisStore[string](client, adapter.WithPrefix("warden:"), adapter.WithCodec(codec)),
			cfg.BreakerFailures, cfg.BreakerCooldown,
			adapter.WithBreakerLogger(logger),
		)
	}

	srv, err := newServer(cfg, logger, backend)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("warden listening", "addr", cfg.Addr, "routes", len(cfg.Routes), "redis", cfg.RedisAddr != "")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
