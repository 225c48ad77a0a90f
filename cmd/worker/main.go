// Command worker runs scheduler passes and completion processing from
// RabbitMQ without serving the API. Run as many as needed next to the server.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/voicecampaign-backend/internal/app"
	"github.com/unclebandit/voicecampaign-backend/internal/config"
	"github.com/unclebandit/voicecampaign-backend/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.AMQPURL == "" {
		log.Fatal("AMQP_URL is required for the worker")
	}
	if cfg.StoreDriver == "memory" {
		log.Fatal("the worker needs a shared store, STORE_DRIVER=memory is not supported")
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}
	if err := a.Start(); err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Warn("metrics server failed", zap.Error(err))
		}
	}()

	zl.Info("Worker running, waiting for messages...", zap.String("metrics_addr", cfg.MetricsAddr))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := a.Close(); err != nil {
		zl.Warn("close", zap.Error(err))
	}
}
