// Package main запускает HTTP-сервер движка расчётов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/settlement-system/internal/config"
	"github.com/mmeshcher/settlement-system/internal/handler"
	"github.com/mmeshcher/settlement-system/internal/middleware"
	"github.com/mmeshcher/settlement-system/internal/repository"
	"github.com/mmeshcher/settlement-system/internal/repository/memory"
	"github.com/mmeshcher/settlement-system/internal/repository/postgres"
	"github.com/mmeshcher/settlement-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	runtimeCfg := cfg.RuntimeConfig()

	var store repository.Store
	if cfg.DatabaseURI != "" {
		store, err = postgres.NewStore(cfg.DatabaseURI, runtimeCfg)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		// Без БД работаем в памяти: удобно для локальной разработки.
		sugar.Warn("database URI not set, using in-memory store")
		store = memory.NewStore(runtimeCfg)
	}
	defer store.Close()

	paymentSvc := service.NewPaymentService(store, logger)
	settlementSvc := service.NewSettlementService(store, logger)

	webhookMiddleware := middleware.NewWebhookMiddleware(cfg.WebhookSecret)
	h := handler.NewHandler(paymentSvc, settlementSvc, runtimeCfg, logger, webhookMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting settlement server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
