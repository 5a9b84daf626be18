// Package main запускает HTTP-сервер движка исполнения заказов.
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

	"github.com/mmeshcher/starcall-system/internal/config"
	"github.com/mmeshcher/starcall-system/internal/engine"
	"github.com/mmeshcher/starcall-system/internal/fees"
	"github.com/mmeshcher/starcall-system/internal/handler"
	"github.com/mmeshcher/starcall-system/internal/lifecycle"
	"github.com/mmeshcher/starcall-system/internal/middleware"
	"github.com/mmeshcher/starcall-system/internal/notify"
	"github.com/mmeshcher/starcall-system/internal/payment"
	"github.com/mmeshcher/starcall-system/internal/payout"
	"github.com/mmeshcher/starcall-system/internal/repository"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var processor *payment.Client
	if cfg.ProcessorAddress != "" {
		processor = payment.NewClient(cfg.ProcessorAddress)
	}

	machine := lifecycle.NewMachine(fees.CurrentSchedule, cfg.DeliverySLA, cfg.ApprovalSLA)
	eng := engine.NewEngine(repo, machine, processor, logger)

	var balance handler.BalanceProvider
	if processor != nil {
		balance = processor
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(eng, balance, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая отправка и сверка переводов
	if processor != nil {
		dispatcher := payout.NewDispatcher(repo, processor, logger, cfg.PayoutInterval)
		dispatcher.Start(ctx)
	} else {
		sugar.Warn("payment processor address is not set, payouts are disabled")
	}

	// Фоновая рассылка уведомлений из outbox
	if cfg.NotifierAddress != "" {
		sender := notify.NewWorker(repo, notify.NewClient(cfg.NotifierAddress), logger, cfg.NotifyInterval)
		sender.Start(ctx)
	} else {
		sugar.Warn("notifier address is not set, notifications are disabled")
	}

	// Фоновый обход заказов с просроченным SLA
	eng.StartSLAWatch(ctx, cfg.SLAInterval)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting starcall server", "addr", cfg.RunAddress)
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
