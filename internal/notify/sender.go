package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/starcall-system/internal/model"
)

// Repository описывает контракт outbox-хранилища для воркера рассылки.
type Repository interface {
	GetPendingNotifications(ctx context.Context, limit int) ([]model.Notification, error)
	MarkNotificationSent(ctx context.Context, notificationID int64) error
	MarkNotificationFailed(ctx context.Context, notificationID int64, maxAttempts int) error
}

// Sender доставляет одно уведомление адресату.
type Sender interface {
	Send(ctx context.Context, n model.Notification) error
}

const (
	senderBatchSize = 100
	// maxDeliveryAttempts — после исчерпания уведомление помечается FAILED
	// и больше не выбирается воркером.
	maxDeliveryAttempts = 5
)

// Worker вычитывает ожидающие уведомления из outbox и отправляет их.
// Доставка по принципу at-least-once: сбой до отметки SENT приведёт
// к повторной отправке в следующем цикле.
type Worker struct {
	repo     Repository
	sender   Sender
	logger   *zap.Logger
	interval time.Duration
}

// NewWorker создаёт воркер рассылки с указанным интервалом опроса.
func NewWorker(repo Repository, sender Sender, logger *zap.Logger, interval time.Duration) *Worker {
	return &Worker{
		repo:     repo,
		sender:   sender,
		logger:   logger,
		interval: interval,
	}
}

// Start запускает цикл рассылки до отмены контекста.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.processBatch(ctx)
			}
		}
	}()
}

func (w *Worker) processBatch(ctx context.Context) {
	notifications, err := w.repo.GetPendingNotifications(ctx, senderBatchSize)
	if err != nil {
		w.logger.Error("select pending notifications", zap.Error(err))
		return
	}

	for _, n := range notifications {
		if ctx.Err() != nil {
			return
		}

		if err := w.sender.Send(ctx, n); err != nil {
			if errors.Is(err, ErrRejected) {
				w.logger.Warn("notification rejected",
					zap.Int64("notification", n.ID),
					zap.String("template", n.Template),
					zap.Error(err))
			} else {
				w.logger.Error("send notification",
					zap.Int64("notification", n.ID),
					zap.String("template", n.Template),
					zap.Error(err))
			}
			if err := w.repo.MarkNotificationFailed(ctx, n.ID, maxDeliveryAttempts); err != nil {
				w.logger.Error("mark notification failed", zap.Int64("notification", n.ID), zap.Error(err))
			}
			continue
		}

		if err := w.repo.MarkNotificationSent(ctx, n.ID); err != nil {
			w.logger.Error("mark notification sent", zap.Int64("notification", n.ID), zap.Error(err))
		}
	}
}
