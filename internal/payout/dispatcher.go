// Package payout реализует диспетчер выплат: отправку зафиксированных
// переводов платёжному провайдеру и сверку их итогового статуса.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/starcall-system/internal/model"
	"github.com/mmeshcher/starcall-system/internal/payment"
)

// Repository описывает контракт хранилища, используемый диспетчером.
type Repository interface {
	GetDispatchableTransfers(ctx context.Context, now time.Time, limit int) ([]model.Transfer, error)
	GetInTransitTransfers(ctx context.Context, limit int) ([]model.Transfer, error)
	MarkTransferInTransit(ctx context.Context, transferID int64, externalRef string) error
	MarkTransferPaid(ctx context.Context, transferID int64) error
	MarkTransferFailed(ctx context.Context, transferID int64, lastErr string) error
	MarkTransferManual(ctx context.Context, transferID int64, lastErr string) error
	RescheduleTransfer(ctx context.Context, transferID int64, lastErr string, nextRetryAt time.Time) error
}

// Processor описывает узкий интерфейс платёжного провайдера.
type Processor interface {
	CreateTransfer(ctx context.Context, destination string, amount int64, currency, idempotencyKey string) (*payment.TransferRef, error)
	GetTransfer(ctx context.Context, transferRef string) (*payment.TransferRef, error)
}

const (
	batchSize = 100
	// maxInlineAttempts — быстрые повторы в рамках одного цикла диспетчеризации.
	maxInlineAttempts = 3
	// maxReschedules — отложенные повторы; после исчерпания перевод уходит
	// в ручную обработку.
	maxReschedules = 5
	retryBaseDelay = 30 * time.Second
)

// Dispatcher отправляет ожидающие переводы провайдеру. Ключ идемпотентности
// перевода стабилен, поэтому повтор после сбоя не приводит к двойной выплате;
// перевод в статусе PAID никогда не отправляется повторно.
type Dispatcher struct {
	repo      Repository
	processor Processor
	logger    *zap.Logger
	interval  time.Duration
	now       func() time.Time
}

// NewDispatcher создаёт диспетчер выплат с указанным интервалом опроса.
func NewDispatcher(repo Repository, processor Processor, logger *zap.Logger, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		processor: processor,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
	}
}

// Start запускает фоновые циклы отправки и сверки переводов.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx, d.dispatchBatch)
	go d.loop(ctx, d.reconcileBatch)
}

func (d *Dispatcher) loop(ctx context.Context, step func(context.Context)) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step(ctx)
		}
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context) {
	transfers, err := d.repo.GetDispatchableTransfers(ctx, d.now(), batchSize)
	if err != nil {
		d.logger.Error("select dispatchable transfers", zap.Error(err))
		return
	}

	for _, t := range transfers {
		if err := d.dispatch(ctx, t); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("dispatch transfer",
				zap.Int64("transfer", t.ID),
				zap.String("key", t.IdempotencyKey),
				zap.Error(err))
		}
	}
}

// dispatch отправляет один перевод. Временные ошибки сначала ретраятся
// на месте с экспоненциальной задержкой, затем перевод откладывается;
// постоянные ошибки немедленно финализируют перевод как FAILED.
func (d *Dispatcher) dispatch(ctx context.Context, t model.Transfer) error {
	var ref *payment.TransferRef

	backoff := retry.WithMaxRetries(maxInlineAttempts-1, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := d.processor.CreateTransfer(ctx, t.Destination, t.Amount, t.Currency, t.IdempotencyKey)
		if err != nil {
			if errors.Is(err, payment.ErrTransient) {
				return retry.RetryableError(err)
			}
			return err
		}
		ref = r
		return nil
	})

	switch {
	case err == nil:
		if ref.Status == payment.ProcessorStatusPaid {
			// Провайдер подтвердил выплату синхронно (повтор по тому же ключу).
			if err := d.repo.MarkTransferInTransit(ctx, t.ID, ref.ID); err != nil {
				return err
			}
			return d.repo.MarkTransferPaid(ctx, t.ID)
		}
		return d.repo.MarkTransferInTransit(ctx, t.ID, ref.ID)

	case errors.Is(err, payment.ErrPermanent):
		d.logger.Warn("transfer permanently rejected",
			zap.Int64("transfer", t.ID), zap.Error(err))
		return d.repo.MarkTransferFailed(ctx, t.ID, err.Error())

	default:
		if t.RetryCount >= maxReschedules {
			d.logger.Warn("transfer retries exhausted, manual processing required",
				zap.Int64("transfer", t.ID), zap.Error(err))
			return d.repo.MarkTransferManual(ctx, t.ID, err.Error())
		}
		next := d.now().Add(retryBaseDelay << t.RetryCount)
		return d.repo.RescheduleTransfer(ctx, t.ID, err.Error(), next)
	}
}

// reconcileBatch опрашивает провайдера по переводам в пути и финализирует их.
func (d *Dispatcher) reconcileBatch(ctx context.Context) {
	transfers, err := d.repo.GetInTransitTransfers(ctx, batchSize)
	if err != nil {
		d.logger.Error("select in-transit transfers", zap.Error(err))
		return
	}

	for _, t := range transfers {
		if t.ExternalRef == nil {
			continue
		}

		ref, err := d.processor.GetTransfer(ctx, *t.ExternalRef)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Временную недоступность провайдера увидит следующий цикл.
			if !errors.Is(err, payment.ErrTransient) {
				d.logger.Error("reconcile transfer",
					zap.Int64("transfer", t.ID), zap.Error(err))
			}
			continue
		}

		switch ref.Status {
		case payment.ProcessorStatusPaid:
			err = d.repo.MarkTransferPaid(ctx, t.ID)
		case payment.ProcessorStatusFailed:
			err = d.repo.MarkTransferFailed(ctx, t.ID, "rejected by processor")
		default:
			continue
		}
		if err != nil {
			d.logger.Error("finalize transfer",
				zap.Int64("transfer", t.ID), zap.Error(err))
		}
	}
}
