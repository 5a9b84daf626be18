// Package engine связывает чистую машину состояний с хранилищем: загружает
// снимок заказа, применяет событие и атомарно фиксирует результат.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/starcall-system/internal/lifecycle"
	"github.com/mmeshcher/starcall-system/internal/model"
	"github.com/mmeshcher/starcall-system/internal/payment"
	"github.com/mmeshcher/starcall-system/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый движком.
type Repository interface {
	CreateOrder(ctx context.Context, o model.Order) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	ApplyTransition(ctx context.Context, updated model.Order, expectedVersion int64, intents []model.Intent) (*model.Order, error)
	CreateTip(ctx context.Context, orderID int64, amount int64, message, chargeRef *string) (int64, error)
	SettleTip(ctx context.Context, tipID int64, succeeded bool) (*model.Tip, error)
	GetTipsByOrder(ctx context.Context, orderID int64) ([]model.Tip, error)
	GetTransfersByOrder(ctx context.Context, orderID int64) ([]model.Transfer, error)
	CreateRetryTransfer(ctx context.Context, transferID int64) (*model.Transfer, error)
	GetOverdueOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Engine реализует операции движка исполнения заказов.
type Engine struct {
	repo    Repository
	machine *lifecycle.Machine
	charger *payment.Client
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine создаёт движок с указанным репозиторием и машиной состояний.
// Клиент провайдера может быть nil: тогда чаевые записываются без списания,
// а исход приходит только через SettleTip.
func NewEngine(repo Repository, machine *lifecycle.Machine, charger *payment.Client, logger *zap.Logger) *Engine {
	return &Engine{
		repo:    repo,
		machine: machine,
		charger: charger,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateOrder регистрирует новый заказ в статусе PENDING.
func (e *Engine) CreateOrder(ctx context.Context, o model.Order) (*model.Order, error) {
	if !validation.IsValidOrderNumber(o.Number) {
		return nil, fmt.Errorf("%w: bad order number %q", lifecycle.ErrValidation, o.Number)
	}
	if o.Amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", lifecycle.ErrValidation)
	}
	if o.MaxRevisions == 0 {
		o.MaxRevisions = 2
	}
	return e.repo.CreateOrder(ctx, o)
}

// GetOrder возвращает снимок заказа по номеру.
func (e *Engine) GetOrder(ctx context.Context, number string) (*model.Order, error) {
	return e.repo.GetOrderByNumber(ctx, number)
}

// Transition применяет событие жизненного цикла к заказу. Переход атомарен:
// либо полностью фиксируется новое состояние вместе с намерениями, либо не
// меняется ничего. При проигрыше CAS-гонки возвращается ошибка конфликта,
// вызывающий перечитывает состояние и повторяет сам.
func (e *Engine) Transition(ctx context.Context, number string, ev lifecycle.Event, p lifecycle.Payload) (*model.Order, []model.Intent, error) {
	snapshot, err := e.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}

	updated, intents, err := e.machine.Apply(*snapshot, ev, p, e.now())
	if err != nil {
		return nil, nil, err
	}

	if ev == lifecycle.EventTimeout && updated.Status == snapshot.Status {
		// Повторный timeout по уже ушедшему из просрочки заказу: нечего фиксировать.
		return snapshot, nil, nil
	}

	committed, err := e.repo.ApplyTransition(ctx, updated, snapshot.Version, intents)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("order transition committed",
		zap.String("order", committed.Number),
		zap.String("event", string(ev)),
		zap.String("status", string(committed.Status)),
		zap.Int64("version", committed.Version),
	)
	return committed, intents, nil
}

// RecordTip добавляет попытку оплаты чаевых по заказу.
func (e *Engine) RecordTip(ctx context.Context, number string, amount int64, message string) (int64, error) {
	if !validation.IsValidTipAmount(amount) {
		return 0, fmt.Errorf("%w: tip amount must be positive", lifecycle.ErrValidation)
	}
	if !validation.IsValidTipMessage(message) {
		return 0, fmt.Errorf("%w: tip message over %d chars", lifecycle.ErrValidation, validation.MaxTipMessageLen)
	}

	o, err := e.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return 0, err
	}
	if o.Status == model.OrderStatusCancelled || o.Status == model.OrderStatusFailed {
		return 0, fmt.Errorf("%w: order is %s", lifecycle.ErrInvalidState, o.Status)
	}

	var msg *string
	if message != "" {
		msg = &message
	}

	var chargeRef *string
	if e.charger != nil {
		ref, err := e.charger.ChargeCard(ctx, strconv.FormatInt(o.CustomerID, 10), amount, o.Currency, "tip for order "+o.Number)
		if err != nil {
			return 0, fmt.Errorf("charge tip: %w", err)
		}
		chargeRef = &ref.ID
	}

	return e.repo.CreateTip(ctx, o.ID, amount, msg, chargeRef)
}

// SettleTip фиксирует исход платежа по чаевым.
func (e *Engine) SettleTip(ctx context.Context, tipID int64, succeeded bool) (*model.Tip, error) {
	return e.repo.SettleTip(ctx, tipID, succeeded)
}

// GetTips возвращает записи о чаевых по заказу.
func (e *Engine) GetTips(ctx context.Context, number string) ([]model.Tip, error) {
	o, err := e.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return e.repo.GetTipsByOrder(ctx, o.ID)
}

// GetTransfers возвращает переводы по заказу.
func (e *Engine) GetTransfers(ctx context.Context, number string) ([]model.Transfer, error) {
	o, err := e.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return e.repo.GetTransfersByOrder(ctx, o.ID)
}

// RetryTransfer создаёт ручной повтор неуспешного перевода.
func (e *Engine) RetryTransfer(ctx context.Context, transferID int64) (*model.Transfer, error) {
	return e.repo.CreateRetryTransfer(ctx, transferID)
}

// StartSLAWatch запускает фоновый обход заказов, просрочивших SLA-дедлайн.
// Просроченные заказы переводятся событием timeout; переход идемпотентен,
// поэтому гонка с параллельным действием пользователя безопасна.
func (e *Engine) StartSLAWatch(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.processOverdue(ctx)
			}
		}
	}()
}

func (e *Engine) processOverdue(ctx context.Context) {
	numbers, err := e.repo.GetOverdueOrders(ctx, e.now(), 100)
	if err != nil {
		e.logger.Error("select overdue orders", zap.Error(err))
		return
	}

	for _, number := range numbers {
		_, _, err := e.Transition(ctx, number, lifecycle.EventTimeout, lifecycle.Payload{})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Конфликт версий означает, что заказ успели сдвинуть параллельно;
			// следующий обход увидит актуальное состояние.
			e.logger.Warn("timeout transition failed",
				zap.String("order", number), zap.Error(err))
		}
	}
}
