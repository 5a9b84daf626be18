package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/starcall-system/internal/fees"
	"github.com/mmeshcher/starcall-system/internal/lifecycle"
	"github.com/mmeshcher/starcall-system/internal/model"
	"github.com/mmeshcher/starcall-system/internal/repository"
)

// stubRepo хранит единственный заказ в памяти и воспроизводит CAS-семантику
// ApplyTransition так же, как это делает PostgresRepository.
type stubRepo struct {
	mu    sync.Mutex
	order *model.Order

	tips       []model.Tip
	transfers  []model.Transfer
	intentsLog []model.Intent

	overdue []string

	getErr error
}

func (s *stubRepo) CreateOrder(ctx context.Context, o model.Order) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = 1
	o.Version = 1
	o.Status = model.OrderStatusPending
	o.Approval = model.ApprovalNone
	o.TransferStatus = model.TransferStatusPending
	s.order = &o
	return &o, nil
}

func (s *stubRepo) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.order == nil || s.order.Number != number {
		return nil, repository.ErrOrderNotFound
	}
	cp := *s.order
	return &cp, nil
}

func (s *stubRepo) ApplyTransition(ctx context.Context, updated model.Order, expectedVersion int64, intents []model.Intent) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil || s.order.ID != updated.ID {
		return nil, repository.ErrOrderNotFound
	}
	if s.order.Version != expectedVersion {
		return nil, repository.ErrOrderConflict
	}
	updated.Version = expectedVersion + 1
	s.order = &updated
	s.intentsLog = append(s.intentsLog, intents...)
	for _, in := range intents {
		if p, ok := in.(model.PayoutIntent); ok {
			s.transfers = append(s.transfers, model.Transfer{
				ID:      int64(len(s.transfers) + 1),
				OrderID: updated.ID,
				Type:    p.Type,
				Amount:  p.Amount,
				Status:  model.TransferStatusPending,
			})
		}
	}
	cp := updated
	return &cp, nil
}

func (s *stubRepo) CreateTip(ctx context.Context, orderID int64, amount int64, message, chargeRef *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.tips) + 1)
	s.tips = append(s.tips, model.Tip{ID: id, OrderID: orderID, Amount: amount, Message: message, Status: model.TipStatusPending})
	return id, nil
}

func (s *stubRepo) SettleTip(ctx context.Context, tipID int64, succeeded bool) (*model.Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tips {
		if s.tips[i].ID != tipID {
			continue
		}
		target := model.TipStatusFailed
		if succeeded {
			target = model.TipStatusSucceeded
		}
		if s.tips[i].Status != model.TipStatusPending {
			if s.tips[i].Status == target {
				cp := s.tips[i]
				return &cp, nil
			}
			return nil, repository.ErrTipSettled
		}
		s.tips[i].Status = target
		if succeeded {
			s.order.TotalTips += s.tips[i].Amount
			s.order.Version++
		}
		cp := s.tips[i]
		return &cp, nil
	}
	return nil, repository.ErrTipNotFound
}

func (s *stubRepo) GetTipsByOrder(ctx context.Context, orderID int64) ([]model.Tip, error) {
	return s.tips, nil
}

func (s *stubRepo) GetTransfersByOrder(ctx context.Context, orderID int64) ([]model.Transfer, error) {
	return s.transfers, nil
}

func (s *stubRepo) CreateRetryTransfer(ctx context.Context, transferID int64) (*model.Transfer, error) {
	return nil, repository.ErrTransferNotFound
}

func (s *stubRepo) GetOverdueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.overdue, nil
}

func newTestEngine(repo Repository) *Engine {
	m := lifecycle.NewMachine(fees.CurrentSchedule, 72*time.Hour, 168*time.Hour)
	return NewEngine(repo, m, nil, zap.NewNop())
}

func seededRepo(t *testing.T) (*stubRepo, *Engine) {
	t.Helper()

	repo := &stubRepo{}
	e := newTestEngine(repo)

	_, err := e.CreateOrder(context.Background(), model.Order{
		Number:        "SC-12345678903",
		CustomerID:    10,
		CelebrityID:   20,
		Amount:        300,
		Currency:      "USD",
		ChargeRef:     "ch_1",
		PayoutAccount: "acct_1",
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return repo, e
}

func advance(t *testing.T, e *Engine, number string, ev lifecycle.Event, p lifecycle.Payload) *model.Order {
	t.Helper()
	o, _, err := e.Transition(context.Background(), number, ev, p)
	if err != nil {
		t.Fatalf("%s: %v", ev, err)
	}
	return o
}

func TestCreateOrderValidation(t *testing.T) {
	_, e := seededRepo(t)

	_, err := e.CreateOrder(context.Background(), model.Order{Number: "bad", Amount: 100})
	if !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad number, got %v", err)
	}

	_, err = e.CreateOrder(context.Background(), model.Order{Number: "SC-12345678903", Amount: 0})
	if !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero amount, got %v", err)
	}
}

func TestTransitionPersistsAndBumpsVersion(t *testing.T) {
	repo, e := seededRepo(t)

	o := advance(t, e, "SC-12345678903", lifecycle.EventConfirm, lifecycle.Payload{})
	if o.Status != model.OrderStatusConfirmed {
		t.Fatalf("status = %s", o.Status)
	}
	if o.Version != 2 {
		t.Fatalf("version = %d, want 2", o.Version)
	}
	if len(repo.intentsLog) != 1 {
		t.Fatalf("persisted intents = %d", len(repo.intentsLog))
	}
}

func TestApproveEnqueuesSinglePayout(t *testing.T) {
	repo, e := seededRepo(t)
	number := "SC-12345678903"

	advance(t, e, number, lifecycle.EventConfirm, lifecycle.Payload{})
	advance(t, e, number, lifecycle.EventStartWork, lifecycle.Payload{})
	advance(t, e, number, lifecycle.EventUploadVideo, lifecycle.Payload{VideoURL: "https://cdn/v.mp4"})
	advance(t, e, number, lifecycle.EventApprove, lifecycle.Payload{})

	if len(repo.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(repo.transfers))
	}
	if repo.transfers[0].Type != model.TransferTypeBooking || repo.transfers[0].Amount != 160 {
		t.Fatalf("unexpected transfer: %+v", repo.transfers[0])
	}

	// Повторный approve не создаёт второй выплаты.
	_, _, err := e.Transition(context.Background(), number, lifecycle.EventApprove, lifecycle.Payload{})
	if !errors.Is(err, lifecycle.ErrInvalidState) {
		t.Fatalf("second approve: expected ErrInvalidState, got %v", err)
	}
	if len(repo.transfers) != 1 {
		t.Fatalf("transfers after second approve = %d, want 1", len(repo.transfers))
	}
}

func TestConcurrentDeclineOnlyOneWins(t *testing.T) {
	repo, e := seededRepo(t)
	number := "SC-12345678903"

	advance(t, e, number, lifecycle.EventConfirm, lifecycle.Payload{})
	advance(t, e, number, lifecycle.EventStartWork, lifecycle.Payload{})
	advance(t, e, number, lifecycle.EventUploadVideo, lifecycle.Payload{VideoURL: "https://cdn/v.mp4"})

	// Оба вызова читают один и тот же снимок, фиксируется только первый.
	snapshot, err := repo.GetOrderByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	apply := func() error {
		updated, intents, err := lifecycle.NewMachine(fees.CurrentSchedule, time.Hour, time.Hour).
			Apply(*snapshot, lifecycle.EventDecline, lifecycle.Payload{Reason: "redo"}, time.Now())
		if err != nil {
			return err
		}
		_, err = repo.ApplyTransition(context.Background(), updated, snapshot.Version, intents)
		return err
	}

	first := apply()
	second := apply()

	if first != nil {
		t.Fatalf("first decline: %v", first)
	}
	if !errors.Is(second, repository.ErrOrderConflict) {
		t.Fatalf("second decline: expected ErrOrderConflict, got %v", second)
	}

	o, err := repo.GetOrderByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if o.RevisionCount != 1 {
		t.Fatalf("revision count = %d, want exactly 1", o.RevisionCount)
	}
}

func TestTipAffectsPayoutOnlyAfterSettlement(t *testing.T) {
	repo, e := seededRepo(t)
	number := "SC-12345678903"
	ctx := context.Background()

	advance(t, e, number, lifecycle.EventConfirm, lifecycle.Payload{})
	advance(t, e, number, lifecycle.EventStartWork, lifecycle.Payload{})
	advance(t, e, number, lifecycle.EventUploadVideo, lifecycle.Payload{VideoURL: "https://cdn/v.mp4"})

	tipID, err := e.RecordTip(ctx, number, 50, "great!")
	if err != nil {
		t.Fatalf("record tip: %v", err)
	}

	// PENDING-чаевые не попадают в сумму.
	o, _ := repo.GetOrderByNumber(ctx, number)
	if o.TotalTips != 0 {
		t.Fatalf("total tips before settlement = %d", o.TotalTips)
	}

	if _, err := e.SettleTip(ctx, tipID, true); err != nil {
		t.Fatalf("settle tip: %v", err)
	}

	// Повторный settle с тем же исходом — no-op без двойного учёта.
	if _, err := e.SettleTip(ctx, tipID, true); err != nil {
		t.Fatalf("repeated settle: %v", err)
	}
	o, _ = repo.GetOrderByNumber(ctx, number)
	if o.TotalTips != 50 {
		t.Fatalf("total tips = %d, want 50 counted once", o.TotalTips)
	}

	// Противоположный исход после расчёта отклоняется.
	if _, err := e.SettleTip(ctx, tipID, false); !errors.Is(err, repository.ErrTipSettled) {
		t.Fatalf("expected ErrTipSettled, got %v", err)
	}

	advance(t, e, number, lifecycle.EventApprove, lifecycle.Payload{})

	o, _ = repo.GetOrderByNumber(ctx, number)
	// base=250, fee=60, celebrity=133; чаевые выплачиваются отдельным переводом.
	if o.PlatformFee != 60 || o.CelebrityAmount != 133 {
		t.Fatalf("fee=%d celebrity=%d", o.PlatformFee, o.CelebrityAmount)
	}
	if len(repo.transfers) != 2 {
		t.Fatalf("transfers = %d, want booking + tip", len(repo.transfers))
	}
}

func TestRecordTipValidation(t *testing.T) {
	_, e := seededRepo(t)
	ctx := context.Background()

	if _, err := e.RecordTip(ctx, "SC-12345678903", 0, ""); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("zero amount: expected ErrValidation, got %v", err)
	}

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := e.RecordTip(ctx, "SC-12345678903", 10, string(long)); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("long message: expected ErrValidation, got %v", err)
	}
}

func TestRecordTipRejectedOnDeadOrder(t *testing.T) {
	_, e := seededRepo(t)
	number := "SC-12345678903"

	advance(t, e, number, lifecycle.EventCancel, lifecycle.Payload{})

	_, err := e.RecordTip(context.Background(), number, 10, "")
	if !errors.Is(err, lifecycle.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestTimeoutNoopDoesNotCommit(t *testing.T) {
	repo, e := seededRepo(t)
	number := "SC-12345678903"

	advance(t, e, number, lifecycle.EventCancel, lifecycle.Payload{})
	before := repo.order.Version

	o, intents, err := e.Transition(context.Background(), number, lifecycle.EventTimeout, lifecycle.Payload{})
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if len(intents) != 0 {
		t.Fatalf("noop timeout intents = %d", len(intents))
	}
	if o.Version != before || repo.order.Version != before {
		t.Fatal("noop timeout must not bump the version")
	}
}

func TestSLAWatchTimesOutOverdueOrders(t *testing.T) {
	repo, e := seededRepo(t)
	number := "SC-12345678903"

	advance(t, e, number, lifecycle.EventConfirm, lifecycle.Payload{})
	advance(t, e, number, lifecycle.EventStartWork, lifecycle.Payload{})
	repo.overdue = []string{number}

	e.processOverdue(context.Background())

	o, err := repo.GetOrderByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if o.Status != model.OrderStatusFailed {
		t.Fatalf("status = %s, want FAILED", o.Status)
	}

	// Повторный обход с тем же списком безопасен.
	e.processOverdue(context.Background())
	if repo.order.Status != model.OrderStatusFailed {
		t.Fatalf("status after redundant sweep = %s", repo.order.Status)
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	_, e := seededRepo(t)

	_, _, err := e.Transition(context.Background(), "SC-00000000000", lifecycle.EventConfirm, lifecycle.Payload{})
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetOrderPropagatesError(t *testing.T) {
	repo := &stubRepo{getErr: fmt.Errorf("boom")}
	e := newTestEngine(repo)

	if _, err := e.GetOrder(context.Background(), "SC-12345678903"); err == nil {
		t.Fatal("expected error")
	}
}
