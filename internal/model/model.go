// Package model содержит доменные сущности движка исполнения заказов.
package model

import "time"

// FulfillmentStatus описывает статус исполнения заказа на видеопоздравление.
type FulfillmentStatus string

const (
	OrderStatusPending           FulfillmentStatus = "PENDING"
	OrderStatusConfirmed         FulfillmentStatus = "CONFIRMED"
	OrderStatusInProgress        FulfillmentStatus = "IN_PROGRESS"
	OrderStatusPendingApproval   FulfillmentStatus = "PENDING_APPROVAL"
	OrderStatusApproved          FulfillmentStatus = "APPROVED"
	OrderStatusDeclined          FulfillmentStatus = "DECLINED"
	OrderStatusRevisionRequested FulfillmentStatus = "REVISION_REQUESTED"
	OrderStatusCompleted         FulfillmentStatus = "COMPLETED"
	OrderStatusCancelled         FulfillmentStatus = "CANCELLED"
	OrderStatusFailed            FulfillmentStatus = "FAILED"
)

// Terminal сообщает, является ли статус терминальным: заказ из него не выходит.
func (s FulfillmentStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusFailed
}

// ApprovalStatus описывает под-статус приёмки видео заказчиком.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "NONE"
	ApprovalPending  ApprovalStatus = "PENDING_APPROVAL"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDeclined ApprovalStatus = "DECLINED"
)

// TransferStatus описывает статус выплаты на уровне заказа и отдельного перевода.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusInTransit TransferStatus = "IN_TRANSIT"
	TransferStatusPaid      TransferStatus = "PAID"
	TransferStatusFailed    TransferStatus = "FAILED"
	// TransferStatusManual выставляется после исчерпания автоматических ретраев.
	TransferStatusManual TransferStatus = "MANUAL_PROCESSING"
)

// TransferType описывает назначение перевода средств.
type TransferType string

const (
	TransferTypeBooking TransferType = "BOOKING_PAYOUT"
	TransferTypeTip     TransferType = "TIP_PAYOUT"
	TransferTypeRetry   TransferType = "RETRY"
	TransferTypeRefund  TransferType = "REFUND"
)

// TipStatus описывает статус платежа по чаевым.
type TipStatus string

const (
	TipStatusPending   TipStatus = "PENDING"
	TipStatusSucceeded TipStatus = "SUCCEEDED"
	TipStatusFailed    TipStatus = "FAILED"
)

// Order описывает заказ видеопоздравления — корневой агрегат движка.
// Все денежные поля хранятся в минорных единицах валюты.
type Order struct {
	ID          int64
	Number      string
	CustomerID  int64
	CelebrityID int64
	// CelebrityVIP определяет повышенную долю выплаты исполнителю.
	CelebrityVIP bool

	Amount   int64
	Currency string
	// ChargeRef — идентификатор успешного списания у платёжного провайдера.
	ChargeRef string
	// PayoutAccount — счёт исполнителя у платёжного провайдера.
	PayoutAccount string

	Status   FulfillmentStatus
	Approval ApprovalStatus

	RevisionCount int
	MaxRevisions  int

	VideoURL      *string
	DeliveredAt   *time.Time
	DeclinedAt    *time.Time
	DeclineReason *string
	ApprovedAt    *time.Time

	// Производные финансовые поля: пересчитываются калькулятором, вручную не правятся.
	PlatformFee     int64
	CelebrityAmount int64
	TotalTips       int64
	FeeVersion      int
	TransferStatus  TransferStatus

	// Version — счётчик оптимистичной блокировки для CAS-переходов.
	Version     int64
	SLADeadline *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tip описывает попытку оплаты чаевых по заказу. Запись только добавляется,
// статус меняется единожды: PENDING -> SUCCEEDED | FAILED.
type Tip struct {
	ID        int64
	OrderID   int64
	Amount    int64
	Message   *string
	Status    TipStatus
	ChargeRef *string
	CreatedAt time.Time
	SettledAt *time.Time
}

// Transfer описывает попытку вывода средств исполнителю или возврата заказчику.
type Transfer struct {
	ID             int64
	OrderID        int64
	Type           TransferType
	Amount         int64
	Currency       string
	Destination    string
	Status         TransferStatus
	AttemptSeq     int
	IdempotencyKey string
	ExternalRef    *string
	LastError      *string
	RetryCount     int
	NextRetryAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Recipient обозначает адресата уведомления.
type Recipient string

const (
	RecipientCustomer  Recipient = "CUSTOMER"
	RecipientCelebrity Recipient = "CELEBRITY"
)

// NotificationStatus описывает статус доставки уведомления.
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "PENDING"
	NotificationStatusSent    NotificationStatus = "SENT"
	NotificationStatusFailed  NotificationStatus = "FAILED"
)

// Notification — запись исходящего уведомления в outbox-таблице.
// Доставка выполняется отдельным воркером и никогда не откатывает переход,
// который её породил.
type Notification struct {
	ID        int64
	OrderID   int64
	Recipient Recipient
	Template  string
	Payload   map[string]string
	Status    NotificationStatus
	Attempts  int
	CreatedAt time.Time
	SentAt    *time.Time
}

// Intent — намерение побочного эффекта, порождённое переходом жизненного цикла.
// Машина состояний возвращает намерения, но никогда не исполняет их сама.
type Intent interface {
	intent()
}

// NotificationIntent описывает намерение отправить уведомление стороне заказа.
type NotificationIntent struct {
	Recipient Recipient
	Template  string
	Payload   map[string]string
}

func (NotificationIntent) intent() {}

// PayoutIntent описывает намерение создать перевод средств.
type PayoutIntent struct {
	Type        TransferType
	Amount      int64
	Currency    string
	Destination string
}

func (PayoutIntent) intent() {}
