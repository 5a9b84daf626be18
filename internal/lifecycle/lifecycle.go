// Package lifecycle реализует машину состояний заказа. Машина чистая:
// она принимает снимок заказа и событие, возвращает новый снимок и список
// намерений побочных эффектов, но сама не выполняет ни I/O, ни выплат.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/starcall-system/internal/fees"
	"github.com/mmeshcher/starcall-system/internal/model"
	"github.com/mmeshcher/starcall-system/internal/validation"
)

// ErrInvalidState возвращается при переходе из состояния, которое его не допускает.
var (
	ErrInvalidState = errors.New("transition not allowed from current state")
	// ErrRevisionLimitExceeded возвращается при отклонении сверх лимита правок.
	ErrRevisionLimitExceeded = errors.New("revision limit exceeded")
	// ErrMissingVideo возвращается при отклонении заказа без доставленного видео.
	ErrMissingVideo = errors.New("no video to decline")
	// ErrValidation возвращается до любых изменений состояния при некорректном входе.
	ErrValidation = errors.New("validation error")
	// ErrUnknownEvent возвращается для события, неизвестного машине состояний.
	ErrUnknownEvent = errors.New("unknown event")
)

// Event описывает внешний триггер перехода жизненного цикла.
type Event string

const (
	EventConfirm     Event = "confirm"
	EventStartWork   Event = "startWork"
	EventUploadVideo Event = "uploadVideo"
	EventApprove     Event = "approve"
	EventDecline     Event = "decline"
	EventCancel      Event = "cancel"
	EventTimeout     Event = "timeout"
)

// Payload содержит данные события: адрес видео для uploadVideo,
// причину для decline. Для остальных событий пустой.
type Payload struct {
	VideoURL string
	Reason   string
}

// allowedFrom задаёт множества состояний, из которых допустимо каждое событие.
// cancel и timeout проверяются отдельно: они допустимы из любого нетерминального
// (cancel) либо любого (timeout) состояния.
var allowedFrom = map[Event][]model.FulfillmentStatus{
	EventConfirm:     {model.OrderStatusPending},
	EventStartWork:   {model.OrderStatusConfirmed},
	EventUploadVideo: {model.OrderStatusInProgress, model.OrderStatusRevisionRequested},
	EventApprove:     {model.OrderStatusPendingApproval},
	EventDecline:     {model.OrderStatusPendingApproval},
}

// Machine применяет события жизненного цикла к снимку заказа.
type Machine struct {
	schedule    fees.Schedule
	deliverySLA time.Duration
	approvalSLA time.Duration
}

// NewMachine создаёт машину состояний с заданными ставками и SLA-окнами.
func NewMachine(schedule fees.Schedule, deliverySLA, approvalSLA time.Duration) *Machine {
	return &Machine{
		schedule:    schedule,
		deliverySLA: deliverySLA,
		approvalSLA: approvalSLA,
	}
}

// Apply валидирует событие и возвращает новый снимок заказа вместе с
// упорядоченным списком намерений. Исходный снимок не изменяется; при любой
// ошибке возвращается нулевой снимок и ни одного намерения.
func (m *Machine) Apply(o model.Order, ev Event, p Payload, now time.Time) (model.Order, []model.Intent, error) {
	switch ev {
	case EventConfirm, EventStartWork, EventUploadVideo, EventApprove, EventDecline:
		if !eventAllowed(ev, o.Status) {
			return model.Order{}, nil, fmt.Errorf("%w: %s from %s", ErrInvalidState, ev, o.Status)
		}
	case EventCancel, EventTimeout:
	default:
		return model.Order{}, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev)
	}

	switch ev {
	case EventConfirm:
		return m.confirm(o, now)
	case EventStartWork:
		return m.startWork(o, now)
	case EventUploadVideo:
		return m.uploadVideo(o, p, now)
	case EventApprove:
		return m.approve(o, now)
	case EventDecline:
		return m.decline(o, p, now)
	case EventCancel:
		return m.cancel(o, now)
	default:
		return m.timeout(o, now)
	}
}

func eventAllowed(ev Event, from model.FulfillmentStatus) bool {
	for _, s := range allowedFrom[ev] {
		if s == from {
			return true
		}
	}
	return false
}

func (m *Machine) confirm(o model.Order, now time.Time) (model.Order, []model.Intent, error) {
	if o.ChargeRef == "" {
		return model.Order{}, nil, fmt.Errorf("%w: payment not captured", ErrInvalidState)
	}

	o.Status = model.OrderStatusConfirmed
	deadline := now.Add(m.deliverySLA)
	o.SLADeadline = &deadline

	intents := []model.Intent{
		model.NotificationIntent{
			Recipient: model.RecipientCelebrity,
			Template:  "booking.new",
			Payload:   orderPayload(o),
		},
	}
	return o, intents, nil
}

func (m *Machine) startWork(o model.Order, now time.Time) (model.Order, []model.Intent, error) {
	o.Status = model.OrderStatusInProgress
	return o, nil, nil
}

func (m *Machine) uploadVideo(o model.Order, p Payload, now time.Time) (model.Order, []model.Intent, error) {
	if p.VideoURL == "" {
		return model.Order{}, nil, fmt.Errorf("%w: empty video url", ErrValidation)
	}

	template := "video.review"
	if o.RevisionCount > 0 {
		template = "video.review.revision"
	}

	o.Status = model.OrderStatusPendingApproval
	o.Approval = model.ApprovalPending
	o.VideoURL = &p.VideoURL
	o.DeliveredAt = &now
	deadline := now.Add(m.approvalSLA)
	o.SLADeadline = &deadline

	intents := []model.Intent{
		model.NotificationIntent{
			Recipient: model.RecipientCustomer,
			Template:  template,
			Payload:   orderPayload(o),
		},
	}
	return o, intents, nil
}

func (m *Machine) approve(o model.Order, now time.Time) (model.Order, []model.Intent, error) {
	if o.Approval != model.ApprovalPending {
		return model.Order{}, nil, fmt.Errorf("%w: approval status is %s", ErrInvalidState, o.Approval)
	}

	payout := m.schedule.Compute(o.Amount, o.TotalTips, o.CelebrityVIP)

	o.Approval = model.ApprovalApproved
	o.Status = model.OrderStatusCompleted
	o.ApprovedAt = &now
	o.PlatformFee = payout.PlatformFee
	o.CelebrityAmount = payout.CelebrityAmount
	o.FeeVersion = m.schedule.Version
	o.TransferStatus = model.TransferStatusPending
	o.SLADeadline = nil

	intents := []model.Intent{
		model.NotificationIntent{
			Recipient: model.RecipientCelebrity,
			Template:  "order.approved",
			Payload:   orderPayload(o),
		},
		model.NotificationIntent{
			Recipient: model.RecipientCustomer,
			Template:  "tips.unlocked",
			Payload:   orderPayload(o),
		},
		model.PayoutIntent{
			Type:        model.TransferTypeBooking,
			Amount:      payout.CelebrityAmount,
			Currency:    o.Currency,
			Destination: o.PayoutAccount,
		},
	}
	if o.TotalTips > 0 {
		intents = append(intents, model.PayoutIntent{
			Type:        model.TransferTypeTip,
			Amount:      o.TotalTips,
			Currency:    o.Currency,
			Destination: o.PayoutAccount,
		})
	}
	return o, intents, nil
}

func (m *Machine) decline(o model.Order, p Payload, now time.Time) (model.Order, []model.Intent, error) {
	if !validation.IsValidDeclineReason(p.Reason) {
		return model.Order{}, nil, fmt.Errorf("%w: decline reason must be 1..%d chars",
			ErrValidation, validation.MaxDeclineReasonLen)
	}
	if err := CanDecline(o); err != nil {
		return model.Order{}, nil, err
	}

	reason := p.Reason
	o.Status = model.OrderStatusRevisionRequested
	o.Approval = model.ApprovalDeclined
	o.VideoURL = nil
	o.DeliveredAt = nil
	o.RevisionCount++
	o.DeclinedAt = &now
	o.DeclineReason = &reason
	deadline := now.Add(m.deliverySLA)
	o.SLADeadline = &deadline

	intents := []model.Intent{
		model.NotificationIntent{
			Recipient: model.RecipientCelebrity,
			Template:  "revision.requested",
			Payload:   declinePayload(o, reason),
		},
		model.NotificationIntent{
			Recipient: model.RecipientCustomer,
			Template:  "decline.confirmed",
			Payload:   declinePayload(o, reason),
		},
	}
	return o, intents, nil
}

func (m *Machine) cancel(o model.Order, now time.Time) (model.Order, []model.Intent, error) {
	if o.Status.Terminal() {
		return model.Order{}, nil, fmt.Errorf("%w: order is %s", ErrInvalidState, o.Status)
	}
	if o.VideoURL != nil || o.DeliveredAt != nil {
		return model.Order{}, nil, fmt.Errorf("%w: video already delivered", ErrInvalidState)
	}

	o.Status = model.OrderStatusCancelled
	o.SLADeadline = nil

	intents := []model.Intent{
		model.NotificationIntent{
			Recipient: model.RecipientCustomer,
			Template:  "order.cancelled",
			Payload:   orderPayload(o),
		},
	}
	if o.ChargeRef != "" {
		intents = append(intents, model.PayoutIntent{
			Type:        model.TransferTypeRefund,
			Amount:      o.Amount,
			Currency:    o.Currency,
			Destination: o.ChargeRef,
		})
	}
	return o, intents, nil
}

// timeout переводит просроченный заказ в FAILED. Повторный вызов для заказа,
// уже покинувшего просроченное состояние, безопасен и не меняет ничего.
func (m *Machine) timeout(o model.Order, now time.Time) (model.Order, []model.Intent, error) {
	if o.Status.Terminal() {
		return o, nil, nil
	}

	o.Status = model.OrderStatusFailed
	o.VideoURL = nil
	o.DeliveredAt = nil
	o.SLADeadline = nil

	intents := []model.Intent{
		model.NotificationIntent{
			Recipient: model.RecipientCustomer,
			Template:  "order.failed",
			Payload:   orderPayload(o),
		},
		model.NotificationIntent{
			Recipient: model.RecipientCelebrity,
			Template:  "order.failed",
			Payload:   orderPayload(o),
		},
	}
	if o.ChargeRef != "" {
		intents = append(intents, model.PayoutIntent{
			Type:        model.TransferTypeRefund,
			Amount:      o.Amount,
			Currency:    o.Currency,
			Destination: o.ChargeRef,
		})
	}
	return o, intents, nil
}

func orderPayload(o model.Order) map[string]string {
	return map[string]string{
		"order":  o.Number,
		"status": string(o.Status),
	}
}

func declinePayload(o model.Order, reason string) map[string]string {
	p := orderPayload(o)
	p["reason"] = reason
	p["revisionsLeft"] = fmt.Sprintf("%d", o.MaxRevisions-o.RevisionCount)
	return p
}
