// Package handler содержит HTTP-обработчики API движка исполнения заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/starcall-system/internal/lifecycle"
	"github.com/mmeshcher/starcall-system/internal/middleware"
	"github.com/mmeshcher/starcall-system/internal/model"
	"github.com/mmeshcher/starcall-system/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, o model.Order) (*model.Order, error)
	GetOrder(ctx context.Context, number string) (*model.Order, error)
	Transition(ctx context.Context, number string, ev lifecycle.Event, p lifecycle.Payload) (*model.Order, []model.Intent, error)
	RecordTip(ctx context.Context, number string, amount int64, message string) (int64, error)
	SettleTip(ctx context.Context, tipID int64, succeeded bool) (*model.Tip, error)
	GetTips(ctx context.Context, number string) ([]model.Tip, error)
	GetTransfers(ctx context.Context, number string) ([]model.Transfer, error)
	RetryTransfer(ctx context.Context, transferID int64) (*model.Transfer, error)
}

// BalanceProvider возвращает доступный баланс платформы у платёжного провайдера.
type BalanceProvider interface {
	GetBalance(ctx context.Context) (int64, error)
}

// Handler реализует HTTP-обработчики API движка исполнения заказов.
type Handler struct {
	service        Service
	balance        BalanceProvider
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, balance BalanceProvider, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		balance:        balance,
		logger:         logger,
		authMiddleware: auth,
	}
}

type createOrderRequest struct {
	Number        string `json:"number"`
	CustomerID    int64  `json:"customerId"`
	CelebrityID   int64  `json:"celebrityId"`
	CelebrityVIP  bool   `json:"celebrityVip"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	ChargeRef     string `json:"chargeRef"`
	PayoutAccount string `json:"payoutAccount"`
	MaxRevisions  int    `json:"maxRevisions,omitempty"`
}

// CreateOrder регистрирует новый заказ на видеопоздравление.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Currency == "" {
		req.Currency = "USD"
	}

	order, err := h.service.CreateOrder(r.Context(), model.Order{
		Number:        req.Number,
		CustomerID:    req.CustomerID,
		CelebrityID:   req.CelebrityID,
		CelebrityVIP:  req.CelebrityVIP,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ChargeRef:     req.ChargeRef,
		PayoutAccount: req.PayoutAccount,
		MaxRevisions:  req.MaxRevisions,
	})
	if err != nil {
		h.writeError(w, err, "create order", zap.String("order", req.Number))
		return
	}

	h.writeJSON(w, http.StatusCreated, orderToResponse(order))
}

// GetOrder возвращает текущее состояние заказа.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	number := orderNumber(r)

	order, err := h.service.GetOrder(r.Context(), number)
	if err != nil {
		h.writeError(w, err, "get order", zap.String("order", number))
		return
	}

	h.writeJSON(w, http.StatusOK, orderToResponse(order))
}

type transitionRequest struct {
	Event    string `json:"event"`
	VideoURL string `json:"videoUrl,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Transition применяет событие жизненного цикла к заказу.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	number := orderNumber(r)

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, _, err := h.service.Transition(r.Context(), number, lifecycle.Event(req.Event), lifecycle.Payload{
		VideoURL: req.VideoURL,
		Reason:   req.Reason,
	})
	if err != nil {
		h.writeError(w, err, "apply transition",
			zap.String("order", number), zap.String("event", req.Event))
		return
	}

	h.writeJSON(w, http.StatusOK, orderToResponse(order))
}

type tipRequest struct {
	Amount  int64  `json:"amount"`
	Message string `json:"message,omitempty"`
}

type tipCreatedResponse struct {
	ID int64 `json:"id"`
}

// RecordTip регистрирует попытку оплаты чаевых по заказу.
func (h *Handler) RecordTip(w http.ResponseWriter, r *http.Request) {
	number := orderNumber(r)

	var req tipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	tipID, err := h.service.RecordTip(r.Context(), number, req.Amount, req.Message)
	if err != nil {
		h.writeError(w, err, "record tip", zap.String("order", number))
		return
	}

	h.writeJSON(w, http.StatusCreated, tipCreatedResponse{ID: tipID})
}

type settleTipRequest struct {
	Succeeded bool `json:"succeeded"`
}

// SettleTip фиксирует исход платежа по чаевым.
func (h *Handler) SettleTip(w http.ResponseWriter, r *http.Request) {
	tipID, err := pathID(r, "tipID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req settleTipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	tip, err := h.service.SettleTip(r.Context(), tipID, req.Succeeded)
	if err != nil {
		h.writeError(w, err, "settle tip", zap.Int64("tip", tipID))
		return
	}

	h.writeJSON(w, http.StatusOK, tipToResponse(tip))
}

// GetTips возвращает чаевые по заказу.
func (h *Handler) GetTips(w http.ResponseWriter, r *http.Request) {
	number := orderNumber(r)

	tips, err := h.service.GetTips(r.Context(), number)
	if err != nil {
		h.writeError(w, err, "get tips", zap.String("order", number))
		return
	}

	if len(tips) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]tipResponse, 0, len(tips))
	for i := range tips {
		resp = append(resp, tipToResponse(&tips[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetTransfers возвращает переводы по заказу.
func (h *Handler) GetTransfers(w http.ResponseWriter, r *http.Request) {
	number := orderNumber(r)

	transfers, err := h.service.GetTransfers(r.Context(), number)
	if err != nil {
		h.writeError(w, err, "get transfers", zap.String("order", number))
		return
	}

	if len(transfers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transferResponse, 0, len(transfers))
	for i := range transfers {
		resp = append(resp, transferToResponse(&transfers[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RetryTransfer создаёт ручной повтор неуспешного перевода.
func (h *Handler) RetryTransfer(w http.ResponseWriter, r *http.Request) {
	transferID, err := pathID(r, "transferID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	transfer, err := h.service.RetryTransfer(r.Context(), transferID)
	if err != nil {
		h.writeError(w, err, "retry transfer", zap.Int64("transfer", transferID))
		return
	}

	resp := transferToResponse(transfer)
	h.writeJSON(w, http.StatusCreated, resp)
}

type balanceResponse struct {
	Available int64 `json:"available"`
}

// GetBalance возвращает доступный баланс платформы у платёжного провайдера.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	if h.balance == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	available, err := h.balance.GetBalance(r.Context())
	if err != nil {
		h.logger.Error("get balance", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{Available: available})
}

// writeError транслирует доменные ошибки в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var status int
	switch {
	case errors.Is(err, lifecycle.ErrValidation), errors.Is(err, lifecycle.ErrUnknownEvent):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrTipNotFound),
		errors.Is(err, repository.ErrTransferNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, lifecycle.ErrRevisionLimitExceeded),
		errors.Is(err, lifecycle.ErrMissingVideo),
		errors.Is(err, repository.ErrOrderConflict),
		errors.Is(err, repository.ErrDuplicateOrder),
		errors.Is(err, repository.ErrTipSettled),
		errors.Is(err, repository.ErrTransferNotRetryable):
		status = http.StatusConflict
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func orderNumber(r *http.Request) string {
	return pathValue(r, "number")
}

func pathID(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(pathValue(r, key), 10, 64)
}

type orderResponse struct {
	Number          string  `json:"number"`
	Status          string  `json:"status"`
	Approval        string  `json:"approval"`
	Amount          int64   `json:"amount"`
	Currency        string  `json:"currency"`
	RevisionCount   int     `json:"revisionCount"`
	MaxRevisions    int     `json:"maxRevisions"`
	VideoURL        *string `json:"videoUrl,omitempty"`
	DeclineReason   *string `json:"declineReason,omitempty"`
	PlatformFee     int64   `json:"platformFee"`
	CelebrityAmount int64   `json:"celebrityAmount"`
	TotalTips       int64   `json:"totalTips"`
	TransferStatus  string  `json:"transferStatus,omitempty"`
	Version         int64   `json:"version"`
	SLADeadline     *string `json:"slaDeadline,omitempty"`
	CreatedAt       string  `json:"createdAt"`
}

func orderToResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		Number:          o.Number,
		Status:          string(o.Status),
		Approval:        string(o.Approval),
		Amount:          o.Amount,
		Currency:        o.Currency,
		RevisionCount:   o.RevisionCount,
		MaxRevisions:    o.MaxRevisions,
		VideoURL:        o.VideoURL,
		DeclineReason:   o.DeclineReason,
		PlatformFee:     o.PlatformFee,
		CelebrityAmount: o.CelebrityAmount,
		TotalTips:       o.TotalTips,
		TransferStatus:  string(o.TransferStatus),
		Version:         o.Version,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
	if o.SLADeadline != nil {
		deadline := o.SLADeadline.Format(time.RFC3339)
		resp.SLADeadline = &deadline
	}
	return resp
}

type tipResponse struct {
	ID        int64   `json:"id"`
	Amount    int64   `json:"amount"`
	Message   *string `json:"message,omitempty"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"createdAt"`
}

func tipToResponse(t *model.Tip) tipResponse {
	return tipResponse{
		ID:        t.ID,
		Amount:    t.Amount,
		Message:   t.Message,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
	}
}

type transferResponse struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	AttemptSeq  int    `json:"attemptSeq"`
	ExternalRef string `json:"externalRef,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

func transferToResponse(t *model.Transfer) transferResponse {
	resp := transferResponse{
		ID:         t.ID,
		Type:       string(t.Type),
		Amount:     t.Amount,
		Currency:   t.Currency,
		Status:     string(t.Status),
		AttemptSeq: t.AttemptSeq,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
	if t.ExternalRef != nil {
		resp.ExternalRef = *t.ExternalRef
	}
	return resp
}
