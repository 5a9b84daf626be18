// Package payment предоставляет клиент платёжного провайдера: создание
// переводов на счёт исполнителя, списания с карты и чтение баланса платформы.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrTransient помечает временные ошибки провайдера: вызов можно повторить.
var (
	ErrTransient = errors.New("transient payment processor error")
	// ErrPermanent помечает окончательные отказы (невалидный счёт, комплаенс);
	// такие вызовы не ретраятся.
	ErrPermanent = errors.New("permanent payment processor error")
)

// TransferRef описывает перевод на стороне провайдера.
type TransferRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Статусы перевода на стороне провайдера.
const (
	ProcessorStatusInTransit = "in_transit"
	ProcessorStatusPaid      = "paid"
	ProcessorStatusFailed    = "failed"
)

// ChargeRef описывает успешное списание с карты.
type ChargeRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжным провайдером.
// Сетевые сбои на уровне одного запроса ретраит retryablehttp; политику
// повторов на уровне перевода реализует диспетчер выплат.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент провайдера по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

type createTransferRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// CreateTransfer создаёт перевод средств. Ключ идемпотентности передаётся
// заголовком: повтор с тем же ключом не порождает второй перевод.
func (c *Client) CreateTransfer(ctx context.Context, destination string, amount int64, currency, idempotencyKey string) (*TransferRef, error) {
	var ref TransferRef
	err := c.post(ctx, "/api/transfers", idempotencyKey, createTransferRequest{
		Destination: destination,
		Amount:      amount,
		Currency:    currency,
	}, &ref)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

type chargeCardRequest struct {
	CustomerRef string `json:"customer_ref"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

// ChargeCard списывает средства с карты заказчика (оплата чаевых).
func (c *Client) ChargeCard(ctx context.Context, customerRef string, amount int64, currency, description string) (*ChargeRef, error) {
	var ref ChargeRef
	err := c.post(ctx, "/api/charges", "", chargeCardRequest{
		CustomerRef: customerRef,
		Amount:      amount,
		Currency:    currency,
		Description: description,
	}, &ref)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// GetTransfer возвращает текущий статус перевода у провайдера.
func (c *Client) GetTransfer(ctx context.Context, transferRef string) (*TransferRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/transfers/"+transferRef, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var ref TransferRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &ref, nil
}

type balanceResponse struct {
	Available int64 `json:"available"`
}

// GetBalance возвращает доступный баланс платформы у провайдера в минорных единицах.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/balance", nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return 0, err
	}

	var b balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return b.Available, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("%w: payment client not configured", ErrPermanent)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyStatus делит ответы провайдера на временные и постоянные ошибки:
// 5xx и 429 можно повторять, прочие не-2xx окончательны.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, code)
	default:
		return fmt.Errorf("%w: status %d", ErrPermanent, code)
	}
}
