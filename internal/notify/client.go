// Package notify доставляет уведомления из outbox-таблицы во внешний
// сервис рассылки. Доставка отделена от переходов заказа: сбой рассылки
// не влияет на состояние заказа и отрабатывается повторами воркера.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/starcall-system/internal/model"
)

// ErrRejected означает, что сервис рассылки окончательно отверг уведомление.
var ErrRejected = errors.New("notification rejected")

// Client отправляет уведомления HTTP-запросом в сервис рассылки.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент сервиса рассылки по указанному адресу.
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

type sendRequest struct {
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Send доставляет одно уведомление. Ответы 4xx (кроме 429) считаются
// окончательным отказом, остальные ошибки — временными.
func (c *Client) Send(ctx context.Context, n model.Notification) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("%w: notifier not configured", ErrRejected)
	}

	data, err := json.Marshal(sendRequest{
		Recipient: string(n.Recipient),
		Template:  n.Template,
		Payload:   n.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notifications", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("notifier status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}
