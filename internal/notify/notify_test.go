package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/starcall-system/internal/model"
)

func TestClientSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/notifications", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Send(context.Background(), model.Notification{
		Recipient: model.RecipientCelebrity,
		Template:  "booking.new",
		Payload:   map[string]string{"orderNumber": "SC-12345678903"},
	})

	require.NoError(t, err)
	assert.Equal(t, "CELEBRITY", got.Recipient)
	assert.Equal(t, "booking.new", got.Template)
	assert.Equal(t, "SC-12345678903", got.Payload["orderNumber"])
}

func TestClientSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Send(context.Background(), model.Notification{Template: "booking.new"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestClientSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Send(context.Background(), model.Notification{Template: "booking.new"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

type outboxStub struct {
	mu            sync.Mutex
	notifications map[int64]*model.Notification
	maxAttempts   int
}

func newOutboxStub(ns ...model.Notification) *outboxStub {
	s := &outboxStub{notifications: make(map[int64]*model.Notification)}
	for i := range ns {
		n := ns[i]
		s.notifications[n.ID] = &n
	}
	return s
}

func (s *outboxStub) get(id int64) model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.notifications[id]
}

func (s *outboxStub) GetPendingNotifications(context.Context, int) ([]model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Notification
	for _, n := range s.notifications {
		if n.Status == model.NotificationStatusPending {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (s *outboxStub) MarkNotificationSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := s.notifications[id]
	n.Status = model.NotificationStatusSent
	n.SentAt = &now
	return nil
}

func (s *outboxStub) MarkNotificationFailed(_ context.Context, id int64, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxAttempts = maxAttempts
	n := s.notifications[id]
	n.Attempts++
	if n.Attempts >= maxAttempts {
		n.Status = model.NotificationStatusFailed
	}
	return nil
}

type senderFunc func(ctx context.Context, n model.Notification) error

func (f senderFunc) Send(ctx context.Context, n model.Notification) error { return f(ctx, n) }

func pendingNotification(id int64, template string) model.Notification {
	return model.Notification{
		ID:        id,
		OrderID:   1,
		Recipient: model.RecipientCustomer,
		Template:  template,
		Status:    model.NotificationStatusPending,
	}
}

func TestWorkerSendsPending(t *testing.T) {
	repo := newOutboxStub(
		pendingNotification(1, "video.review"),
		pendingNotification(2, "order.failed"),
	)
	var sent []string
	var mu sync.Mutex
	w := NewWorker(repo, senderFunc(func(_ context.Context, n model.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, n.Template)
		return nil
	}), zap.NewNop(), time.Minute)

	w.processBatch(context.Background())

	assert.Len(t, sent, 2)
	assert.Equal(t, model.NotificationStatusSent, repo.get(1).Status)
	assert.Equal(t, model.NotificationStatusSent, repo.get(2).Status)
	require.NotNil(t, repo.get(1).SentAt)
}

func TestWorkerRetriesUntilExhausted(t *testing.T) {
	repo := newOutboxStub(pendingNotification(1, "video.review"))
	w := NewWorker(repo, senderFunc(func(context.Context, model.Notification) error {
		return fmt.Errorf("notifier status 503")
	}), zap.NewNop(), time.Minute)

	for i := 0; i < maxDeliveryAttempts; i++ {
		assert.Equal(t, model.NotificationStatusPending, repo.get(1).Status)
		w.processBatch(context.Background())
	}

	got := repo.get(1)
	assert.Equal(t, model.NotificationStatusFailed, got.Status)
	assert.Equal(t, maxDeliveryAttempts, got.Attempts)

	// Исчерпанное уведомление больше не отправляется.
	w.processBatch(context.Background())
	assert.Equal(t, maxDeliveryAttempts, repo.get(1).Attempts)
}

func TestWorkerSendFailureDoesNotBlockOthers(t *testing.T) {
	repo := newOutboxStub(
		pendingNotification(1, "video.review"),
		pendingNotification(2, "booking.new"),
	)
	w := NewWorker(repo, senderFunc(func(_ context.Context, n model.Notification) error {
		if n.Template == "video.review" {
			return errors.New("notifier status 500")
		}
		return nil
	}), zap.NewNop(), time.Minute)

	w.processBatch(context.Background())

	assert.Equal(t, model.NotificationStatusPending, repo.get(1).Status)
	assert.Equal(t, 1, repo.get(1).Attempts)
	assert.Equal(t, model.NotificationStatusSent, repo.get(2).Status)
}
