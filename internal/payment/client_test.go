package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateTransferSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody createTransferRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transfers" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(TransferRef{ID: "tr_1", Status: ProcessorStatusInTransit})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ref, err := c.CreateTransfer(context.Background(), "acct_1", 160, "USD", "SC-1:BOOKING_PAYOUT:1")
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	if ref.ID != "tr_1" || ref.Status != ProcessorStatusInTransit {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if gotKey != "SC-1:BOOKING_PAYOUT:1" {
		t.Fatalf("idempotency key = %q", gotKey)
	}
	if gotBody.Destination != "acct_1" || gotBody.Amount != 160 {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestCreateTransferPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid destination", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CreateTransfer(context.Background(), "bad", 160, "USD", "k")
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
}

func TestCreateTransferTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CreateTransfer(context.Background(), "acct_1", 160, "USD", "k")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestGetTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transfers/tr_1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(TransferRef{ID: "tr_1", Status: ProcessorStatusPaid})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ref, err := c.GetTransfer(context.Background(), "tr_1")
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if ref.Status != ProcessorStatusPaid {
		t.Fatalf("status = %s", ref.Status)
	}
}

func TestGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(balanceResponse{Available: 123456})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got != 123456 {
		t.Fatalf("balance = %d", got)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := &Client{}
	_, err := c.CreateTransfer(context.Background(), "acct_1", 1, "USD", "k")
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
}
