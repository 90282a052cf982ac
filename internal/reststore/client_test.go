package reststore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/panagiotiskrb/coinledger-system/internal/ledger"
	"github.com/panagiotiskrb/coinledger-system/internal/model"
	"github.com/panagiotiskrb/coinledger-system/internal/payment"
)

func TestGetAccount_OK(t *testing.T) {
	expiry := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/accounts/42" {
			t.Fatalf("path = %s, want /api/accounts/42", r.URL.Path)
		}

		resp := accountPayload{
			UserID:         42,
			Balance:        8,
			ExpiresAt:      &expiry,
			TotalPurchased: 55,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	acc, err := client.GetAccount(ctx, 42)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if acc.UserID != 42 || acc.Balance != 8 || acc.TotalPurchased != 55 {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if acc.ExpiresAt == nil || !acc.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiry = %v, want %v", acc.ExpiresAt, expiry)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.GetAccount(context.Background(), 42)
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("error = %v, want ErrAccountNotFound", err)
	}
}

func TestCreateAccount_Conflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	created, err := client.CreateAccount(context.Background(), 42, 10, time.Now().Add(time.Hour), model.TransactionEntry{})
	if err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	if created {
		t.Fatalf("conflict must report the account as pre-existing")
	}
}

func TestDebit_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{
			name:    "insufficient funds",
			status:  http.StatusPaymentRequired,
			wantErr: ledger.ErrInsufficientFunds,
		},
		{
			name:    "expired coins",
			status:  http.StatusGone,
			wantErr: ledger.ErrExpired,
		},
		{
			name:    "missing account",
			status:  http.StatusNotFound,
			wantErr: ledger.ErrAccountNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			client := NewClient(ts.URL)

			_, err := client.Debit(context.Background(), 42, 2, model.TransactionEntry{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDebit_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/accounts/42/debit" {
			t.Fatalf("path = %s, want /api/accounts/42/debit", r.URL.Path)
		}

		var body struct {
			Amount int64        `json:"amount"`
			Entry  entryPayload `json:"entry"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Amount != 2 || body.Entry.Type != "spend" {
			t.Fatalf("unexpected request body: %+v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(balanceResponse{Balance: 8}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	balance, err := client.Debit(context.Background(), 42, 2, model.TransactionEntry{
		UserID: 42,
		Type:   model.TxTypeSpend,
		Amount: -2,
	})
	if err != nil {
		t.Fatalf("Debit error: %v", err)
	}
	if balance != 8 {
		t.Fatalf("balance = %d, want 8", balance)
	}
}

func TestCreatePayment_Duplicate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	err := client.CreatePayment(context.Background(), model.PaymentRecord{SessionID: "sess-1", UserID: 42, Coins: 55})
	if !errors.Is(err, payment.ErrPaymentExists) {
		t.Fatalf("error = %v, want ErrPaymentExists", err)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.GetPayment(context.Background(), "ghost")
	if !errors.Is(err, payment.ErrPaymentNotFound) {
		t.Fatalf("error = %v, want ErrPaymentNotFound", err)
	}
}

func TestCompletePayment_ReturnsPreviousStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/payments/sess-1/complete" {
			t.Fatalf("path = %s, want /api/payments/sess-1/complete", r.URL.Path)
		}

		resp := transitionResponse{
			Payment: paymentPayload{
				SessionID: "sess-1",
				UserID:    42,
				Coins:     55,
				Status:    "completed",
			},
			PreviousStatus: "pending",
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	rec, prev, err := client.CompletePayment(context.Background(), "sess-1", "pi_123")
	if err != nil {
		t.Fatalf("CompletePayment error: %v", err)
	}
	if prev != model.PaymentStatusPending {
		t.Fatalf("previous status = %s, want pending", prev)
	}
	if rec.UserID != 42 || rec.Coins != 55 || rec.Status != model.PaymentStatusCompleted {
		t.Fatalf("unexpected payment record: %+v", rec)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(accountPayload{UserID: 42, Balance: 8}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	acc, err := client.GetAccount(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if acc.Balance != 8 {
		t.Fatalf("balance = %d, want 8", acc.Balance)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
