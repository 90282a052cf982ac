// Package reststore реализует хранилище счетов и платежей поверх REST API
// удалённого сервиса журнала. Семантика повторяет постгрес-реализацию;
// состояние счёта кодируется статусами HTTP.
package reststore

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

	"github.com/panagiotiskrb/coinledger-system/internal/ledger"
	"github.com/panagiotiskrb/coinledger-system/internal/model"
	"github.com/panagiotiskrb/coinledger-system/internal/payment"
)

// errConflict означает, что создаваемая запись уже существует.
var errConflict = errors.New("record already exists")

// Client инкапсулирует HTTP-взаимодействие с удалённым сервисом журнала.
// Сетевые сбои и 5xx ретраятся клиентом; статусы состояния счёта (402, 404,
// 409, 410) ретраям не подлежат и транслируются в ошибки уровня счёта.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент удалённого хранилища по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:    base,
		httpClient: rc,
	}
}

// Close завершает работу клиента. Соединений, требующих закрытия, нет.
func (c *Client) Close() error {
	c.httpClient.HTTPClient.CloseIdleConnections()
	return nil
}

type accountPayload struct {
	UserID         int64      `json:"user_id"`
	Balance        int64      `json:"balance"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IsAdmin        bool       `json:"is_admin"`
	TotalPurchased int64      `json:"total_purchased"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type entryPayload struct {
	ID           int64     `json:"id,omitempty"`
	UserID       int64     `json:"user_id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Description  string    `json:"description,omitempty"`
	ExternalRef  *string   `json:"external_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type paymentPayload struct {
	SessionID   string     `json:"session_id"`
	UserID      int64      `json:"user_id"`
	AmountCents int64      `json:"amount_cents"`
	Coins       int64      `json:"coins"`
	Status      string     `json:"status"`
	Reference   *string    `json:"reference,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toEntryPayload(entry model.TransactionEntry) entryPayload {
	return entryPayload{
		UserID:       entry.UserID,
		Type:         string(entry.Type),
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter,
		Description:  entry.Description,
		ExternalRef:  entry.ExternalRef,
	}
}

func fromEntryPayload(p entryPayload) model.TransactionEntry {
	return model.TransactionEntry{
		ID:           p.ID,
		UserID:       p.UserID,
		Type:         model.TransactionType(p.Type),
		Amount:       p.Amount,
		BalanceAfter: p.BalanceAfter,
		Description:  p.Description,
		ExternalRef:  p.ExternalRef,
		CreatedAt:    p.CreatedAt,
	}
}

func fromPaymentPayload(p paymentPayload) *model.PaymentRecord {
	return &model.PaymentRecord{
		SessionID:   p.SessionID,
		UserID:      p.UserID,
		AmountCents: p.AmountCents,
		Coins:       p.Coins,
		Status:      model.PaymentStatus(p.Status),
		Reference:   p.Reference,
		CreatedAt:   p.CreatedAt,
		CompletedAt: p.CompletedAt,
	}
}

// do выполняет запрос с JSON-телом и декодирует ответ в out, если статус
// совпал с wantStatus. Прочие статусы транслируются через statusErr.
func (c *Client) do(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return statusErr(resp.StatusCode, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// statusErr отображает статусы HTTP в ошибки уровня счёта и платежа.
func statusErr(status int, path string) error {
	switch status {
	case http.StatusPaymentRequired:
		return ledger.ErrInsufficientFunds
	case http.StatusGone:
		return ledger.ErrExpired
	case http.StatusNotFound:
		if strings.Contains(path, "/payments/") {
			return payment.ErrPaymentNotFound
		}
		return ledger.ErrAccountNotFound
	case http.StatusConflict:
		if strings.HasPrefix(path, "/api/payments") {
			return payment.ErrPaymentExists
		}
		return errConflict
	default:
		return fmt.Errorf("unexpected status %d for %s", status, path)
	}
}

// GetAccount возвращает счёт пользователя.
func (c *Client) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	var p accountPayload
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/accounts/%d", userID), nil, &p, http.StatusOK)
	if err != nil {
		return nil, err
	}

	return &model.Account{
		UserID:         p.UserID,
		Balance:        p.Balance,
		ExpiresAt:      p.ExpiresAt,
		IsAdmin:        p.IsAdmin,
		TotalPurchased: p.TotalPurchased,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}, nil
}

// CreateAccount создаёт счёт с начальным балансом. Существующий счёт не
// изменяется: сервис отвечает 409, клиент возвращает false.
func (c *Client) CreateAccount(ctx context.Context, userID, balance int64, expiresAt time.Time, entry model.TransactionEntry) (bool, error) {
	body := struct {
		UserID    int64        `json:"user_id"`
		Balance   int64        `json:"balance"`
		ExpiresAt time.Time    `json:"expires_at"`
		Entry     entryPayload `json:"entry"`
	}{
		UserID:    userID,
		Balance:   balance,
		ExpiresAt: expiresAt,
		Entry:     toEntryPayload(entry),
	}

	err := c.do(ctx, http.MethodPost, "/api/accounts", body, nil, http.StatusCreated)
	if err != nil {
		if errors.Is(err, errConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// Debit атомарно списывает монеты на стороне сервиса.
func (c *Client) Debit(ctx context.Context, userID, amount int64, entry model.TransactionEntry) (int64, error) {
	body := struct {
		Amount int64        `json:"amount"`
		Entry  entryPayload `json:"entry"`
	}{Amount: amount, Entry: toEntryPayload(entry)}

	var resp balanceResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/accounts/%d/debit", userID), body, &resp, http.StatusOK)
	if err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Credit атомарно начисляет монеты на стороне сервиса.
func (c *Client) Credit(ctx context.Context, userID, amount int64, newExpiry *time.Time, entry model.TransactionEntry) (int64, error) {
	body := struct {
		Amount    int64        `json:"amount"`
		NewExpiry *time.Time   `json:"new_expiry,omitempty"`
		Entry     entryPayload `json:"entry"`
	}{Amount: amount, NewExpiry: newExpiry, Entry: toEntryPayload(entry)}

	var resp balanceResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/accounts/%d/credit", userID), body, &resp, http.StatusOK)
	if err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// AppendEntry добавляет запись журнала без изменения баланса.
func (c *Client) AppendEntry(ctx context.Context, entry model.TransactionEntry) error {
	return c.do(ctx, http.MethodPost, "/api/transactions", toEntryPayload(entry), nil, http.StatusCreated)
}

// Transactions возвращает последние записи журнала, новые первыми.
func (c *Client) Transactions(ctx context.Context, userID int64, limit int) ([]model.TransactionEntry, error) {
	var payloads []entryPayload
	path := fmt.Sprintf("/api/accounts/%d/transactions?limit=%d", userID, limit)
	err := c.do(ctx, http.MethodGet, path, nil, &payloads, http.StatusOK)
	if err != nil {
		return nil, err
	}

	entries := make([]model.TransactionEntry, 0, len(payloads))
	for _, p := range payloads {
		entries = append(entries, fromEntryPayload(p))
	}
	return entries, nil
}

// SetAdmin выставляет административный флаг счёта.
func (c *Client) SetAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	body := struct {
		IsAdmin bool `json:"is_admin"`
	}{IsAdmin: isAdmin}

	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/accounts/%d/admin", userID), body, nil, http.StatusOK)
}

// CreatePayment создаёт pending-запись платежа. Повторная сессия — 409.
func (c *Client) CreatePayment(ctx context.Context, rec model.PaymentRecord) error {
	body := paymentPayload{
		SessionID:   rec.SessionID,
		UserID:      rec.UserID,
		AmountCents: rec.AmountCents,
		Coins:       rec.Coins,
	}
	return c.do(ctx, http.MethodPost, "/api/payments", body, nil, http.StatusCreated)
}

// GetPayment возвращает платёжную запись по идентификатору сессии.
func (c *Client) GetPayment(ctx context.Context, sessionID string) (*model.PaymentRecord, error) {
	var p paymentPayload
	err := c.do(ctx, http.MethodGet, "/api/payments/"+sessionID, nil, &p, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return fromPaymentPayload(p), nil
}

type transitionResponse struct {
	Payment        paymentPayload `json:"payment"`
	PreviousStatus string         `json:"previous_status"`
}

// CompletePayment атомарно переводит платёж из pending в completed на стороне
// сервиса и возвращает статус до перехода.
func (c *Client) CompletePayment(ctx context.Context, sessionID, reference string) (*model.PaymentRecord, model.PaymentStatus, error) {
	body := struct {
		Reference string `json:"reference"`
	}{Reference: reference}

	var resp transitionResponse
	err := c.do(ctx, http.MethodPost, "/api/payments/"+sessionID+"/complete", body, &resp, http.StatusOK)
	if err != nil {
		return nil, "", err
	}
	return fromPaymentPayload(resp.Payment), model.PaymentStatus(resp.PreviousStatus), nil
}

// FailPayment атомарно переводит платёж из pending в failed и возвращает
// статус до перехода.
func (c *Client) FailPayment(ctx context.Context, sessionID string) (model.PaymentStatus, error) {
	var resp transitionResponse
	err := c.do(ctx, http.MethodPost, "/api/payments/"+sessionID+"/fail", nil, &resp, http.StatusOK)
	if err != nil {
		return "", err
	}
	return model.PaymentStatus(resp.PreviousStatus), nil
}
