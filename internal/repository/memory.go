// memory.go — хранилище счетов и платежей в памяти процесса.
// Используется в тестах и при локальном запуске без БД. Контракты те же,
// что у PostgresRepository: мутации одного счёта линеаризуются мьютексом
// счёта, разные счета не конкурируют.
package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panagiotiskrb/coinledger-system/internal/ledger"
	"github.com/panagiotiskrb/coinledger-system/internal/model"
	"github.com/panagiotiskrb/coinledger-system/internal/payment"
)

type memAccount struct {
	mu      sync.Mutex
	acc     model.Account
	entries []model.TransactionEntry
}

// MemoryRepository хранит счета и платежи в памяти процесса.
type MemoryRepository struct {
	mu       sync.Mutex
	accounts map[int64]*memAccount

	paymentsMu sync.Mutex
	payments   map[string]*model.PaymentRecord

	nextEntryID atomic.Int64
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[int64]*memAccount),
		payments: make(map[string]*model.PaymentRecord),
	}
}

// Close ничего не делает: ресурсов нет.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) get(userID int64) (*memAccount, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[userID]
	return a, ok
}

func (r *MemoryRepository) getOrCreate(userID int64) (a *memAccount, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[userID]; ok {
		return a, false
	}
	now := time.Now()
	a = &memAccount{acc: model.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}}
	r.accounts[userID] = a
	return a, true
}

func (r *MemoryRepository) appendEntry(a *memAccount, entry model.TransactionEntry, balanceAfter int64) {
	entry.ID = r.nextEntryID.Add(1)
	entry.BalanceAfter = balanceAfter
	entry.CreatedAt = time.Now()
	a.entries = append(a.entries, entry)
}

// GetAccount возвращает копию счёта пользователя.
func (r *MemoryRepository) GetAccount(_ context.Context, userID int64) (*model.Account, error) {
	a, ok := r.get(userID)
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.acc
	return &acc, nil
}

// CreateAccount создаёт счёт с начальным балансом и записью журнала.
// Счёт публикуется в карту уже полностью инициализированным: конкурентное
// начисление на тот же новый счёт не может встать между публикацией и
// записью стартового баланса.
func (r *MemoryRepository) CreateAccount(_ context.Context, userID, balance int64, expiresAt time.Time, entry model.TransactionEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[userID]; ok {
		return false, nil
	}

	now := time.Now()
	a := &memAccount{acc: model.Account{
		UserID:    userID,
		Balance:   balance,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	r.appendEntry(a, entry, balance)
	r.accounts[userID] = a
	return true, nil
}

// Debit списывает монеты под мьютексом счёта.
func (r *MemoryRepository) Debit(_ context.Context, userID, amount int64, entry model.TransactionEntry) (int64, error) {
	a, ok := r.get(userID)
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.acc.ExpiresAt != nil && time.Now().After(*a.acc.ExpiresAt) {
		return 0, ledger.ErrExpired
	}
	if a.acc.Balance < amount {
		return 0, ledger.ErrInsufficientFunds
	}

	a.acc.Balance -= amount
	a.acc.UpdatedAt = time.Now()
	r.appendEntry(a, entry, a.acc.Balance)
	return a.acc.Balance, nil
}

// Credit начисляет монеты, создавая счёт при отсутствии. Устаревший баланс
// истёкшего счёта обнуляется перед начислением.
func (r *MemoryRepository) Credit(_ context.Context, userID, amount int64, newExpiry *time.Time, entry model.TransactionEntry) (int64, error) {
	a, _ := r.getOrCreate(userID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.acc.ExpiresAt != nil && time.Now().After(*a.acc.ExpiresAt) {
		a.acc.Balance = 0
	}
	a.acc.Balance += amount
	if newExpiry != nil {
		e := *newExpiry
		a.acc.ExpiresAt = &e
	}
	if entry.Type == model.TxTypePurchase {
		a.acc.TotalPurchased += amount
	}
	a.acc.UpdatedAt = time.Now()
	r.appendEntry(a, entry, a.acc.Balance)
	return a.acc.Balance, nil
}

// AppendEntry добавляет запись журнала без изменения баланса.
func (r *MemoryRepository) AppendEntry(_ context.Context, entry model.TransactionEntry) error {
	a, _ := r.getOrCreate(entry.UserID)

	a.mu.Lock()
	defer a.mu.Unlock()
	r.appendEntry(a, entry, entry.BalanceAfter)
	return nil
}

// Transactions возвращает последние записи журнала, новые первыми.
func (r *MemoryRepository) Transactions(_ context.Context, userID int64, limit int) ([]model.TransactionEntry, error) {
	a, ok := r.get(userID)
	if !ok {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.entries)
	if limit > n {
		limit = n
	}
	res := make([]model.TransactionEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		res = append(res, a.entries[i])
	}
	return res, nil
}

// SetAdmin устанавливает админский флаг, создавая счёт при отсутствии.
func (r *MemoryRepository) SetAdmin(_ context.Context, userID int64, isAdmin bool) error {
	a, _ := r.getOrCreate(userID)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.acc.IsAdmin = isAdmin
	a.acc.UpdatedAt = time.Now()
	return nil
}

// CreatePayment создаёт платёжную запись в статусе pending.
func (r *MemoryRepository) CreatePayment(_ context.Context, rec model.PaymentRecord) error {
	r.paymentsMu.Lock()
	defer r.paymentsMu.Unlock()

	if _, ok := r.payments[rec.SessionID]; ok {
		return fmt.Errorf("%w: %s", payment.ErrPaymentExists, rec.SessionID)
	}

	rec.Status = model.PaymentStatusPending
	rec.CreatedAt = time.Now()
	r.payments[rec.SessionID] = &rec
	return nil
}

// GetPayment возвращает копию платёжной записи.
func (r *MemoryRepository) GetPayment(_ context.Context, sessionID string) (*model.PaymentRecord, error) {
	r.paymentsMu.Lock()
	defer r.paymentsMu.Unlock()

	rec, ok := r.payments[sessionID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	cp := *rec
	return &cp, nil
}

// CompletePayment переводит платёж pending -> completed и возвращает запись
// вместе со статусом до перехода.
func (r *MemoryRepository) CompletePayment(_ context.Context, sessionID, reference string) (*model.PaymentRecord, model.PaymentStatus, error) {
	r.paymentsMu.Lock()
	defer r.paymentsMu.Unlock()

	rec, ok := r.payments[sessionID]
	if !ok {
		return nil, "", payment.ErrPaymentNotFound
	}

	prev := rec.Status
	if prev == model.PaymentStatusPending {
		now := time.Now()
		rec.Status = model.PaymentStatusCompleted
		rec.Reference = &reference
		rec.CompletedAt = &now
	}

	cp := *rec
	return &cp, prev, nil
}

// FailPayment переводит платёж pending -> failed и возвращает статус до перехода.
func (r *MemoryRepository) FailPayment(_ context.Context, sessionID string) (model.PaymentStatus, error) {
	r.paymentsMu.Lock()
	defer r.paymentsMu.Unlock()

	rec, ok := r.payments[sessionID]
	if !ok {
		return "", payment.ErrPaymentNotFound
	}

	prev := rec.Status
	if prev == model.PaymentStatusPending {
		rec.Status = model.PaymentStatusFailed
	}
	return prev, nil
}
