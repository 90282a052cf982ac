// Package model содержит доменные сущности сервиса coinledger.
package model

import "time"

// UnlimitedBalance — сентинел баланса для административных аккаунтов.
// Реальный баланс админа никогда не изменяется, во все ответы и записи
// аудита подставляется это значение.
const UnlimitedBalance int64 = 999999

// Account представляет счёт пользователя с предоплаченными монетами.
type Account struct {
	UserID         int64
	Balance        int64
	ExpiresAt      *time.Time
	IsAdmin        bool
	TotalPurchased int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BalanceSnapshot — вычисленное на момент чтения состояние счёта.
// Для истёкших счетов Balance равен нулю независимо от хранимого значения.
type BalanceSnapshot struct {
	Balance   int64
	ExpiresAt *time.Time
	Expired   bool
	Admin     bool
}

// TransactionType описывает тип записи в журнале транзакций.
type TransactionType string

const (
	TxTypeSignupBonus TransactionType = "signup_bonus"
	TxTypeSpend       TransactionType = "spend"
	TxTypePurchase    TransactionType = "purchase"
	TxTypeAdminAdd    TransactionType = "admin_add"
	TxTypeAdminDeduct TransactionType = "admin_deduct"
)

// TransactionEntry — одна запись журнала транзакций.
// Amount знаковый: списания отрицательные, начисления положительные.
// BalanceAfter — баланс счёта сразу после мутации, породившей запись.
type TransactionEntry struct {
	ID           int64
	UserID       int64
	Type         TransactionType
	Amount       int64
	BalanceAfter int64
	Description  string
	ExternalRef  *string
	CreatedAt    time.Time
}

// PaymentStatus описывает статус платёжной записи.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentRecord описывает платёж, привязанный к сессии платёжного провайдера.
// Статус переходит из pending в completed либо failed ровно один раз,
// сколько бы раз ни был доставлен внешний вебхук.
type PaymentRecord struct {
	SessionID   string
	UserID      int64
	AmountCents int64
	Coins       int64
	Status      PaymentStatus
	Reference   *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// PaymentEvent — входящее событие жизненного цикла платежа.
// Доставка гарантируется как минимум однократная, возможны дубликаты.
type PaymentEvent struct {
	SessionID string        `json:"session_id"`
	Status    PaymentStatus `json:"status"`
	Reference string        `json:"reference,omitempty"`
}
