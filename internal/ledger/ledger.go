// Package ledger реализует семантику счётов: баланс, срок действия монет,
// административный обход и атомарные списания и начисления.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panagiotiskrb/coinledger-system/internal/model"
)

// Ошибки уровня счёта. Любая другая ошибка из Store трактуется как ошибка
// хранилища: она не связана с состоянием счёта, и повтор операции может помочь.
var (
	// ErrInsufficientFunds возвращается при попытке списать больше, чем есть на счёте.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrExpired возвращается при операции над счётом с истёкшим сроком действия монет.
	ErrExpired = errors.New("coins expired")
	// ErrAccountNotFound возвращается хранилищем, если счёт не существует.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidAmount возвращается для нулевых и отрицательных сумм.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Store описывает контракт хранилища счетов, используемый сервисом.
// Реализации обязаны линеаризовать мутации одного счёта: два конкурентных
// списания не могут оба увидеть достаточный баланс. Мутации разных счетов
// не конкурируют между собой.
type Store interface {
	Close() error

	GetAccount(ctx context.Context, userID int64) (*model.Account, error)

	// CreateAccount создаёт счёт с начальным балансом и записью журнала,
	// атомарно. Если счёт уже существует — ничего не делает и возвращает false.
	CreateAccount(ctx context.Context, userID, balance int64, expiresAt time.Time, entry model.TransactionEntry) (bool, error)

	// Debit атомарно уменьшает баланс и добавляет запись журнала.
	// Возвращает баланс после списания. Для истёкшего счёта возвращает
	// ErrExpired, при нехватке средств — ErrInsufficientFunds; в обоих
	// случаях ни баланс, ни журнал не изменяются.
	Debit(ctx context.Context, userID, amount int64, entry model.TransactionEntry) (int64, error)

	// Credit атомарно увеличивает баланс и добавляет запись журнала.
	// Отсутствующий счёт создаётся. Устаревший баланс истёкшего счёта
	// обнуляется перед начислением. Если newExpiry задан, срок действия
	// устанавливается в него. Записи типа purchase увеличивают total_purchased.
	Credit(ctx context.Context, userID, amount int64, newExpiry *time.Time, entry model.TransactionEntry) (int64, error)

	// AppendEntry добавляет запись журнала без изменения баланса.
	// Используется для аудита операций административных аккаунтов.
	AppendEntry(ctx context.Context, entry model.TransactionEntry) error

	// Transactions возвращает последние записи журнала, новые первыми.
	Transactions(ctx context.Context, userID int64, limit int) ([]model.TransactionEntry, error)

	SetAdmin(ctx context.Context, userID int64, isAdmin bool) error
}

// Service реализует операции над счетами поверх Store.
type Service struct {
	store        Store
	signupBonus  int64
	expiryWindow time.Duration
}

// NewService создаёт сервис счётов с заданным бонусом регистрации и окном
// действия монет.
func NewService(store Store, signupBonus int64, expiryWindow time.Duration) *Service {
	return &Service{
		store:        store,
		signupBonus:  signupBonus,
		expiryWindow: expiryWindow,
	}
}

// Register создаёт счёт при первом обращении пользователя: начальный бонус
// и окно действия монет от текущего момента. Повторные вызовы ничего не
// меняют и возвращают false.
func (s *Service) Register(ctx context.Context, userID int64) (bool, error) {
	expiresAt := time.Now().Add(s.expiryWindow)

	created, err := s.store.CreateAccount(ctx, userID, s.signupBonus, expiresAt, model.TransactionEntry{
		UserID:      userID,
		Type:        model.TxTypeSignupBonus,
		Amount:      s.signupBonus,
		Description: "Welcome bonus coins",
	})
	if err != nil {
		return false, fmt.Errorf("create account: %w", err)
	}
	return created, nil
}

// GetBalance возвращает вычисленное состояние счёта. Для админов всегда
// сентинел безлимитного баланса. Для истёкших счетов — нулевой баланс без
// изменения хранимого значения (ленивое истечение). Отсутствующий счёт —
// не ошибка: возвращается пустое состояние.
func (s *Service) GetBalance(ctx context.Context, userID int64) (model.BalanceSnapshot, error) {
	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return model.BalanceSnapshot{}, nil
		}
		return model.BalanceSnapshot{}, fmt.Errorf("get account: %w", err)
	}

	return snapshot(acc), nil
}

// snapshot — единственное место, где применяются правила админского обхода
// и ленивого истечения.
func snapshot(acc *model.Account) model.BalanceSnapshot {
	if acc.IsAdmin {
		return model.BalanceSnapshot{Balance: model.UnlimitedBalance, Admin: true}
	}

	if acc.ExpiresAt != nil && time.Now().After(*acc.ExpiresAt) {
		return model.BalanceSnapshot{ExpiresAt: acc.ExpiresAt, Expired: true}
	}

	return model.BalanceSnapshot{Balance: acc.Balance, ExpiresAt: acc.ExpiresAt}
}

// Debit списывает монеты со счёта. Для админов запись аудита добавляется,
// но хранимый баланс не меняется. Отклонённое списание не оставляет следов
// ни в балансе, ни в журнале.
func (s *Service) Debit(ctx context.Context, userID, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("get account: %w", err)
	}

	if acc.IsAdmin {
		err := s.store.AppendEntry(ctx, model.TransactionEntry{
			UserID:       userID,
			Type:         model.TxTypeSpend,
			Amount:       -amount,
			BalanceAfter: model.UnlimitedBalance,
			Description:  reason,
		})
		if err != nil {
			return fmt.Errorf("append admin audit entry: %w", err)
		}
		return nil
	}

	// Проверки срока и баланса повторяются в Store под блокировкой счёта.
	_, err = s.store.Debit(ctx, userID, amount, model.TransactionEntry{
		UserID:      userID,
		Type:        model.TxTypeSpend,
		Amount:      -amount,
		Description: reason,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrExpired) {
			return err
		}
		return fmt.Errorf("debit account: %w", err)
	}
	return nil
}

// Credit начисляет монеты на счёт, создавая его при отсутствии. Для админов
// операция — успешный no-op. При extendExpiry срок действия устанавливается
// в now+window: повторные покупки сбрасывают горизонт, а не складывают его.
func (s *Service) Credit(ctx context.Context, userID, amount int64, txType model.TransactionType, reason string, extendExpiry bool, externalRef string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("get account: %w", err)
	}
	if acc != nil && acc.IsAdmin {
		return nil
	}

	var newExpiry *time.Time
	if extendExpiry {
		e := time.Now().Add(s.expiryWindow)
		newExpiry = &e
	}

	var ref *string
	if externalRef != "" {
		ref = &externalRef
	}

	_, err = s.store.Credit(ctx, userID, amount, newExpiry, model.TransactionEntry{
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Description: reason,
		ExternalRef: ref,
	})
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	return nil
}

// History возвращает последние записи журнала транзакций, новые первыми.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]model.TransactionEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	entries, err := s.store.Transactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}
	return entries, nil
}
