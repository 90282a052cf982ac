package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/panagiotiskrb/coinledger-system/internal/ledger"
	"github.com/panagiotiskrb/coinledger-system/internal/model"
)

var (
	// ErrPaymentExists возвращается при попытке создать платёж с уже существующей сессией.
	ErrPaymentExists = errors.New("payment already exists")
	// ErrPaymentNotFound возвращается, если платёжная запись не найдена.
	ErrPaymentNotFound = errors.New("payment not found")
)

// Store описывает контракт хранилища платежей, используемый реконсилятором.
// Переходы статуса атомарны: CompletePayment и FailPayment меняют только
// pending-записи и сообщают статус до перехода, что и делает обработку
// повторно доставленных событий идемпотентной.
type Store interface {
	CreatePayment(ctx context.Context, rec model.PaymentRecord) error
	GetPayment(ctx context.Context, sessionID string) (*model.PaymentRecord, error)
	CompletePayment(ctx context.Context, sessionID, reference string) (*model.PaymentRecord, model.PaymentStatus, error)
	FailPayment(ctx context.Context, sessionID string) (model.PaymentStatus, error)
}

// Reconciler применяет внешние платёжные события к журналу счетов ровно
// один раз, сколько бы раз они ни были доставлены.
type Reconciler struct {
	store  Store
	ledger *ledger.Service
	logger *zap.Logger
}

// NewReconciler создаёт реконсилятор платежей.
func NewReconciler(store Store, ledgerSvc *ledger.Service, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		ledger: ledgerSvc,
		logger: logger,
	}
}

// RecordPayment создаёт pending-запись при инициировании покупки.
func (r *Reconciler) RecordPayment(ctx context.Context, sessionID string, userID, amountCents, coins int64) error {
	if sessionID == "" {
		return fmt.Errorf("session id must not be empty")
	}
	if coins <= 0 {
		return fmt.Errorf("coins must be positive")
	}

	err := r.store.CreatePayment(ctx, model.PaymentRecord{
		SessionID:   sessionID,
		UserID:      userID,
		AmountCents: amountCents,
		Coins:       coins,
	})
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// CompletePayment завершает платёж и начисляет монеты с продлением срока
// действия. Возвращает true, если начисление произошло. Повторное событие
// завершения, как и завершение по уже неудавшемуся платежу, — no-op.
func (r *Reconciler) CompletePayment(ctx context.Context, sessionID, reference string) (bool, error) {
	rec, prev, err := r.store.CompletePayment(ctx, sessionID, reference)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}

	switch prev {
	case model.PaymentStatusCompleted:
		r.logger.Info("duplicate payment completion ignored",
			zap.String("session", sessionID))
		return false, nil
	case model.PaymentStatusFailed:
		r.logger.Warn("completion event for failed payment ignored",
			zap.String("session", sessionID))
		return false, nil
	}

	// Запись уже помечена завершённой, поэтому повторная доставка события
	// начисление не повторит. Ошибку хранилища при начислении ретраим на
	// месте: терять её нельзя.
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.ledger.Credit(ctx, rec.UserID, rec.Coins, model.TxTypePurchase,
			fmt.Sprintf("Purchased %d coins", rec.Coins), true, reference)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("credit purchase: %w", err)
	}

	r.logger.Info("payment completed",
		zap.String("session", sessionID),
		zap.Int64("userID", rec.UserID),
		zap.Int64("coins", rec.Coins))
	return true, nil
}

// FailPayment помечает платёж неудавшимся. Событие отказа по завершённому
// платежу игнорируется: переход статуса происходит ровно один раз.
func (r *Reconciler) FailPayment(ctx context.Context, sessionID string) error {
	prev, err := r.store.FailPayment(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}

	switch prev {
	case model.PaymentStatusCompleted:
		r.logger.Warn("failure event for completed payment ignored",
			zap.String("session", sessionID))
	case model.PaymentStatusFailed:
		r.logger.Info("duplicate payment failure ignored",
			zap.String("session", sessionID))
	default:
		r.logger.Info("payment failed", zap.String("session", sessionID))
	}
	return nil
}

// HandleEvent применяет одно входящее событие жизненного цикла платежа.
func (r *Reconciler) HandleEvent(ctx context.Context, ev model.PaymentEvent) error {
	switch ev.Status {
	case model.PaymentStatusCompleted:
		_, err := r.CompletePayment(ctx, ev.SessionID, ev.Reference)
		return err
	case model.PaymentStatusFailed:
		return r.FailPayment(ctx, ev.SessionID)
	default:
		return fmt.Errorf("unknown payment event status: %s", ev.Status)
	}
}

// Run читает события из канала до отмены контекста. Ошибки хранилища
// ретраятся с бэкоффом: обработка идемпотентна. События по неизвестным
// сессиям не ретраятся, а логируются и отбрасываются.
func (r *Reconciler) Run(ctx context.Context, events <-chan model.PaymentEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			backoff := retry.WithMaxRetries(5, retry.NewFibonacci(time.Second))
			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				err := r.HandleEvent(ctx, ev)
				if err != nil && !errors.Is(err, ErrPaymentNotFound) {
					return retry.RetryableError(err)
				}
				return err
			})
			if err != nil {
				r.logger.Error("payment event not applied",
					zap.String("session", ev.SessionID),
					zap.String("status", string(ev.Status)),
					zap.Error(err))
			}
		}
	}
}
