// Package gate собирает шлюз квоты и журнал счетов в конвейер платной
// команды: валидация -> авторизация -> цена -> списание -> вызов -> лог.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/panagiotiskrb/coinledger-system/internal/admission"
	"github.com/panagiotiskrb/coinledger-system/internal/ledger"
	"github.com/panagiotiskrb/coinledger-system/internal/model"
	"github.com/panagiotiskrb/coinledger-system/internal/validation"
)

// State — терминальное состояние выполнения команды.
type State string

const (
	StateCompleted      State = "completed"
	StateRejected       State = "rejected"
	StateFailedNoRefund State = "failed_no_refund"
	StateFailedRefunded State = "failed_refunded"
)

// RejectReason — структурированная причина отклонения команды.
type RejectReason string

const (
	ReasonValidation        RejectReason = "validation"
	ReasonThrottled         RejectReason = "throttled"
	ReasonExpired           RejectReason = "expired"
	ReasonInsufficientFunds RejectReason = "insufficient_funds"
)

// Command описывает платную команду: имя, стоимость и требование цели.
type Command struct {
	Name           string
	Cost           int64
	RequiresTarget bool
}

// Request — входящий запрос на выполнение команды.
type Request struct {
	UserID  int64
	Command string
	Target  string
}

// Result — итог прохождения конвейера.
type Result struct {
	State  State
	Reason RejectReason
	// Wait заполняется при отклонении по квоте: рекомендованное ожидание.
	Wait time.Duration
	Cost int64
}

// Gate выполняет конвейер платной команды. Административный обход
// применяется здесь ровно один раз: до квоты и до проверок баланса.
type Gate struct {
	ledger    *ledger.Service
	admission *admission.Controller
	logger    *zap.Logger

	// refundOnFailure включает компенсирующее начисление, если действие
	// упало после списания. По умолчанию выключено: монеты не возвращаются.
	refundOnFailure bool

	commands map[string]Command
}

// NewGate создаёт шлюз команд со стандартным прейскурантом.
func NewGate(ledgerSvc *ledger.Service, adm *admission.Controller, logger *zap.Logger, refundOnFailure bool) *Gate {
	commands := make(map[string]Command, len(commandCosts))
	for name, cost := range commandCosts {
		commands[name] = Command{Name: name, Cost: cost, RequiresTarget: true}
	}

	return &Gate{
		ledger:          ledgerSvc,
		admission:       adm,
		logger:          logger,
		refundOnFailure: refundOnFailure,
		commands:        commands,
	}
}

// Register добавляет или переопределяет команду в прейскуранте шлюза.
func (g *Gate) Register(cmd Command) {
	g.commands[cmd.Name] = cmd
}

// Action — обёрнутое действие команды: вызов внешнего API и формирование
// ответа. Списанные монеты к моменту вызова уже удержаны.
type Action func(ctx context.Context) error

// Run проводит запрос через конвейер. Отклонения возвращаются как Result
// со структурированной причиной; ошибкой считается только сбой хранилища
// или отмена контекста.
func (g *Gate) Run(ctx context.Context, req Request, action Action) (Result, error) {
	cmd, ok := g.commands[req.Command]
	if !ok {
		return Result{State: StateRejected, Reason: ReasonValidation}, nil
	}
	if cmd.RequiresTarget && !validation.IsValidTarget(req.Target) {
		return Result{State: StateRejected, Reason: ReasonValidation}, nil
	}

	snap, err := g.ledger.GetBalance(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("get balance: %w", err)
	}

	// Админы минуют и квоту, и списание.
	if snap.Admin {
		return g.invoke(ctx, req, cmd, true, action)
	}

	if err := g.admission.Acquire(ctx); err != nil {
		var throttled *admission.ThrottledError
		if errors.As(err, &throttled) {
			return Result{State: StateRejected, Reason: ReasonThrottled, Wait: throttled.Wait, Cost: cmd.Cost}, nil
		}
		return Result{}, err
	}

	if snap.Expired {
		return Result{State: StateRejected, Reason: ReasonExpired, Cost: cmd.Cost}, nil
	}
	if snap.Balance < cmd.Cost {
		return Result{State: StateRejected, Reason: ReasonInsufficientFunds, Cost: cmd.Cost}, nil
	}

	if cmd.Cost > 0 {
		err := g.ledger.Debit(ctx, req.UserID, cmd.Cost, fmt.Sprintf("Used /%s on %s", cmd.Name, req.Target))
		if err != nil {
			// Снимок мог устареть: параллельная команда успела списать раньше.
			switch {
			case errors.Is(err, ledger.ErrInsufficientFunds):
				return Result{State: StateRejected, Reason: ReasonInsufficientFunds, Cost: cmd.Cost}, nil
			case errors.Is(err, ledger.ErrExpired):
				return Result{State: StateRejected, Reason: ReasonExpired, Cost: cmd.Cost}, nil
			}
			return Result{}, fmt.Errorf("debit: %w", err)
		}
	}

	return g.invoke(ctx, req, cmd, false, action)
}

func (g *Gate) invoke(ctx context.Context, req Request, cmd Command, admin bool, action Action) (Result, error) {
	id := fmt.Sprintf("%d_%d", req.UserID, time.Now().UnixNano())
	g.admission.StartCommand(id, req.UserID, cmd.Name)
	defer g.admission.FinishCommand(id)

	err := action(ctx)
	if err == nil {
		g.logger.Info("command completed",
			zap.String("command", cmd.Name),
			zap.Int64("userID", req.UserID),
			zap.Int64("cost", cmd.Cost),
			zap.Bool("admin", admin))
		return Result{State: StateCompleted, Cost: cmd.Cost}, nil
	}

	state := StateFailedNoRefund
	if g.refundOnFailure && !admin && cmd.Cost > 0 {
		creditErr := g.ledger.Credit(ctx, req.UserID, cmd.Cost, model.TxTypeAdminAdd,
			fmt.Sprintf("Refund for failed /%s", cmd.Name), false, "")
		if creditErr != nil {
			g.logger.Error("refund failed",
				zap.Int64("userID", req.UserID),
				zap.Int64("cost", cmd.Cost),
				zap.Error(creditErr))
		} else {
			state = StateFailedRefunded
		}
	}

	g.logger.Warn("command failed after debit",
		zap.String("command", cmd.Name),
		zap.Int64("userID", req.UserID),
		zap.Int64("cost", cmd.Cost),
		zap.String("state", string(state)),
		zap.Error(err))
	return Result{State: state, Cost: cmd.Cost}, nil
}
