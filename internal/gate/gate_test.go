package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/panagiotiskrb/coinledger-system/internal/admission"
	"github.com/panagiotiskrb/coinledger-system/internal/ledger"
	"github.com/panagiotiskrb/coinledger-system/internal/model"
	"github.com/panagiotiskrb/coinledger-system/internal/repository"
)

const testWindow = 30 * 24 * time.Hour

type fixture struct {
	gate *Gate
	svc  *ledger.Service
	repo *repository.MemoryRepository
	adm  *admission.Controller
}

func newFixture(t *testing.T, refundOnFailure bool) *fixture {
	t.Helper()

	repo := repository.NewMemoryRepository()
	svc := ledger.NewService(repo, 10, testWindow)
	adm := admission.NewController(100, time.Minute)

	return &fixture{
		gate: NewGate(svc, adm, zap.NewNop(), refundOnFailure),
		svc:  svc,
		repo: repo,
		adm:  adm,
	}
}

func noopAction(context.Context) error { return nil }

func TestRunUnknownCommand(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.gate.Run(context.Background(), Request{UserID: 1, Command: "bogus", Target: "golang"}, noopAction)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateRejected || res.Reason != ReasonValidation {
		t.Fatalf("result = %+v, want validation rejection", res)
	}
}

func TestRunInvalidTarget(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, 1); err != nil {
		t.Fatalf("register error: %v", err)
	}

	invoked := false
	res, err := f.gate.Run(ctx, Request{UserID: 1, Command: "analyze", Target: "bad name!"}, func(context.Context) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateRejected || res.Reason != ReasonValidation {
		t.Fatalf("result = %+v, want validation rejection", res)
	}
	if invoked {
		t.Fatalf("rejected command must not be invoked")
	}

	// Отклонённая команда не списывает монеты.
	snap, _ := f.svc.GetBalance(ctx, 1)
	if snap.Balance != 10 {
		t.Fatalf("balance = %d, want untouched 10", snap.Balance)
	}
}

func TestRunDebitsBeforeInvoke(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, 1); err != nil {
		t.Fatalf("register error: %v", err)
	}

	var observed int64 = -1
	res, err := f.gate.Run(ctx, Request{UserID: 1, Command: "analyze", Target: "golang"}, func(ctx context.Context) error {
		snap, err := f.svc.GetBalance(ctx, 1)
		if err != nil {
			return err
		}
		observed = snap.Balance
		return nil
	})
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s, want completed", res.State)
	}
	if res.Cost != 2 {
		t.Fatalf("cost = %d, want 2", res.Cost)
	}
	if observed != 8 {
		t.Fatalf("balance inside action = %d, want 8: debit happens before invoke", observed)
	}
}

func TestRunInsufficientFunds(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, 1); err != nil {
		t.Fatalf("register error: %v", err)
	}

	invoked := false
	res, err := f.gate.Run(ctx, Request{UserID: 1, Command: "discover", Target: "golang"}, func(context.Context) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateRejected || res.Reason != ReasonInsufficientFunds {
		t.Fatalf("result = %+v, want insufficient funds rejection", res)
	}
	if invoked {
		t.Fatalf("rejected command must not be invoked")
	}
}

func TestRunExpiredAccount(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	if _, err := f.repo.CreateAccount(ctx, 1, 50, expired, model.TransactionEntry{UserID: 1, Type: model.TxTypeSignupBonus, Amount: 50}); err != nil {
		t.Fatalf("create account error: %v", err)
	}

	res, err := f.gate.Run(ctx, Request{UserID: 1, Command: "analyze", Target: "golang"}, noopAction)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateRejected || res.Reason != ReasonExpired {
		t.Fatalf("result = %+v, want expiry rejection", res)
	}
}

func TestRunFreeCommand(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// Бесплатная команда проходит даже без счёта.
	res, err := f.gate.Run(ctx, Request{UserID: 99, Command: "scrape", Target: "golang"}, noopAction)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateCompleted || res.Cost != 0 {
		t.Fatalf("result = %+v, want completed at zero cost", res)
	}
}

func TestRunFailureWithoutRefund(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, 1); err != nil {
		t.Fatalf("register error: %v", err)
	}

	res, err := f.gate.Run(ctx, Request{UserID: 1, Command: "analyze", Target: "golang"}, func(context.Context) error {
		return errors.New("upstream unavailable")
	})
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateFailedNoRefund {
		t.Fatalf("state = %s, want failed without refund", res.State)
	}

	snap, _ := f.svc.GetBalance(ctx, 1)
	if snap.Balance != 8 {
		t.Fatalf("balance = %d, want 8: coins stay spent by default", snap.Balance)
	}
}

func TestRunFailureWithRefund(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, 1); err != nil {
		t.Fatalf("register error: %v", err)
	}

	res, err := f.gate.Run(ctx, Request{UserID: 1, Command: "analyze", Target: "golang"}, func(context.Context) error {
		return errors.New("upstream unavailable")
	})
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateFailedRefunded {
		t.Fatalf("state = %s, want failed with refund", res.State)
	}

	snap, _ := f.svc.GetBalance(ctx, 1)
	if snap.Balance != 10 {
		t.Fatalf("balance = %d, want 10 after refund", snap.Balance)
	}

	entries, _ := f.svc.History(ctx, 1, 10)
	if len(entries) != 3 {
		t.Fatalf("history length = %d, want bonus, spend and refund", len(entries))
	}
	refund := entries[0]
	if refund.Type != model.TxTypeAdminAdd || refund.Amount != 2 {
		t.Fatalf("unexpected refund entry: %+v", refund)
	}
}

func TestRunAdminBypass(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, 1); err != nil {
		t.Fatalf("register error: %v", err)
	}
	if err := f.repo.SetAdmin(ctx, 1, true); err != nil {
		t.Fatalf("set admin error: %v", err)
	}

	res, err := f.gate.Run(ctx, Request{UserID: 1, Command: "discover", Target: "golang"}, noopAction)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s, want completed", res.State)
	}

	// Обход не списывает монеты и не занимает слот квоты.
	acc, _ := f.repo.GetAccount(ctx, 1)
	if acc.Balance != 10 {
		t.Fatalf("admin balance = %d, want untouched 10", acc.Balance)
	}
	if st := f.adm.Status(); st.CurrentRate != 0 {
		t.Fatalf("current rate = %d, want 0: admin must not consume the window", st.CurrentRate)
	}
}

func TestRunThrottled(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := ledger.NewService(repo, 10, testWindow)
	adm := admission.NewController(1, 150*time.Millisecond)
	g := NewGate(svc, adm, zap.NewNop(), false)

	ctx := context.Background()
	if _, err := svc.Register(ctx, 1); err != nil {
		t.Fatalf("register error: %v", err)
	}

	// Конкурент удерживает единственный слот окна, пока идёт тест.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				adm.TryAcquire()
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)

	res, err := g.Run(ctx, Request{UserID: 1, Command: "analyze", Target: "golang"}, noopAction)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateRejected || res.Reason != ReasonThrottled {
		t.Fatalf("result = %+v, want throttled rejection", res)
	}
	if res.Wait <= 0 {
		t.Fatalf("throttled rejection must carry a recommended wait, got %v", res.Wait)
	}

	// Отклонённая по квоте команда не списывает монеты.
	snap, _ := svc.GetBalance(ctx, 1)
	if snap.Balance != 10 {
		t.Fatalf("balance = %d, want untouched 10", snap.Balance)
	}
}

func TestRegisterCustomCommand(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, 1); err != nil {
		t.Fatalf("register error: %v", err)
	}

	f.gate.Register(Command{Name: "recreate", Cost: AIRecreationCost(25), RequiresTarget: true})

	res, err := f.gate.Run(ctx, Request{UserID: 1, Command: "recreate", Target: "golang"}, noopAction)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.State != StateCompleted || res.Cost != 6 {
		t.Fatalf("result = %+v, want completed at cost 6", res)
	}

	snap, _ := f.svc.GetBalance(ctx, 1)
	if snap.Balance != 4 {
		t.Fatalf("balance = %d, want 4", snap.Balance)
	}
}
