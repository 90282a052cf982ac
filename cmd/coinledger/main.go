// Package main запускает сервис журнала монет: хранилище счетов, реконсилятор
// платежей и шлюз квоты. Платёжные события читаются из stdin построчно в JSON.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/panagiotiskrb/coinledger-system/internal/admission"
	"github.com/panagiotiskrb/coinledger-system/internal/config"
	"github.com/panagiotiskrb/coinledger-system/internal/ledger"
	"github.com/panagiotiskrb/coinledger-system/internal/model"
	"github.com/panagiotiskrb/coinledger-system/internal/payment"
	"github.com/panagiotiskrb/coinledger-system/internal/repository"
	"github.com/panagiotiskrb/coinledger-system/internal/reststore"
)

// accountStore объединяет контракты хранилища счетов и платежей: все бэкенды
// реализуют оба.
type accountStore interface {
	ledger.Store
	payment.Store
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var store accountStore
	switch {
	case cfg.StoreAddress != "":
		store = reststore.NewClient(cfg.StoreAddress)
		sugar.Infow("using REST account store", "addr", cfg.StoreAddress)
	case cfg.DatabaseURI != "":
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		store = repo
	default:
		// Локальный запуск без БД: состояние живёт до остановки процесса.
		sugar.Warn("no database configured, using in-memory store")
		store = repository.NewMemoryRepository()
	}
	defer store.Close()

	ledgerSvc := ledger.NewService(store, cfg.SignupBonus, cfg.ExpiryWindow())
	reconciler := payment.NewReconciler(store, ledgerSvc, logger)
	adm := admission.NewController(cfg.RateLimit, cfg.RateWindow)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, id := range cfg.AdminIDs {
		if err := store.SetAdmin(ctx, id, true); err != nil {
			sugar.Fatalw("admin bootstrap error", "userID", id, "error", err.Error())
		}
	}

	events := make(chan model.PaymentEvent)

	g, ctx := errgroup.WithContext(ctx)

	// Чтение платёжных событий из stdin
	g.Go(func() error {
		defer close(events)
		return readEvents(ctx, os.Stdin, events, logger)
	})

	// Применение событий к журналу счетов
	g.Go(func() error {
		reconciler.Run(ctx, events)
		return nil
	})

	// Периодический отчёт о загрузке шлюза квоты
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				st := adm.Status()
				sugar.Infow("admission status",
					"rate", st.CurrentRate,
					"limit", st.RateLimit,
					"loadPercent", st.LoadPercent,
					"totalProcessed", st.TotalProcessed,
					"active", st.ActiveCommands)
			}
		}
	})

	sugar.Infow("coinledger started",
		"signupBonus", cfg.SignupBonus,
		"expiryDays", cfg.ExpiryDays,
		"rateLimit", cfg.RateLimit,
		"rateWindow", cfg.RateWindow.String(),
		"refundOnFailure", cfg.RefundOnFailure,
		"admins", len(cfg.AdminIDs))

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
	sugar.Info("coinledger stopped gracefully")
}

// maxEventLine ограничивает длину одной строки события. События платежей —
// короткие JSON-объекты; всё, что крупнее, считается мусором во входном потоке.
const maxEventLine = 1024 * 1024

// readEvents читает JSON-события платежей построчно и отправляет их в канал.
// Непарсящиеся строки логируются и пропускаются: поток событий не прерывается.
// Строка длиннее maxEventLine останавливает чтение, не роняя процесс.
func readEvents(ctx context.Context, r io.Reader, events chan<- model.PaymentEvent, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev model.PaymentEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn("malformed payment event skipped", zap.Error(err))
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case events <- ev:
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			logger.Warn("oversized event line, stopping the feed", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}
