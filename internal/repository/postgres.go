// Package repository содержит реализации хранилища счетов и платежей.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/panagiotiskrb/coinledger-system/internal/ledger"
	"github.com/panagiotiskrb/coinledger-system/internal/model"
	"github.com/panagiotiskrb/coinledger-system/internal/payment"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу счетов и платежей в PostgreSQL.
// Мутации одного счёта сериализуются блокировкой строки (SELECT ... FOR UPDATE),
// поэтому конкурентные списания не могут совместно превысить баланс.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock: конкурентные
		// списания разных счетов иногда пересекаются на индексах журнала.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetAccount возвращает счёт пользователя.
func (r *PostgresRepository) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, balance, expires_at, is_admin, total_purchased, created_at, updated_at
		 FROM accounts WHERE user_id = $1`,
		userID,
	)

	var acc model.Account
	err := row.Scan(&acc.UserID, &acc.Balance, &acc.ExpiresAt, &acc.IsAdmin,
		&acc.TotalPurchased, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &acc, nil
}

// CreateAccount создаёт счёт с начальным балансом и записью журнала атомарно.
// Возвращает false, если счёт уже существовал.
func (r *PostgresRepository) CreateAccount(ctx context.Context, userID, balance int64, expiresAt time.Time, entry model.TransactionEntry) (created bool, err error) {
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO accounts (user_id, balance, expires_at) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, balance, expiresAt,
		)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}

		created = cmdTag.RowsAffected() == 1
		if !created {
			return nil
		}

		if err := insertEntry(ctx, tx, entry, balance); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return created, err
}

// Debit атомарно списывает монеты со счёта и добавляет запись журнала.
// Строка счёта блокируется на время транзакции.
func (r *PostgresRepository) Debit(ctx context.Context, userID, amount int64, entry model.TransactionEntry) (balanceAfter int64, err error) {
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			balance   int64
			expiresAt *time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT balance, expires_at FROM accounts WHERE user_id = $1 FOR UPDATE`,
			userID,
		).Scan(&balance, &expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ledger.ErrAccountNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}

		if expiresAt != nil && time.Now().After(*expiresAt) {
			return ledger.ErrExpired
		}
		if balance < amount {
			return ledger.ErrInsufficientFunds
		}

		balanceAfter = balance - amount

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance = $2, updated_at = now() WHERE user_id = $1`,
			userID, balanceAfter,
		)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if err := insertEntry(ctx, tx, entry, balanceAfter); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return balanceAfter, err
}

// Credit атомарно начисляет монеты, создавая счёт при отсутствии.
// Устаревший баланс истёкшего счёта обнуляется перед начислением.
func (r *PostgresRepository) Credit(ctx context.Context, userID, amount int64, newExpiry *time.Time, entry model.TransactionEntry) (balanceAfter int64, err error) {
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Гарантируем существование строки, затем блокируем её.
		_, err = tx.Exec(ctx,
			`INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		var (
			balance   int64
			expiresAt *time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT balance, expires_at FROM accounts WHERE user_id = $1 FOR UPDATE`,
			userID,
		).Scan(&balance, &expiresAt)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		if expiresAt != nil && time.Now().After(*expiresAt) {
			balance = 0
		}
		balanceAfter = balance + amount

		purchased := int64(0)
		if entry.Type == model.TxTypePurchase {
			purchased = amount
		}

		if newExpiry != nil {
			_, err = tx.Exec(ctx,
				`UPDATE accounts
				 SET balance = $2, expires_at = $3,
				     total_purchased = total_purchased + $4, updated_at = now()
				 WHERE user_id = $1`,
				userID, balanceAfter, *newExpiry, purchased,
			)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE accounts
				 SET balance = $2,
				     total_purchased = total_purchased + $3, updated_at = now()
				 WHERE user_id = $1`,
				userID, balanceAfter, purchased,
			)
		}
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if err := insertEntry(ctx, tx, entry, balanceAfter); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return balanceAfter, err
}

// AppendEntry добавляет запись журнала без изменения баланса.
func (r *PostgresRepository) AppendEntry(ctx context.Context, entry model.TransactionEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transactions (user_id, type, amount, balance_after, description, external_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.UserID, string(entry.Type), entry.Amount, entry.BalanceAfter,
		entry.Description, entry.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, entry model.TransactionEntry, balanceAfter int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions (user_id, type, amount, balance_after, description, external_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.UserID, string(entry.Type), entry.Amount, balanceAfter,
		entry.Description, entry.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// Transactions возвращает последние записи журнала пользователя, новые первыми.
func (r *PostgresRepository) Transactions(ctx context.Context, userID int64, limit int) ([]model.TransactionEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, type, amount, balance_after, description, external_ref, created_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.TransactionEntry
	for rows.Next() {
		var (
			e       model.TransactionEntry
			entType string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &entType, &e.Amount, &e.BalanceAfter,
			&e.Description, &e.ExternalRef, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Type = model.TransactionType(entType)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetAdmin устанавливает админский флаг, создавая счёт при отсутствии.
func (r *PostgresRepository) SetAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, is_admin) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET is_admin = EXCLUDED.is_admin, updated_at = now()`,
		userID, isAdmin,
	)
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return nil
}

// CreatePayment создаёт платёжную запись в статусе pending.
func (r *PostgresRepository) CreatePayment(ctx context.Context, rec model.PaymentRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (session_id, user_id, amount_cents, coins, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.SessionID, rec.UserID, rec.AmountCents, rec.Coins, string(model.PaymentStatusPending),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", payment.ErrPaymentExists, rec.SessionID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment возвращает платёжную запись по идентификатору сессии.
func (r *PostgresRepository) GetPayment(ctx context.Context, sessionID string) (*model.PaymentRecord, error) {
	rec, err := r.scanPayment(ctx, r.pool, sessionID, false)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CompletePayment переводит платёж pending -> completed и возвращает запись
// вместе со статусом до перехода. Завершённые и неудавшиеся платежи не
// изменяются: повторная доставка события остаётся no-op.
func (r *PostgresRepository) CompletePayment(ctx context.Context, sessionID, reference string) (rec *model.PaymentRecord, prev model.PaymentStatus, err error) {
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		rec, err = r.scanPayment(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		prev = rec.Status

		if prev == model.PaymentStatusPending {
			now := time.Now()
			_, err = tx.Exec(ctx,
				`UPDATE payments SET status = $2, reference = $3, completed_at = $4
				 WHERE session_id = $1`,
				sessionID, string(model.PaymentStatusCompleted), reference, now,
			)
			if err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
			rec.Status = model.PaymentStatusCompleted
			rec.Reference = &reference
			rec.CompletedAt = &now
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return rec, prev, err
}

// FailPayment переводит платёж pending -> failed и возвращает статус до
// перехода. Завершённый платёж событием отказа не затрагивается.
func (r *PostgresRepository) FailPayment(ctx context.Context, sessionID string) (prev model.PaymentStatus, err error) {
	err = r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		rec, err := r.scanPayment(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		prev = rec.Status

		if prev == model.PaymentStatusPending {
			_, err = tx.Exec(ctx,
				`UPDATE payments SET status = $2 WHERE session_id = $1`,
				sessionID, string(model.PaymentStatusFailed),
			)
			if err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	return prev, err
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) scanPayment(ctx context.Context, q queryRower, sessionID string, forUpdate bool) (*model.PaymentRecord, error) {
	query := `SELECT session_id, user_id, amount_cents, coins, status, reference, created_at, completed_at
	          FROM payments WHERE session_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		rec    model.PaymentRecord
		status string
	)
	err := q.QueryRow(ctx, query, sessionID).Scan(&rec.SessionID, &rec.UserID,
		&rec.AmountCents, &rec.Coins, &status, &rec.Reference, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	rec.Status = model.PaymentStatus(status)

	return &rec, nil
}
