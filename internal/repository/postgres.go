// Package repository содержит реализацию доступа к данным в PostgreSQL.
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
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cryptopay-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDepositNotFound возвращается, если депозит с указанным хэшем не найден.
var (
	ErrDepositNotFound = errors.New("deposit not found")
	// ErrDepositAlreadyClaimed возвращается, если депозит уже привязан к пользователю.
	ErrDepositAlreadyClaimed = errors.New("deposit already claimed")
	// ErrIntentNotFound возвращается, если у пользователя нет платёжного намерения.
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrEntitlementNotFound возвращается, если у пользователя нет активной подписки.
	ErrEntitlementNotFound = errors.New("entitlement not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
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
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// UpsertDeposit сохраняет событие фида о депозите. Повторное событие с тем же
// tx_id обновляет сумму, состояние и время наблюдения, но никогда не трогает
// привязку к пользователю.
func (r *PostgresRepository) UpsertDeposit(ctx context.Context, d model.Deposit) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO deposits (tx_id, amount, currency, state, observed_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tx_id) DO UPDATE
			 SET amount = EXCLUDED.amount,
			     state = EXCLUDED.state,
			     observed_at = EXCLUDED.observed_at`,
			d.TxID, d.Amount.String(), d.Currency, string(d.State), d.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert deposit: %w", err)
		}
		return nil
	})
}

// GetDepositByTxID возвращает депозит по хэшу транзакции.
func (r *PostgresRepository) GetDepositByTxID(ctx context.Context, txID string) (*model.Deposit, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT tx_id, amount::text, currency, state, observed_at, linked_user_id
		 FROM deposits WHERE tx_id = $1`,
		txID,
	)

	var (
		d         model.Deposit
		amountStr string
		state     string
	)
	err := row.Scan(&d.TxID, &amountStr, &d.Currency, &state, &d.ObservedAt, &d.LinkedUserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, fmt.Errorf("get deposit: %w", err)
	}

	d.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse deposit amount: %w", err)
	}
	d.State = model.DepositState(state)

	return &d, nil
}

// ClaimDeposit атомарно привязывает депозит к пользователю. Условное обновление
// срабатывает только если привязки ещё нет: из двух конкурентных попыток с одним
// хэшем успешной будет ровно одна.
func (r *PostgresRepository) ClaimDeposit(ctx context.Context, txID string, userID int64) error {
	var cmdTag pgconn.CommandTag
	err := r.withRetry(ctx, func() error {
		var execErr error
		cmdTag, execErr = r.pool.Exec(ctx,
			`UPDATE deposits SET linked_user_id = $2
			 WHERE tx_id = $1 AND linked_user_id IS NULL`,
			txID, userID,
		)
		if execErr != nil {
			return fmt.Errorf("claim deposit: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deposits WHERE tx_id = $1)`,
		txID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check deposit exists: %w", err)
	}

	if !exists {
		return ErrDepositNotFound
	}
	return ErrDepositAlreadyClaimed
}

// CreateIntent сохраняет платёжное намерение и возвращает его идентификатор.
func (r *PostgresRepository) CreateIntent(ctx context.Context, intent model.PaymentIntent) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payment_intents (user_id, fiat_amount, locked_rate, required_amount, currency, window_end, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		intent.UserID,
		intent.FiatAmount.String(),
		intent.LockedRate.String(),
		intent.RequiredAmount.String(),
		intent.Currency,
		intent.WindowEnd,
		string(model.IntentStatusPending),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create intent: %w", err)
	}
	return id, nil
}

// GetLatestIntentByUser возвращает последнее по времени создания платёжное намерение пользователя.
func (r *PostgresRepository) GetLatestIntentByUser(ctx context.Context, userID int64) (*model.PaymentIntent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, fiat_amount::text, locked_rate::text, required_amount::text,
		        currency, window_end, tx_hash, status, created_at
		 FROM payment_intents
		 WHERE user_id = $1
		 ORDER BY id DESC
		 LIMIT 1`,
		userID,
	)

	intent, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("get latest intent: %w", err)
	}

	return intent, nil
}

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	var (
		intent      model.PaymentIntent
		fiatStr     string
		rateStr     string
		requiredStr string
		status      string
	)

	err := row.Scan(
		&intent.ID, &intent.UserID, &fiatStr, &rateStr, &requiredStr,
		&intent.Currency, &intent.WindowEnd, &intent.TxHash, &status, &intent.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if intent.FiatAmount, err = decimal.NewFromString(fiatStr); err != nil {
		return nil, fmt.Errorf("parse fiat amount: %w", err)
	}
	if intent.LockedRate, err = decimal.NewFromString(rateStr); err != nil {
		return nil, fmt.Errorf("parse locked rate: %w", err)
	}
	if intent.RequiredAmount, err = decimal.NewFromString(requiredStr); err != nil {
		return nil, fmt.Errorf("parse required amount: %w", err)
	}
	intent.Status = model.IntentStatus(status)

	return &intent, nil
}

// LinkIntentHash записывает хэш транзакции в платёжное намерение.
func (r *PostgresRepository) LinkIntentHash(ctx context.Context, intentID int64, txHash string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_intents SET tx_hash = $2 WHERE id = $1`,
		intentID, txHash,
	)
	if err != nil {
		return fmt.Errorf("link intent hash: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// CompleteIntent переводит платёжное намерение в терминальный статус completed.
func (r *PostgresRepository) CompleteIntent(ctx context.Context, intentID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payment_intents SET status = $2 WHERE id = $1`,
		intentID, string(model.IntentStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("complete intent: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// DeleteLatestPendingIntent удаляет последнее незавершённое платёжное намерение пользователя.
func (r *PostgresRepository) DeleteLatestPendingIntent(ctx context.Context, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM payment_intents
		 WHERE id = (
		 	SELECT id FROM payment_intents
		 	WHERE user_id = $1 AND status = $2
		 	ORDER BY id DESC
		 	LIMIT 1
		 )`,
		userID, string(model.IntentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("delete pending intent: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// GrantEntitlement создаёт подписку пользователя или продлевает существующую
// на указанную длительность. Продление добавляется к текущей дате окончания.
func (r *PostgresRepository) GrantEntitlement(ctx context.Context, userID int64, duration time.Duration) (*model.Entitlement, error) {
	var ent model.Entitlement
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`INSERT INTO entitlements (user_id, starts_at, ends_at)
			 VALUES ($1, now(), now() + make_interval(secs => $2))
			 ON CONFLICT (user_id) DO UPDATE
			 SET ends_at = entitlements.ends_at + make_interval(secs => $2)
			 RETURNING user_id, starts_at, ends_at`,
			userID, duration.Seconds(),
		)
		if err := row.Scan(&ent.UserID, &ent.StartsAt, &ent.EndsAt); err != nil {
			return fmt.Errorf("grant entitlement: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// GetEntitlement возвращает подписку пользователя.
func (r *PostgresRepository) GetEntitlement(ctx context.Context, userID int64) (*model.Entitlement, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, starts_at, ends_at FROM entitlements WHERE user_id = $1`,
		userID,
	)

	var ent model.Entitlement
	err := row.Scan(&ent.UserID, &ent.StartsAt, &ent.EndsAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("get entitlement: %w", err)
	}

	return &ent, nil
}

// GetExpiredEntitlements возвращает подписки, срок действия которых истёк.
func (r *PostgresRepository) GetExpiredEntitlements(ctx context.Context) ([]model.Entitlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, starts_at, ends_at FROM entitlements WHERE ends_at < now()`,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired entitlements: %w", err)
	}
	defer rows.Close()

	var res []model.Entitlement
	for rows.Next() {
		var ent model.Entitlement
		if err := rows.Scan(&ent.UserID, &ent.StartsAt, &ent.EndsAt); err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		res = append(res, ent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DeleteEntitlement удаляет подписку пользователя.
func (r *PostgresRepository) DeleteEntitlement(ctx context.Context, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM entitlements WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("delete entitlement: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrEntitlementNotFound
	}
	return nil
}
