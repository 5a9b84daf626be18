// Package repository содержит реализацию хранилища движка в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
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

	"github.com/mmeshcher/starcall-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderConflict возвращается при проигрыше CAS-гонки за переход заказа.
	ErrOrderConflict = errors.New("order modified concurrently")
	// ErrDuplicateOrder возвращается при попытке создать заказ с существующим номером.
	ErrDuplicateOrder = errors.New("order number already exists")
	// ErrTipNotFound возвращается, если запись о чаевых не найдена.
	ErrTipNotFound = errors.New("tip not found")
	// ErrTipSettled возвращается при попытке изменить уже рассчитанные чаевые.
	ErrTipSettled = errors.New("tip already settled")
	// ErrTransferNotFound возвращается, если перевод не найден.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrTransferNotRetryable возвращается при ручном ретрае перевода не в FAILED/MANUAL_PROCESSING.
	ErrTransferNotRetryable = errors.New("transfer is not retryable")
)

// PostgresRepository предоставляет доступ к хранилищу данных движка в PostgreSQL.
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

		// Ретраи полезны для Serialization Failure и Deadlock,
		// переподключениями занимается сам pgxpool.
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

const orderColumns = `o.id, o.number, o.customer_id, o.celebrity_id, o.celebrity_vip,
	o.amount, o.currency, o.charge_ref, o.payout_account,
	o.status, o.approval, o.revision_count, o.max_revisions,
	o.video_url, o.delivered_at, o.declined_at, o.decline_reason, o.approved_at,
	o.platform_fee, o.celebrity_amount, o.fee_version, o.transfer_status,
	o.version, o.sla_deadline, o.created_at, o.updated_at,
	COALESCE((SELECT SUM(t.amount) FROM tips t WHERE t.order_id = o.id AND t.status = 'SUCCEEDED'), 0)`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status, approval, transferStatus string
	err := row.Scan(
		&o.ID, &o.Number, &o.CustomerID, &o.CelebrityID, &o.CelebrityVIP,
		&o.Amount, &o.Currency, &o.ChargeRef, &o.PayoutAccount,
		&status, &approval, &o.RevisionCount, &o.MaxRevisions,
		&o.VideoURL, &o.DeliveredAt, &o.DeclinedAt, &o.DeclineReason, &o.ApprovedAt,
		&o.PlatformFee, &o.CelebrityAmount, &o.FeeVersion, &transferStatus,
		&o.Version, &o.SLADeadline, &o.CreatedAt, &o.UpdatedAt,
		&o.TotalTips,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Status = model.FulfillmentStatus(status)
	o.Approval = model.ApprovalStatus(approval)
	o.TransferStatus = model.TransferStatus(transferStatus)
	return &o, nil
}

// CreateOrder сохраняет новый заказ в статусе PENDING.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO orders (number, customer_id, celebrity_id, celebrity_vip,
			amount, currency, charge_ref, payout_account, max_revisions)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, version, created_at, updated_at`,
		o.Number, o.CustomerID, o.CelebrityID, o.CelebrityVIP,
		o.Amount, o.Currency, o.ChargeRef, o.PayoutAccount, o.MaxRevisions,
	)

	err := row.Scan(&o.ID, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.Number)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	o.Status = model.OrderStatusPending
	o.Approval = model.ApprovalNone
	o.TransferStatus = model.TransferStatusPending
	return &o, nil
}

// GetOrderByNumber возвращает снимок заказа вместе с суммой успешных чаевых.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders o WHERE o.number = $1`, number)
	return scanOrder(row)
}

// ApplyTransition атомарно фиксирует переход заказа: строка заказа блокируется,
// версия сравнивается с той, которую наблюдал вызывающий, и только при
// совпадении записываются новое состояние и намерения (переводы и уведомления)
// в одной транзакции. При несовпадении версии возвращается ErrOrderConflict.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, updated model.Order, expectedVersion int64, intents []model.Intent) (*model.Order, error) {
	var result *model.Order

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var currentVersion int64
		err = tx.QueryRow(ctx,
			`SELECT version FROM orders WHERE id = $1 FOR UPDATE`,
			updated.ID,
		).Scan(&currentVersion)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if currentVersion != expectedVersion {
			return fmt.Errorf("%w: version %d, expected %d", ErrOrderConflict, currentVersion, expectedVersion)
		}

		newVersion := expectedVersion + 1
		var updatedAt time.Time
		err = tx.QueryRow(ctx,
			`UPDATE orders SET
				status = $2, approval = $3, revision_count = $4,
				video_url = $5, delivered_at = $6, declined_at = $7, decline_reason = $8, approved_at = $9,
				platform_fee = $10, celebrity_amount = $11, fee_version = $12, transfer_status = $13,
				version = $14, sla_deadline = $15, updated_at = now()
			 WHERE id = $1
			 RETURNING updated_at`,
			updated.ID,
			string(updated.Status), string(updated.Approval), updated.RevisionCount,
			updated.VideoURL, updated.DeliveredAt, updated.DeclinedAt, updated.DeclineReason, updated.ApprovedAt,
			updated.PlatformFee, updated.CelebrityAmount, updated.FeeVersion, string(updated.TransferStatus),
			newVersion, updated.SLADeadline,
		).Scan(&updatedAt)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		for _, in := range intents {
			switch v := in.(type) {
			case model.PayoutIntent:
				if err := insertTransfer(ctx, tx, updated.ID, updated.Number, v.Type, v.Amount, v.Currency, v.Destination); err != nil {
					return err
				}
			case model.NotificationIntent:
				if err := insertNotification(ctx, tx, updated.ID, v); err != nil {
					return err
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		updated.Version = newVersion
		updated.UpdatedAt = updatedAt
		result = &updated
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// insertTransfer создаёт перевод со стабильным ключом идемпотентности
// (номер заказа, тип, порядковый номер попытки). Вызывается только под
// блокировкой строки заказа.
func insertTransfer(ctx context.Context, tx pgx.Tx, orderID int64, number string, typ model.TransferType, amount int64, currency, destination string) error {
	var seq int
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt_seq), 0) + 1 FROM transfers WHERE order_id = $1 AND type = $2`,
		orderID, string(typ),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next attempt seq: %w", err)
	}

	key := fmt.Sprintf("%s:%s:%d", number, typ, seq)

	_, err = tx.Exec(ctx,
		`INSERT INTO transfers (order_id, type, amount, currency, destination, status, attempt_seq, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		orderID, string(typ), amount, currency, destination, string(model.TransferStatusPending), seq, key,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func insertNotification(ctx context.Context, tx pgx.Tx, orderID int64, n model.NotificationIntent) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO notifications (order_id, recipient, template, payload)
		 VALUES ($1, $2, $3, $4)`,
		orderID, string(n.Recipient), n.Template, payload,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// CreateTip добавляет запись о попытке оплаты чаевых в статусе PENDING.
func (r *PostgresRepository) CreateTip(ctx context.Context, orderID int64, amount int64, message, chargeRef *string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO tips (order_id, amount, message, charge_ref) VALUES ($1, $2, $3, $4) RETURNING id`,
		orderID, amount, message, chargeRef,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert tip: %w", err)
	}
	return id, nil
}

// SettleTip фиксирует исход платежа по чаевым. Статус меняется строго один раз:
// повторный вызов с тем же исходом — безопасный no-op, с другим — ErrTipSettled.
// Строка заказа блокируется и его версия увеличивается, чтобы параллельный
// переход, читавший прежнюю сумму чаевых, проиграл CAS. Если заказ уже
// завершён, для успешных чаевых сразу создаётся отдельный перевод.
func (r *PostgresRepository) SettleTip(ctx context.Context, tipID int64, succeeded bool) (*model.Tip, error) {
	targetStatus := model.TipStatusFailed
	if succeeded {
		targetStatus = model.TipStatusSucceeded
	}

	var result *model.Tip

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var t model.Tip
		var status string
		err = tx.QueryRow(ctx,
			`SELECT id, order_id, amount, message, status, charge_ref, created_at, settled_at
			 FROM tips WHERE id = $1 FOR UPDATE`,
			tipID,
		).Scan(&t.ID, &t.OrderID, &t.Amount, &t.Message, &status, &t.ChargeRef, &t.CreatedAt, &t.SettledAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTipNotFound
			}
			return fmt.Errorf("lock tip: %w", err)
		}
		t.Status = model.TipStatus(status)

		if t.Status != model.TipStatusPending {
			if t.Status == targetStatus {
				result = &t
				return tx.Commit(ctx)
			}
			return fmt.Errorf("%w: status is %s", ErrTipSettled, t.Status)
		}

		var number, currency, payoutAccount, orderStatus string
		err = tx.QueryRow(ctx,
			`SELECT number, currency, payout_account, status FROM orders WHERE id = $1 FOR UPDATE`,
			t.OrderID,
		).Scan(&number, &currency, &payoutAccount, &orderStatus)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}

		var settledAt time.Time
		err = tx.QueryRow(ctx,
			`UPDATE tips SET status = $2, settled_at = now() WHERE id = $1 RETURNING settled_at`,
			tipID, string(targetStatus),
		).Scan(&settledAt)
		if err != nil {
			return fmt.Errorf("update tip: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET version = version + 1, updated_at = now() WHERE id = $1`,
			t.OrderID,
		)
		if err != nil {
			return fmt.Errorf("bump order version: %w", err)
		}

		if succeeded && model.FulfillmentStatus(orderStatus) == model.OrderStatusCompleted {
			if err := insertTransfer(ctx, tx, t.OrderID, number, model.TransferTypeTip, t.Amount, currency, payoutAccount); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		t.Status = targetStatus
		t.SettledAt = &settledAt
		result = &t
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetTipsByOrder возвращает все записи о чаевых по заказу.
func (r *PostgresRepository) GetTipsByOrder(ctx context.Context, orderID int64) ([]model.Tip, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, amount, message, status, charge_ref, created_at, settled_at
		 FROM tips WHERE order_id = $1 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select tips: %w", err)
	}
	defer rows.Close()

	var res []model.Tip
	for rows.Next() {
		var t model.Tip
		var status string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Amount, &t.Message, &status, &t.ChargeRef, &t.CreatedAt, &t.SettledAt); err != nil {
			return nil, fmt.Errorf("scan tip: %w", err)
		}
		t.Status = model.TipStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// TotalSucceededTips возвращает сумму успешно оплаченных чаевых по заказу.
func (r *PostgresRepository) TotalSucceededTips(ctx context.Context, orderID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM tips WHERE order_id = $1 AND status = $2`,
		orderID, string(model.TipStatusSucceeded),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum tips: %w", err)
	}
	return total, nil
}

const transferColumns = `id, order_id, type, amount, currency, destination, status, attempt_seq,
	idempotency_key, external_ref, last_error, retry_count, next_retry_at, created_at, updated_at`

func scanTransfer(row pgx.Row) (*model.Transfer, error) {
	var t model.Transfer
	var typ, status string
	err := row.Scan(&t.ID, &t.OrderID, &typ, &t.Amount, &t.Currency, &t.Destination, &status, &t.AttemptSeq,
		&t.IdempotencyKey, &t.ExternalRef, &t.LastError, &t.RetryCount, &t.NextRetryAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}
	t.Type = model.TransferType(typ)
	t.Status = model.TransferStatus(status)
	return &t, nil
}

func (r *PostgresRepository) selectTransfers(ctx context.Context, query string, args ...any) ([]model.Transfer, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select transfers: %w", err)
	}
	defer rows.Close()

	var res []model.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetTransfersByOrder возвращает все переводы по заказу.
func (r *PostgresRepository) GetTransfersByOrder(ctx context.Context, orderID int64) ([]model.Transfer, error) {
	return r.selectTransfers(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE order_id = $1 ORDER BY created_at`, orderID)
}

// GetDispatchableTransfers возвращает переводы, готовые к отправке провайдеру.
func (r *PostgresRepository) GetDispatchableTransfers(ctx context.Context, now time.Time, limit int) ([]model.Transfer, error) {
	return r.selectTransfers(ctx,
		`SELECT `+transferColumns+` FROM transfers
		 WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		 ORDER BY created_at LIMIT $3`,
		string(model.TransferStatusPending), now, limit)
}

// GetInTransitTransfers возвращает переводы, ожидающие подтверждения провайдера.
func (r *PostgresRepository) GetInTransitTransfers(ctx context.Context, limit int) ([]model.Transfer, error) {
	return r.selectTransfers(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(model.TransferStatusInTransit), limit)
}

// setTransferStatus обновляет статус перевода и, для выплат по заказу,
// зеркалит его в transfer_status заказа.
func (r *PostgresRepository) setTransferStatus(ctx context.Context, transferID int64, status model.TransferStatus, externalRef, lastErr *string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderID int64
	var typ string
	err = tx.QueryRow(ctx,
		`UPDATE transfers SET status = $2,
			external_ref = COALESCE($3, external_ref),
			last_error = $4,
			updated_at = now()
		 WHERE id = $1
		 RETURNING order_id, type`,
		transferID, string(status), externalRef, lastErr,
	).Scan(&orderID, &typ)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransferNotFound
		}
		return fmt.Errorf("update transfer: %w", err)
	}

	if typ == string(model.TransferTypeBooking) || typ == string(model.TransferTypeRetry) {
		_, err = tx.Exec(ctx,
			`UPDATE orders SET transfer_status = $2, updated_at = now() WHERE id = $1`,
			orderID, string(status),
		)
		if err != nil {
			return fmt.Errorf("update order transfer status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// MarkTransferInTransit помечает перевод принятым провайдером.
func (r *PostgresRepository) MarkTransferInTransit(ctx context.Context, transferID int64, externalRef string) error {
	return r.setTransferStatus(ctx, transferID, model.TransferStatusInTransit, &externalRef, nil)
}

// MarkTransferPaid помечает перевод выплаченным. Выплаченный перевод
// диспетчером больше никогда не отправляется.
func (r *PostgresRepository) MarkTransferPaid(ctx context.Context, transferID int64) error {
	return r.setTransferStatus(ctx, transferID, model.TransferStatusPaid, nil, nil)
}

// MarkTransferFailed помечает перевод окончательно неуспешным (постоянная ошибка).
func (r *PostgresRepository) MarkTransferFailed(ctx context.Context, transferID int64, lastErr string) error {
	return r.setTransferStatus(ctx, transferID, model.TransferStatusFailed, nil, &lastErr)
}

// MarkTransferManual переводит перевод в ручную обработку после исчерпания ретраев.
func (r *PostgresRepository) MarkTransferManual(ctx context.Context, transferID int64, lastErr string) error {
	return r.setTransferStatus(ctx, transferID, model.TransferStatusManual, nil, &lastErr)
}

// RescheduleTransfer откладывает следующую попытку отправки перевода.
func (r *PostgresRepository) RescheduleTransfer(ctx context.Context, transferID int64, lastErr string, nextRetryAt time.Time) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE transfers SET retry_count = retry_count + 1, last_error = $2, next_retry_at = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		transferID, lastErr, nextRetryAt, string(model.TransferStatusPending),
	)
	if err != nil {
		return fmt.Errorf("reschedule transfer: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// CreateRetryTransfer создаёт ручной повтор для неуспешного перевода: новая
// строка с новым порядковым номером попытки и новым ключом идемпотентности.
func (r *PostgresRepository) CreateRetryTransfer(ctx context.Context, transferID int64) (*model.Transfer, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	orig, err := scanTransfer(tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, transferID))
	if err != nil {
		return nil, err
	}

	if orig.Status != model.TransferStatusFailed && orig.Status != model.TransferStatusManual {
		return nil, fmt.Errorf("%w: status is %s", ErrTransferNotRetryable, orig.Status)
	}

	var number string
	err = tx.QueryRow(ctx,
		`SELECT number FROM orders WHERE id = $1 FOR UPDATE`, orig.OrderID,
	).Scan(&number)
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}

	if err := insertTransfer(ctx, tx, orig.OrderID, number, model.TransferTypeRetry, orig.Amount, orig.Currency, orig.Destination); err != nil {
		return nil, err
	}

	created, err := scanTransfer(tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers
		 WHERE order_id = $1 AND type = $2 ORDER BY attempt_seq DESC LIMIT 1`,
		orig.OrderID, string(model.TransferTypeRetry)))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return created, nil
}

// GetPendingNotifications возвращает неотправленные уведомления.
func (r *PostgresRepository) GetPendingNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, recipient, template, payload, status, attempts, created_at, sent_at
		 FROM notifications WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(model.NotificationStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.Notification
	for rows.Next() {
		var n model.Notification
		var recipient, status string
		var payload []byte
		if err := rows.Scan(&n.ID, &n.OrderID, &recipient, &n.Template, &payload, &status, &n.Attempts, &n.CreatedAt, &n.SentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal notification payload: %w", err)
		}
		n.Recipient = model.Recipient(recipient)
		n.Status = model.NotificationStatus(status)
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// MarkNotificationSent помечает уведомление доставленным.
func (r *PostgresRepository) MarkNotificationSent(ctx context.Context, notificationID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET status = $2, sent_at = now() WHERE id = $1`,
		notificationID, string(model.NotificationStatusSent),
	)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

// MarkNotificationFailed увеличивает счётчик попыток; после maxAttempts
// уведомление перестаёт ретраиться.
func (r *PostgresRepository) MarkNotificationFailed(ctx context.Context, notificationID int64, maxAttempts int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE status END
		 WHERE id = $1`,
		notificationID, maxAttempts, string(model.NotificationStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

// GetOverdueOrders возвращает номера заказов, просрочивших SLA-дедлайн.
func (r *PostgresRepository) GetOverdueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT number FROM orders
		 WHERE sla_deadline IS NOT NULL AND sla_deadline < $1
		   AND status IN ($2, $3, $4, $5)
		 ORDER BY sla_deadline LIMIT $6`,
		now,
		string(model.OrderStatusConfirmed),
		string(model.OrderStatusInProgress),
		string(model.OrderStatusPendingApproval),
		string(model.OrderStatusRevisionRequested),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select overdue orders: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return nil, fmt.Errorf("scan order number: %w", err)
		}
		res = append(res, number)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
