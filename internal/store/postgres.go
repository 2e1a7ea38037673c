package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/augustcredits/gateway/internal/auth"
)

// PostgresStore backs the gateway with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) GetCallerByKeyHash(ctx context.Context, keyHash string) (*auth.Caller, error) {
	return s.scanCaller(s.db.QueryRowContext(ctx, `
		SELECT id, wallet_address, key_hash, email, username, tier,
		       monthly_limit, rate_limit_override, is_active,
		       created_at, updated_at, last_login
		FROM callers WHERE key_hash = $1`, keyHash))
}

func (s *PostgresStore) GetCallerByID(ctx context.Context, id uuid.UUID) (*auth.Caller, error) {
	return s.scanCaller(s.db.QueryRowContext(ctx, `
		SELECT id, wallet_address, key_hash, email, username, tier,
		       monthly_limit, rate_limit_override, is_active,
		       created_at, updated_at, last_login
		FROM callers WHERE id = $1`, id))
}

func (s *PostgresStore) scanCaller(row *sql.Row) (*auth.Caller, error) {
	var c auth.Caller
	err := row.Scan(
		&c.ID, &c.WalletAddress, &c.KeyHash, &c.Email, &c.Username, &c.Tier,
		&c.MonthlyLimit, &c.RateLimitOverride, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt, &c.LastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan caller: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetResourceByName(ctx context.Context, name string) (*Resource, error) {
	var r Resource
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, target_url, owner_wallet, price,
		       rate_limit, rate_limit_window, request_timeout, retry_attempts,
		       methods, is_active, created_at, updated_at
		FROM resources WHERE name = $1`, name).Scan(
		&r.ID, &r.Name, &r.Description, &r.TargetURL, &r.OwnerWallet, &r.Price,
		&r.RateLimit, &r.RateLimitWindow, &r.RequestTimeout, &r.RetryAttempts,
		pq.Array(&r.Methods), &r.IsActive, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan resource: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) WriteRequestLog(ctx context.Context, log *RequestLog) error {
	id := log.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs
			(id, request_id, caller_id, resource_id, method, path, status_code,
			 cost, response_time_ms, request_bytes, response_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, now()))`,
		id, log.RequestID, log.CallerID, log.ResourceID, log.Method, log.Path, log.StatusCode,
		log.Cost, log.ResponseTimeMs, log.RequestBytes, log.ResponseBytes,
		nullTime(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// UpsertUsage increments the open pending aggregate for the key, or
// starts a fresh one. The conflict target is the partial unique index
// on pending rows only, so usage arriving after the period's aggregate
// was claimed or settled opens a new pending row instead of being
// folded into a record the settlement engine will never pick up again.
func (s *PostgresStore) UpsertUsage(ctx context.Context, callerID, resourceID uuid.UUID, period string, deltaCount int64, deltaCost string) error {
	if _, err := ParseCost(deltaCost); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, caller_id, resource_id, period, request_count, total_cost, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', now(), now())
		ON CONFLICT (caller_id, resource_id, period) WHERE status = 'pending' DO UPDATE SET
			request_count = usage_records.request_count + EXCLUDED.request_count,
			total_cost = (usage_records.total_cost::numeric + EXCLUDED.total_cost::numeric)::text,
			updated_at = now()`,
		uuid.New(), callerID, resourceID, period, deltaCount, deltaCost,
	)
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPeriodUsage(ctx context.Context, callerID uuid.UUID, period string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(request_count), 0)
		FROM usage_records WHERE caller_id = $1 AND period = $2`,
		callerID, period).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum period usage: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) GetCallerUsage(ctx context.Context, callerID uuid.UUID, period string) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caller_id, resource_id, period, request_count,
		       total_cost, status, tx_ref, created_at, updated_at
		FROM usage_records
		WHERE caller_id = $1 AND period = $2
		ORDER BY created_at`, callerID, period)
	if err != nil {
		return nil, fmt.Errorf("query caller usage: %w", err)
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

func (s *PostgresStore) FetchPendingUsage(ctx context.Context, limit int) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caller_id, resource_id, period, request_count,
		       total_cost, status, tx_ref, created_at, updated_at
		FROM usage_records
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending usage: %w", err)
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

func scanUsageRows(rows *sql.Rows) ([]*UsageRecord, error) {
	var out []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(
			&r.ID, &r.CallerID, &r.ResourceID, &r.Period, &r.RequestCount,
			&r.TotalCost, &r.Status, &r.TxRef, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimUsage(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE usage_records
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claim usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) UpdateSettlementStatus(ctx context.Context, id uuid.UUID, status SettlementStatus, txRef *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE usage_records
		SET status = $2, tx_ref = $3, updated_at = now()
		WHERE id = $1`, id, status, txRef)
	if err != nil {
		return fmt.Errorf("update settlement status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
