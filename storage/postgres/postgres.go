// Package postgres provides a PostgreSQL implementation of the
// credits.Storage interface. Every compound operation (consume, grant,
// settle) runs inside a single transaction with SELECT FOR UPDATE on the
// balance row, so the atomicity contract holds across concurrent writers
// and process crashes.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// Schema creates the tables this backend needs. Run it once at deploy time
// or call EnsureSchema from application startup.
const Schema = `
CREATE TABLE IF NOT EXISTS credit_balances (
	user_id    TEXT PRIMARY KEY,
	credits    BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_entries (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	credits       BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	request_id    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS usage_entries_request
	ON usage_entries (user_id, request_id) WHERE request_id <> '';
CREATE INDEX IF NOT EXISTS usage_entries_user_time
	ON usage_entries (user_id, created_at);

CREATE TABLE IF NOT EXISTS grant_records (
	user_id         TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS payment_intents (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	price_cents  BIGINT NOT NULL,
	currency     TEXT NOT NULL,
	credits      BIGINT NOT NULL,
	status       TEXT NOT NULL,
	provider_ref TEXT NOT NULL DEFAULT '',
	checkout_url TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payment_intents_open
	ON payment_intents (user_id, created_at DESC) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS processed_events (
	event_id    TEXT PRIMARY KEY,
	intent_id   TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
`

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Storage implements credits.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// NewWithPool wraps an existing pool, for callers that manage their own.
func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool, config: DefaultConfig()}
}

// EnsureSchema creates the required tables if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetBalance implements credits.Storage.
func (s *Storage) GetBalance(ctx context.Context, userID string) (*credits.Balance, error) {
	bal := &credits.Balance{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT credits, version, updated_at FROM credit_balances WHERE user_id = $1`,
		userID).Scan(&bal.Credits, &bal.Version, &bal.UpdatedAt)
	if err == pgx.ErrNoRows {
		return bal, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

// lockBalance ensures the user's balance row exists and locks it for the
// duration of the transaction. All per-user mutations funnel through this
// lock, which is what serializes concurrent consumes and grants.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (balance int, version int64, err error) {
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_balances (user_id, credits, version, updated_at)
			VALUES ($1, 0, 0, NOW())
			ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT credits, version FROM credit_balances WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&balance, &version)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to lock balance: %w", err)
	}
	return balance, version, nil
}

// Consume implements credits.Storage.
func (s *Storage) Consume(ctx context.Context, req *credits.ConsumeRequest) (*credits.ConsumeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	balance, _, err := lockBalance(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	// Replay check under the balance lock: every consume for this user
	// holds the lock, so the check cannot race.
	if req.RequestID != "" {
		entry := &credits.UsageEntry{UserID: req.UserID, RequestID: req.RequestID}
		err := tx.QueryRow(ctx,
			`SELECT id, credits, balance_after, created_at FROM usage_entries
				WHERE user_id = $1 AND request_id = $2`,
			req.UserID, req.RequestID).Scan(&entry.ID, &entry.Credits, &entry.BalanceAfter, &entry.Timestamp)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
			return &credits.ConsumeResult{Entry: entry, Balance: balance, Replayed: true}, nil
		}
		if err != pgx.ErrNoRows {
			return nil, fmt.Errorf("failed to check request id: %w", err)
		}
	}

	if balance < req.Amount {
		return nil, credits.ErrInsufficientCredits
	}
	newBalance := balance - req.Amount

	_, err = tx.Exec(ctx,
		`UPDATE credit_balances
			SET credits = $1, version = version + 1, updated_at = $2
			WHERE user_id = $3`,
		newBalance, req.Timestamp, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	entry := &credits.UsageEntry{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Credits:      req.Amount,
		BalanceAfter: newBalance,
		RequestID:    req.RequestID,
		Timestamp:    req.Timestamp,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO usage_entries (id, user_id, credits, balance_after, request_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.UserID, entry.Credits, entry.BalanceAfter, entry.RequestID, entry.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &credits.ConsumeResult{Entry: entry, Balance: newBalance}, nil
}

// Grant implements credits.Storage.
func (s *Storage) Grant(ctx context.Context, req *credits.GrantRequest) (*credits.GrantResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	result, err := grantTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return result, nil
}

func grantTx(ctx context.Context, tx pgx.Tx, req *credits.GrantRequest) (*credits.GrantResult, error) {
	balance, _, err := lockBalance(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO grant_records (user_id, idempotency_key, amount, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
		req.UserID, req.IdempotencyKey, req.Amount, req.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to record grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &credits.GrantResult{Applied: false, Balance: balance}, nil
	}

	newBalance := balance + req.Amount
	_, err = tx.Exec(ctx,
		`UPDATE credit_balances
			SET credits = $1, version = version + 1, updated_at = $2
			WHERE user_id = $3`,
		newBalance, req.Timestamp, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	return &credits.GrantResult{Applied: true, Balance: newBalance}, nil
}

// ListUsage implements credits.Storage.
func (s *Storage) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*credits.UsageEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, credits, balance_after, request_id, created_at FROM usage_entries
			WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
			ORDER BY created_at ASC`,
		userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var entries []*credits.UsageEntry
	for rows.Next() {
		entry := &credits.UsageEntry{UserID: userID}
		if err := rows.Scan(&entry.ID, &entry.Credits, &entry.BalanceAfter, &entry.RequestID, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage entries: %w", err)
	}
	return entries, nil
}

// CreateIntent implements credits.Storage.
func (s *Storage) CreateIntent(ctx context.Context, intent *credits.PaymentIntent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_intents
			(id, user_id, price_cents, currency, credits, status, provider_ref, checkout_url, created_at, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		intent.ID, intent.UserID, intent.PriceCents, intent.Currency, intent.Credits,
		string(intent.Status), intent.ProviderRef, intent.CheckoutURL,
		intent.CreatedAt, intent.ExpiresAt, intent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
	}
	return nil
}

const intentColumns = `id, user_id, price_cents, currency, credits, status, provider_ref, checkout_url, created_at, expires_at, updated_at`

func scanIntent(row pgx.Row) (*credits.PaymentIntent, error) {
	intent := &credits.PaymentIntent{}
	var status string
	err := row.Scan(&intent.ID, &intent.UserID, &intent.PriceCents, &intent.Currency,
		&intent.Credits, &status, &intent.ProviderRef, &intent.CheckoutURL,
		&intent.CreatedAt, &intent.ExpiresAt, &intent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	intent.Status = credits.IntentStatus(status)
	return intent, nil
}

// GetIntent implements credits.Storage.
func (s *Storage) GetIntent(ctx context.Context, intentID string) (*credits.PaymentIntent, error) {
	intent, err := scanIntent(s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, intentID))
	if err == pgx.ErrNoRows {
		return nil, credits.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return intent, nil
}

// FindOpenIntent implements credits.Storage.
func (s *Storage) FindOpenIntent(ctx context.Context, userID string, now time.Time) (*credits.PaymentIntent, error) {
	intent, err := scanIntent(s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents
			WHERE user_id = $1 AND status = 'pending' AND expires_at > $2
			ORDER BY created_at DESC LIMIT 1`,
		userID, now))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open intent: %w", err)
	}
	return intent, nil
}

// ExpireIntentsBefore implements credits.Storage.
func (s *Storage) ExpireIntentsBefore(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_intents SET status = 'expired', updated_at = $1
			WHERE status = 'pending' AND expires_at <= $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire intents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SettleEvent implements credits.Storage. The whole settlement runs in one
// transaction: event dedup, intent transition and grant commit together or
// not at all, which is what makes webhook redelivery harmless.
func (s *Storage) SettleEvent(ctx context.Context, req *credits.SettleRequest) (*credits.SettleResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // rollback after commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	// Fast path: event already processed.
	if prior, err := s.priorEvent(ctx, tx, req.EventID); err != nil {
		return nil, err
	} else if prior != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return prior, nil
	}

	intent, err := scanIntent(tx.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1 FOR UPDATE`,
		req.IntentID))
	if err == pgx.ErrNoRows {
		return s.recordUnmatched(ctx, tx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock intent: %w", err)
	}

	decision := credits.Transition(intent, req.Kind, req.ReceivedAt, req.GraceWindow)

	if decision.NewStatus != intent.Status {
		_, err = tx.Exec(ctx,
			`UPDATE payment_intents SET status = $1, updated_at = $2 WHERE id = $3`,
			string(decision.NewStatus), req.ReceivedAt, intent.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update intent: %w", err)
		}
		intent.Status = decision.NewStatus
		intent.UpdatedAt = req.ReceivedAt
	}

	var balance int
	if decision.GrantCredits > 0 {
		grant, err := grantTx(ctx, tx, &credits.GrantRequest{
			UserID:         intent.UserID,
			Amount:         decision.GrantCredits,
			IdempotencyKey: "intent:" + intent.ID,
			Timestamp:      req.ReceivedAt,
		})
		if err != nil {
			return nil, err
		}
		balance = grant.Balance
	}

	if dup, err := s.recordEvent(ctx, tx, req, intent.ID, decision.Outcome); err != nil {
		return nil, err
	} else if dup != nil {
		return dup, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &credits.SettleResult{
		Outcome: decision.Outcome,
		Intent:  intent,
		Balance: balance,
	}, nil
}

func (s *Storage) priorEvent(ctx context.Context, tx pgx.Tx, eventID string) (*credits.SettleResult, error) {
	var outcome, intentID string
	err := tx.QueryRow(ctx,
		`SELECT outcome, intent_id FROM processed_events WHERE event_id = $1`,
		eventID).Scan(&outcome, &intentID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check processed events: %w", err)
	}

	res := &credits.SettleResult{Duplicate: true, Outcome: credits.EventOutcome(outcome)}
	if intentID != "" {
		intent, err := scanIntent(tx.QueryRow(ctx,
			`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, intentID))
		if err == nil {
			res.Intent = intent
		} else if err != pgx.ErrNoRows {
			return nil, fmt.Errorf("failed to load intent for duplicate event: %w", err)
		}
	}
	return res, nil
}

func (s *Storage) recordUnmatched(ctx context.Context, tx pgx.Tx, req *credits.SettleRequest) (*credits.SettleResult, error) {
	if dup, err := s.recordEvent(ctx, tx, req, req.IntentID, credits.OutcomeUnmatched); err != nil {
		return nil, err
	} else if dup != nil {
		return dup, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &credits.SettleResult{Outcome: credits.OutcomeUnmatched}, nil
}

// recordEvent inserts the processed-event record. A conflict means another
// transaction settled the same event id concurrently; the caller's work is
// rolled back and the prior outcome is returned as a duplicate.
func (s *Storage) recordEvent(ctx context.Context, tx pgx.Tx, req *credits.SettleRequest, intentID string, outcome credits.EventOutcome) (*credits.SettleResult, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (event_id, intent_id, outcome, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING`,
		req.EventID, intentID, string(outcome), req.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil, nil
	}

	if err := tx.Rollback(ctx); err != nil {
		return nil, fmt.Errorf("failed to rollback: %w", err)
	}
	var prior string
	err = s.pool.QueryRow(ctx,
		`SELECT outcome FROM processed_events WHERE event_id = $1`,
		req.EventID).Scan(&prior)
	if err != nil {
		return nil, fmt.Errorf("failed to load concurrent event outcome: %w", err)
	}
	return &credits.SettleResult{Duplicate: true, Outcome: credits.EventOutcome(prior)}, nil
}

// GetProcessedEvent implements credits.Storage.
func (s *Storage) GetProcessedEvent(ctx context.Context, eventID string) (*credits.ProcessedEvent, error) {
	ev := &credits.ProcessedEvent{EventID: eventID}
	var outcome string
	err := s.pool.QueryRow(ctx,
		`SELECT intent_id, outcome, received_at FROM processed_events WHERE event_id = $1`,
		eventID).Scan(&ev.IntentID, &outcome, &ev.ReceivedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}
	ev.Outcome = credits.EventOutcome(outcome)
	return ev, nil
}
