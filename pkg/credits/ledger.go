package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// conflictRetries bounds transparent retries of optimistic-conflict losers.
const conflictRetries = 3

// Ledger is the authoritative per-user credit balance. It exclusively owns
// balance mutation; generators and HTTP handlers go through the Gate, never
// through the Ledger directly.
type Ledger struct {
	storage Storage
	config  Config
}

// NewLedger creates a ledger over the given storage.
func NewLedger(storage Storage, config Config) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	return &Ledger{storage: storage, config: config.withDefaults()}, nil
}

// GetBalance returns the user's current balance. Never negative by
// construction: storage rejects any decrement below zero.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int, error) {
	bal, err := l.storage.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal.Credits, nil
}

// TryConsume atomically decrements the balance by amount and appends the
// matching usage entry, if the balance covers it. An insufficient balance
// returns ErrInsufficientCredits and mutates nothing.
//
// requestID is the caller's idempotency token: replaying a consume with a
// requestID that already succeeded returns the original entry without a
// second decrement.
func (l *Ledger) TryConsume(ctx context.Context, userID string, amount int, requestID string) (*ConsumeResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	req := &ConsumeRequest{
		UserID:    userID,
		Amount:    amount,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}

	res, err := l.withConflictRetry(ctx, func() (*ConsumeResult, error) {
		return l.storage.Consume(ctx, req)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			l.config.Metrics.RecordConsumption(userID, amount, false)
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume credits: %w", err)
	}

	l.config.Metrics.RecordConsumption(userID, amount, true)
	l.config.Logger.Debug("credits consumed",
		Field{Key: "user_id", Value: userID},
		Field{Key: "amount", Value: amount},
		Field{Key: "balance", Value: res.Balance},
		Field{Key: "replayed", Value: res.Replayed},
	)
	return res, nil
}

// Grant atomically increments the balance by amount. A grant whose
// idempotency key was already applied is a no-op returning Applied=false;
// this is what makes repeated webhook processing safe.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, idempotencyKey string) (*GrantResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	req := &GrantRequest{
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Timestamp:      time.Now().UTC(),
	}

	res, err := l.withGrantConflictRetry(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to grant credits: %w", err)
	}

	l.config.Metrics.RecordGrant(userID, amount, res.Applied)
	if !res.Applied {
		l.config.Logger.Info("grant deduplicated",
			Field{Key: "user_id", Value: userID},
			Field{Key: "idempotency_key", Value: idempotencyKey},
		)
	}
	return res, nil
}

// ListUsage returns the user's usage entries in [from, to), timestamp
// ascending. Audit only; never consulted for billing decisions.
func (l *Ledger) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageEntry, error) {
	entries, err := l.storage.ListUsage(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return entries, nil
}

func (l *Ledger) withConflictRetry(ctx context.Context, op func() (*ConsumeResult, error)) (*ConsumeResult, error) {
	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		res, err := op()
		if err == nil || !errors.Is(err, ErrConflict) {
			return res, err
		}
		lastErr = err
		if err := sleepCtx(ctx, time.Duration(attempt+1)*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (l *Ledger) withGrantConflictRetry(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		res, err := l.storage.Grant(ctx, req)
		if err == nil || !errors.Is(err, ErrConflict) {
			return res, err
		}
		lastErr = err
		if err := sleepCtx(ctx, time.Duration(attempt+1)*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
