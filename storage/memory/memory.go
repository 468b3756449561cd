// Package memory provides an in-memory implementation of the credits.Storage
// interface. It is the reference backend: every atomicity guarantee the
// interface documents is enforced here under a single mutex, which makes it
// suitable for tests and single-process deployments but not for anything
// that needs durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// Storage is an in-memory credits.Storage. Safe for concurrent use.
type Storage struct {
	mu sync.Mutex

	balances map[string]*credits.Balance
	usage    map[string][]*credits.UsageEntry

	// requests maps userID -> requestID -> usage entry id, for consume
	// replay detection.
	requests map[string]map[string]string

	// grants maps userID -> idempotency key set.
	grants map[string]map[string]bool

	intents map[string]*credits.PaymentIntent
	events  map[string]*credits.ProcessedEvent
}

// New creates a new in-memory storage.
func New() *Storage {
	return &Storage{
		balances: make(map[string]*credits.Balance),
		usage:    make(map[string][]*credits.UsageEntry),
		requests: make(map[string]map[string]string),
		grants:   make(map[string]map[string]bool),
		intents:  make(map[string]*credits.PaymentIntent),
		events:   make(map[string]*credits.ProcessedEvent),
	}
}

// GetBalance returns the user's balance, zero-valued for unknown users.
func (s *Storage) GetBalance(ctx context.Context, userID string) (*credits.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balance(userID)
	cp := *bal
	return &cp, nil
}

func (s *Storage) balance(userID string) *credits.Balance {
	bal, ok := s.balances[userID]
	if !ok {
		bal = &credits.Balance{UserID: userID}
		s.balances[userID] = bal
	}
	return bal
}

// Consume atomically decrements the balance and appends the usage entry.
func (s *Storage) Consume(ctx context.Context, req *credits.ConsumeRequest) (*credits.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.RequestID != "" {
		if entryID, ok := s.requests[req.UserID][req.RequestID]; ok {
			entry := s.findEntry(req.UserID, entryID)
			if entry == nil {
				return nil, fmt.Errorf("consume record %s has no usage entry", entryID)
			}
			cp := *entry
			return &credits.ConsumeResult{
				Entry:    &cp,
				Balance:  s.balance(req.UserID).Credits,
				Replayed: true,
			}, nil
		}
	}

	bal := s.balance(req.UserID)
	if bal.Credits < req.Amount {
		return nil, credits.ErrInsufficientCredits
	}

	bal.Credits -= req.Amount
	bal.Version++
	bal.UpdatedAt = req.Timestamp

	entry := &credits.UsageEntry{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Credits:      req.Amount,
		BalanceAfter: bal.Credits,
		RequestID:    req.RequestID,
		Timestamp:    req.Timestamp,
	}
	s.usage[req.UserID] = append(s.usage[req.UserID], entry)

	if req.RequestID != "" {
		if s.requests[req.UserID] == nil {
			s.requests[req.UserID] = make(map[string]string)
		}
		s.requests[req.UserID][req.RequestID] = entry.ID
	}

	cp := *entry
	return &credits.ConsumeResult{Entry: &cp, Balance: bal.Credits}, nil
}

func (s *Storage) findEntry(userID, entryID string) *credits.UsageEntry {
	for _, e := range s.usage[userID] {
		if e.ID == entryID {
			return e
		}
	}
	return nil
}

// Grant atomically increments the balance, deduplicating by idempotency key.
func (s *Storage) Grant(ctx context.Context, req *credits.GrantRequest) (*credits.GrantResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.grantLocked(req)
	return res, nil
}

func (s *Storage) grantLocked(req *credits.GrantRequest) *credits.GrantResult {
	if s.grants[req.UserID][req.IdempotencyKey] {
		return &credits.GrantResult{Applied: false, Balance: s.balance(req.UserID).Credits}
	}

	bal := s.balance(req.UserID)
	bal.Credits += req.Amount
	bal.Version++
	bal.UpdatedAt = req.Timestamp

	if s.grants[req.UserID] == nil {
		s.grants[req.UserID] = make(map[string]bool)
	}
	s.grants[req.UserID][req.IdempotencyKey] = true

	return &credits.GrantResult{Applied: true, Balance: bal.Credits}
}

// ListUsage returns the user's usage entries in [from, to), ascending.
func (s *Storage) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*credits.UsageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*credits.UsageEntry
	for _, e := range s.usage[userID] {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// CreateIntent persists a new payment intent.
func (s *Storage) CreateIntent(ctx context.Context, intent *credits.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[intent.ID]; ok {
		return fmt.Errorf("intent %s already exists", intent.ID)
	}
	cp := *intent
	s.intents[intent.ID] = &cp
	return nil
}

// GetIntent returns an intent by id.
func (s *Storage) GetIntent(ctx context.Context, intentID string) (*credits.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[intentID]
	if !ok {
		return nil, credits.ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

// FindOpenIntent returns the user's most recent open Pending intent, or nil.
func (s *Storage) FindOpenIntent(ctx context.Context, userID string, now time.Time) (*credits.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *credits.PaymentIntent
	for _, intent := range s.intents {
		if intent.UserID != userID || intent.Status != credits.IntentPending {
			continue
		}
		if !now.Before(intent.ExpiresAt) {
			continue
		}
		if newest == nil || intent.CreatedAt.After(newest.CreatedAt) {
			newest = intent
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

// ExpireIntentsBefore moves stale Pending intents to Expired.
func (s *Storage) ExpireIntentsBefore(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, intent := range s.intents {
		if intent.Status != credits.IntentPending {
			continue
		}
		if intent.ExpiresAt.After(now) {
			continue
		}
		intent.Status = credits.IntentExpired
		intent.UpdatedAt = now
		count++
	}
	return count, nil
}

// SettleEvent applies one provider event: event-id dedup, intent transition
// and grant as one unit under the storage mutex.
func (s *Storage) SettleEvent(ctx context.Context, req *credits.SettleRequest) (*credits.SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.events[req.EventID]; ok {
		res := &credits.SettleResult{Duplicate: true, Outcome: prior.Outcome}
		if intent, ok := s.intents[prior.IntentID]; ok {
			cp := *intent
			res.Intent = &cp
			res.Balance = s.balance(intent.UserID).Credits
		}
		return res, nil
	}

	record := &credits.ProcessedEvent{
		EventID:    req.EventID,
		IntentID:   req.IntentID,
		ReceivedAt: req.ReceivedAt,
	}

	intent, ok := s.intents[req.IntentID]
	if !ok {
		record.Outcome = credits.OutcomeUnmatched
		s.events[req.EventID] = record
		return &credits.SettleResult{Outcome: credits.OutcomeUnmatched}, nil
	}

	decision := credits.Transition(intent, req.Kind, req.ReceivedAt, req.GraceWindow)

	if decision.NewStatus != intent.Status {
		intent.Status = decision.NewStatus
		intent.UpdatedAt = req.ReceivedAt
	}

	balance := s.balance(intent.UserID).Credits
	if decision.GrantCredits > 0 {
		res := s.grantLocked(&credits.GrantRequest{
			UserID:         intent.UserID,
			Amount:         decision.GrantCredits,
			IdempotencyKey: "intent:" + intent.ID,
			Timestamp:      req.ReceivedAt,
		})
		balance = res.Balance
	}

	record.Outcome = decision.Outcome
	s.events[req.EventID] = record

	cp := *intent
	return &credits.SettleResult{
		Outcome: decision.Outcome,
		Intent:  &cp,
		Balance: balance,
	}, nil
}

// GetProcessedEvent returns a processed event by id, or nil when unseen.
func (s *Storage) GetProcessedEvent(ctx context.Context, eventID string) (*credits.ProcessedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}
