// Package firestore provides a Firestore implementation of the
// credits.Storage interface. Compound operations run inside Firestore
// transactions; Firestore requires every read to happen before the first
// write, so each operation reads its full working set up front.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// Storage implements credits.Storage using Google Cloud Firestore.
type Storage struct {
	client             *firestore.Client
	balancesCollection string
	usageCollection    string
	requestsCollection string
	grantsCollection   string
	intentsCollection  string
	eventsCollection   string
}

// Config holds Firestore storage configuration.
type Config struct {
	// BalancesCollection holds one document per user.
	// Default: "credit_balances"
	BalancesCollection string

	// UsageCollection holds one document per usage entry.
	// Default: "credit_usage"
	UsageCollection string

	// RequestsCollection holds consume replay records.
	// Default: "credit_requests"
	RequestsCollection string

	// GrantsCollection holds grant idempotency records.
	// Default: "credit_grants"
	GrantsCollection string

	// IntentsCollection holds payment intents.
	// Default: "payment_intents"
	IntentsCollection string

	// EventsCollection holds processed webhook events.
	// Default: "payment_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.BalancesCollection == "" {
		config.BalancesCollection = "credit_balances"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "credit_usage"
	}
	if config.RequestsCollection == "" {
		config.RequestsCollection = "credit_requests"
	}
	if config.GrantsCollection == "" {
		config.GrantsCollection = "credit_grants"
	}
	if config.IntentsCollection == "" {
		config.IntentsCollection = "payment_intents"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "payment_events"
	}

	return &Storage{
		client:             client,
		balancesCollection: config.BalancesCollection,
		usageCollection:    config.UsageCollection,
		requestsCollection: config.RequestsCollection,
		grantsCollection:   config.GrantsCollection,
		intentsCollection:  config.IntentsCollection,
		eventsCollection:   config.EventsCollection,
	}, nil
}

func (s *Storage) balanceDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.balancesCollection).Doc(userID)
}

func (s *Storage) requestDoc(userID, requestID string) *firestore.DocumentRef {
	return s.client.Collection(s.requestsCollection).Doc(userID + ":" + requestID)
}

func (s *Storage) grantDoc(userID, idempotencyKey string) *firestore.DocumentRef {
	return s.client.Collection(s.grantsCollection).Doc(userID + ":" + idempotencyKey)
}

// GetBalance implements credits.Storage.
func (s *Storage) GetBalance(ctx context.Context, userID string) (*credits.Balance, error) {
	snap, err := s.balanceDoc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return &credits.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balanceFromSnap(userID, snap), nil
}

func balanceFromSnap(userID string, snap *firestore.DocumentSnapshot) *credits.Balance {
	data := snap.Data()
	bal := &credits.Balance{UserID: userID}
	if v, ok := data["credits"].(int64); ok {
		bal.Credits = int(v)
	}
	if v, ok := data["version"].(int64); ok {
		bal.Version = v
	}
	if v, ok := data["updatedAt"].(time.Time); ok {
		bal.UpdatedAt = v
	}
	return bal
}

// txBalance reads the balance doc inside a transaction, zero when missing.
func (s *Storage) txBalance(tx *firestore.Transaction, userID string) (*credits.Balance, error) {
	snap, err := tx.Get(s.balanceDoc(userID))
	if status.Code(err) == codes.NotFound {
		return &credits.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return balanceFromSnap(userID, snap), nil
}

func (s *Storage) txWriteBalance(tx *firestore.Transaction, bal *credits.Balance, at time.Time) error {
	return tx.Set(s.balanceDoc(bal.UserID), map[string]interface{}{
		"credits":   bal.Credits,
		"version":   bal.Version + 1,
		"updatedAt": at,
	})
}

// Consume implements credits.Storage.
func (s *Storage) Consume(ctx context.Context, req *credits.ConsumeRequest) (*credits.ConsumeResult, error) {
	var result *credits.ConsumeResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Reads first: replay record, then balance.
		if req.RequestID != "" {
			snap, err := tx.Get(s.requestDoc(req.UserID, req.RequestID))
			if err != nil && status.Code(err) != codes.NotFound {
				return fmt.Errorf("failed to check request id: %w", err)
			}
			if err == nil {
				bal, err := s.txBalance(tx, req.UserID)
				if err != nil {
					return err
				}
				result = &credits.ConsumeResult{
					Entry:    entryFromData(snap.Data()),
					Balance:  bal.Credits,
					Replayed: true,
				}
				return nil
			}
		}

		bal, err := s.txBalance(tx, req.UserID)
		if err != nil {
			return err
		}
		if bal.Credits < req.Amount {
			return credits.ErrInsufficientCredits
		}
		bal.Credits -= req.Amount

		entry := &credits.UsageEntry{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			Credits:      req.Amount,
			BalanceAfter: bal.Credits,
			RequestID:    req.RequestID,
			Timestamp:    req.Timestamp,
		}
		entryData := entryToData(entry)

		if err := s.txWriteBalance(tx, bal, req.Timestamp); err != nil {
			return err
		}
		if err := tx.Set(s.client.Collection(s.usageCollection).Doc(entry.ID), entryData); err != nil {
			return err
		}
		if req.RequestID != "" {
			if err := tx.Set(s.requestDoc(req.UserID, req.RequestID), entryData); err != nil {
				return err
			}
		}
		result = &credits.ConsumeResult{Entry: entry, Balance: bal.Credits}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func entryToData(entry *credits.UsageEntry) map[string]interface{} {
	return map[string]interface{}{
		"id":           entry.ID,
		"userId":       entry.UserID,
		"credits":      entry.Credits,
		"balanceAfter": entry.BalanceAfter,
		"requestId":    entry.RequestID,
		"timestamp":    entry.Timestamp,
	}
}

func entryFromData(data map[string]interface{}) *credits.UsageEntry {
	entry := &credits.UsageEntry{}
	if v, ok := data["id"].(string); ok {
		entry.ID = v
	}
	if v, ok := data["userId"].(string); ok {
		entry.UserID = v
	}
	if v, ok := data["credits"].(int64); ok {
		entry.Credits = int(v)
	}
	if v, ok := data["balanceAfter"].(int64); ok {
		entry.BalanceAfter = int(v)
	}
	if v, ok := data["requestId"].(string); ok {
		entry.RequestID = v
	}
	if v, ok := data["timestamp"].(time.Time); ok {
		entry.Timestamp = v
	}
	return entry
}

// Grant implements credits.Storage.
func (s *Storage) Grant(ctx context.Context, req *credits.GrantRequest) (*credits.GrantResult, error) {
	var result *credits.GrantResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		res, err := s.txGrant(tx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// txGrant performs the grant inside an open transaction. The caller must
// not have written yet: this reads the grant record and the balance.
func (s *Storage) txGrant(tx *firestore.Transaction, req *credits.GrantRequest) (*credits.GrantResult, error) {
	grantRef := s.grantDoc(req.UserID, req.IdempotencyKey)
	_, err := tx.Get(grantRef)
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, fmt.Errorf("failed to check grant record: %w", err)
	}

	bal, berr := s.txBalance(tx, req.UserID)
	if berr != nil {
		return nil, berr
	}

	if err == nil {
		return &credits.GrantResult{Applied: false, Balance: bal.Credits}, nil
	}

	bal.Credits += req.Amount
	if err := s.txWriteBalance(tx, bal, req.Timestamp); err != nil {
		return nil, err
	}
	if err := tx.Set(grantRef, map[string]interface{}{
		"userId":    req.UserID,
		"amount":    req.Amount,
		"createdAt": req.Timestamp,
	}); err != nil {
		return nil, err
	}
	return &credits.GrantResult{Applied: true, Balance: bal.Credits}, nil
}

// ListUsage implements credits.Storage.
func (s *Storage) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*credits.UsageEntry, error) {
	iter := s.client.Collection(s.usageCollection).
		Where("userId", "==", userID).
		Where("timestamp", ">=", from).
		Where("timestamp", "<", to).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []*credits.UsageEntry
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("failed to list usage: %w", err)
		}
		entries = append(entries, entryFromData(snap.Data()))
	}
	return entries, nil
}

// CreateIntent implements credits.Storage.
func (s *Storage) CreateIntent(ctx context.Context, intent *credits.PaymentIntent) error {
	_, err := s.client.Collection(s.intentsCollection).Doc(intent.ID).Create(ctx, intentToData(intent))
	if err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
	}
	return nil
}

func intentToData(intent *credits.PaymentIntent) map[string]interface{} {
	return map[string]interface{}{
		"userId":      intent.UserID,
		"priceCents":  intent.PriceCents,
		"currency":    intent.Currency,
		"credits":     intent.Credits,
		"status":      string(intent.Status),
		"providerRef": intent.ProviderRef,
		"checkoutUrl": intent.CheckoutURL,
		"createdAt":   intent.CreatedAt,
		"expiresAt":   intent.ExpiresAt,
		"updatedAt":   intent.UpdatedAt,
	}
}

func intentFromSnap(snap *firestore.DocumentSnapshot) *credits.PaymentIntent {
	data := snap.Data()
	intent := &credits.PaymentIntent{ID: snap.Ref.ID}
	if v, ok := data["userId"].(string); ok {
		intent.UserID = v
	}
	if v, ok := data["priceCents"].(int64); ok {
		intent.PriceCents = v
	}
	if v, ok := data["currency"].(string); ok {
		intent.Currency = v
	}
	if v, ok := data["credits"].(int64); ok {
		intent.Credits = int(v)
	}
	if v, ok := data["status"].(string); ok {
		intent.Status = credits.IntentStatus(v)
	}
	if v, ok := data["providerRef"].(string); ok {
		intent.ProviderRef = v
	}
	if v, ok := data["checkoutUrl"].(string); ok {
		intent.CheckoutURL = v
	}
	if v, ok := data["createdAt"].(time.Time); ok {
		intent.CreatedAt = v
	}
	if v, ok := data["expiresAt"].(time.Time); ok {
		intent.ExpiresAt = v
	}
	if v, ok := data["updatedAt"].(time.Time); ok {
		intent.UpdatedAt = v
	}
	return intent
}

// GetIntent implements credits.Storage.
func (s *Storage) GetIntent(ctx context.Context, intentID string) (*credits.PaymentIntent, error) {
	snap, err := s.client.Collection(s.intentsCollection).Doc(intentID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, credits.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return intentFromSnap(snap), nil
}

// FindOpenIntent implements credits.Storage. The expiry filter runs in
// code: combining an inequality on expiresAt with an order on createdAt
// would need a composite index per deployment.
func (s *Storage) FindOpenIntent(ctx context.Context, userID string, now time.Time) (*credits.PaymentIntent, error) {
	iter := s.client.Collection(s.intentsCollection).
		Where("userId", "==", userID).
		Where("status", "==", string(credits.IntentPending)).
		OrderBy("createdAt", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to find open intent: %w", err)
		}
		intent := intentFromSnap(snap)
		if now.Before(intent.ExpiresAt) {
			return intent, nil
		}
	}
}

// ExpireIntentsBefore implements credits.Storage.
func (s *Storage) ExpireIntentsBefore(ctx context.Context, now time.Time) (int, error) {
	iter := s.client.Collection(s.intentsCollection).
		Where("status", "==", string(credits.IntentPending)).
		Where("expiresAt", "<=", now).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return count, fmt.Errorf("failed to scan stale intents: %w", err)
		}

		ref := snap.Ref
		err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
			cur, err := tx.Get(ref)
			if err != nil {
				return err
			}
			if s, _ := cur.Data()["status"].(string); s != string(credits.IntentPending) {
				return nil
			}
			return tx.Update(ref, []firestore.Update{
				{Path: "status", Value: string(credits.IntentExpired)},
				{Path: "updatedAt", Value: now},
			})
		})
		if err != nil {
			return count, fmt.Errorf("failed to expire intent %s: %w", ref.ID, err)
		}
		count++
	}
	return count, nil
}

// SettleEvent implements credits.Storage.
func (s *Storage) SettleEvent(ctx context.Context, req *credits.SettleRequest) (*credits.SettleResult, error) {
	var result *credits.SettleResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		eventRef := s.client.Collection(s.eventsCollection).Doc(req.EventID)

		// Reads first: event record, intent, then the grant working set.
		eventSnap, err := tx.Get(eventRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to check event record: %w", err)
		}
		if err == nil {
			data := eventSnap.Data()
			res := &credits.SettleResult{Duplicate: true}
			if v, ok := data["outcome"].(string); ok {
				res.Outcome = credits.EventOutcome(v)
			}
			result = res
			return nil
		}

		// An empty intent reference would otherwise build an invalid
		// document path; settle it as unmatched like a missing intent.
		if req.IntentID == "" {
			result = &credits.SettleResult{Outcome: credits.OutcomeUnmatched}
			return s.txWriteEvent(tx, eventRef, req, credits.OutcomeUnmatched)
		}

		intentRef := s.client.Collection(s.intentsCollection).Doc(req.IntentID)
		intentSnap, err := tx.Get(intentRef)
		if status.Code(err) == codes.NotFound {
			result = &credits.SettleResult{Outcome: credits.OutcomeUnmatched}
			return s.txWriteEvent(tx, eventRef, req, credits.OutcomeUnmatched)
		}
		if err != nil {
			return fmt.Errorf("failed to read intent: %w", err)
		}

		intent := intentFromSnap(intentSnap)
		decision := credits.Transition(intent, req.Kind, req.ReceivedAt, req.GraceWindow)

		var grantRes *credits.GrantResult
		if decision.GrantCredits > 0 {
			grantRes, err = s.txGrant(tx, &credits.GrantRequest{
				UserID:         intent.UserID,
				Amount:         decision.GrantCredits,
				IdempotencyKey: "intent:" + intent.ID,
				Timestamp:      req.ReceivedAt,
			})
			if err != nil {
				return err
			}
		}

		if decision.NewStatus != intent.Status {
			if err := tx.Update(intentRef, []firestore.Update{
				{Path: "status", Value: string(decision.NewStatus)},
				{Path: "updatedAt", Value: req.ReceivedAt},
			}); err != nil {
				return err
			}
			intent.Status = decision.NewStatus
			intent.UpdatedAt = req.ReceivedAt
		}

		if err := s.txWriteEvent(tx, eventRef, req, decision.Outcome); err != nil {
			return err
		}

		result = &credits.SettleResult{Outcome: decision.Outcome, Intent: intent}
		if grantRes != nil {
			result.Balance = grantRes.Balance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Storage) txWriteEvent(tx *firestore.Transaction, ref *firestore.DocumentRef, req *credits.SettleRequest, outcome credits.EventOutcome) error {
	return tx.Set(ref, map[string]interface{}{
		"intentId":   req.IntentID,
		"outcome":    string(outcome),
		"receivedAt": req.ReceivedAt,
	})
}

// GetProcessedEvent implements credits.Storage.
func (s *Storage) GetProcessedEvent(ctx context.Context, eventID string) (*credits.ProcessedEvent, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}

	data := snap.Data()
	ev := &credits.ProcessedEvent{EventID: eventID}
	if v, ok := data["intentId"].(string); ok {
		ev.IntentID = v
	}
	if v, ok := data["outcome"].(string); ok {
		ev.Outcome = credits.EventOutcome(v)
	}
	if v, ok := data["receivedAt"].(time.Time); ok {
		ev.ReceivedAt = v
	}
	return ev, nil
}

