// Package redis provides a Redis implementation of the credits.Storage
// interface. Compound operations run as Lua scripts so the consume, grant
// and settle groupings stay atomic; intent transitions use an optimistic
// status check inside the script with bounded retries in Go.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// Storage implements credits.Storage using Redis.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocredits:").
	KeyPrefix string

	// RequestTTL is the TTL for consume replay records (0 = no expiration).
	RequestTTL time.Duration

	// MaxRetries bounds optimistic retries on intent transitions
	// (default: 3).
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "gocredits:",
		RequestTTL: 24 * time.Hour,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocredits:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Consume: replay check, balance check, decrement and usage append
	// in one atomic unit. The entry's BalanceAfter is patched in-script
	// so the stored record matches the post-decrement balance.
	// KEYS: balance, request, usage
	// ARGV: amount, entryJSON, tsNano, requestTTLSeconds, updatedAt
	s.scripts["consume"] = redis.NewScript(`
		local balanceKey = KEYS[1]
		local requestKey = KEYS[2]
		local usageKey = KEYS[3]
		local amount = tonumber(ARGV[1])
		local score = ARGV[3]
		local ttl = tonumber(ARGV[4])

		if requestKey ~= "" then
			local prior = redis.call('GET', requestKey)
			if prior then
				local balance = tonumber(redis.call('HGET', balanceKey, 'credits') or 0)
				return {'replayed', prior, balance}
			end
		end

		local balance = tonumber(redis.call('HGET', balanceKey, 'credits') or 0)
		if balance < amount then
			return {'insufficient'}
		end

		balance = redis.call('HINCRBY', balanceKey, 'credits', -amount)
		redis.call('HINCRBY', balanceKey, 'version', 1)
		redis.call('HSET', balanceKey, 'updated_at', ARGV[5])

		local entry = cjson.decode(ARGV[2])
		entry.BalanceAfter = balance
		local final = cjson.encode(entry)

		redis.call('ZADD', usageKey, score, final)
		if requestKey ~= "" then
			if ttl > 0 then
				redis.call('SET', requestKey, final, 'EX', ttl)
			else
				redis.call('SET', requestKey, final)
			end
		end
		return {'ok', balance}
	`)

	// Grant: idempotency-key dedup plus increment.
	// KEYS: balance, grant
	// ARGV: amount, updatedAt
	s.scripts["grant"] = redis.NewScript(`
		local balanceKey = KEYS[1]
		local grantKey = KEYS[2]
		local amount = tonumber(ARGV[1])

		if redis.call('EXISTS', grantKey) == 1 then
			local balance = tonumber(redis.call('HGET', balanceKey, 'credits') or 0)
			return {'duplicate', balance}
		end

		redis.call('SET', grantKey, 1)
		local balance = redis.call('HINCRBY', balanceKey, 'credits', amount)
		redis.call('HINCRBY', balanceKey, 'version', 1)
		redis.call('HSET', balanceKey, 'updated_at', ARGV[2])
		return {'ok', balance}
	`)

	// Settle: event dedup, optimistic intent CAS, grant and event record.
	// The transition decision is computed in Go against a snapshot; the
	// script rejects with 'conflict' when the intent moved meanwhile.
	// KEYS: event, intent, balance, grant, pendingUser, pendingAll
	// ARGV: eventJSON, intentJSON, expectedStatus, newStatus, grantAmount, intentID
	s.scripts["settle"] = redis.NewScript(`
		local eventKey = KEYS[1]
		local intentKey = KEYS[2]
		local balanceKey = KEYS[3]
		local grantKey = KEYS[4]
		local pendingUserKey = KEYS[5]
		local pendingAllKey = KEYS[6]
		local eventJSON = ARGV[1]
		local intentJSON = ARGV[2]
		local expectedStatus = ARGV[3]
		local newStatus = ARGV[4]
		local grantAmount = tonumber(ARGV[5])
		local intentID = ARGV[6]

		local prior = redis.call('GET', eventKey)
		if prior then
			return {'duplicate', prior}
		end

		local raw = redis.call('GET', intentKey)
		if not raw then
			return {'gone'}
		end
		local current = cjson.decode(raw)
		if current.Status ~= expectedStatus then
			return {'conflict'}
		end

		redis.call('SET', intentKey, intentJSON)
		if newStatus ~= 'pending' then
			redis.call('ZREM', pendingUserKey, intentID)
			redis.call('ZREM', pendingAllKey, intentID)
		end

		local balance = tonumber(redis.call('HGET', balanceKey, 'credits') or 0)
		if grantAmount > 0 and redis.call('EXISTS', grantKey) == 0 then
			redis.call('SET', grantKey, 1)
			balance = redis.call('HINCRBY', balanceKey, 'credits', grantAmount)
			redis.call('HINCRBY', balanceKey, 'version', 1)
		end

		redis.call('SET', eventKey, eventJSON)
		return {'ok', balance}
	`)

	// RecordEvent: dedup-only path for events with no resolvable intent.
	// KEYS: event
	// ARGV: eventJSON
	s.scripts["recordEvent"] = redis.NewScript(`
		local prior = redis.call('GET', KEYS[1])
		if prior then
			return {'duplicate', prior}
		end
		redis.call('SET', KEYS[1], ARGV[1])
		return {'ok'}
	`)

	// Expire: move one pending intent past its deadline to expired.
	// KEYS: intent, pendingUser, pendingAll
	// ARGV: nowUnix, intentID, nowRFC3339
	s.scripts["expire"] = redis.NewScript(`
		local intentKey = KEYS[1]
		local pendingUserKey = KEYS[2]
		local pendingAllKey = KEYS[3]
		local intentID = ARGV[2]

		local raw = redis.call('GET', intentKey)
		if not raw then
			redis.call('ZREM', pendingAllKey, intentID)
			return 0
		end
		local intent = cjson.decode(raw)
		if intent.Status ~= 'pending' then
			redis.call('ZREM', pendingUserKey, intentID)
			redis.call('ZREM', pendingAllKey, intentID)
			return 0
		end
		intent.Status = 'expired'
		intent.UpdatedAt = ARGV[3]
		redis.call('SET', intentKey, cjson.encode(intent))
		redis.call('ZREM', pendingUserKey, intentID)
		redis.call('ZREM', pendingAllKey, intentID)
		return 1
	`)
}

// Key helpers.

func (s *Storage) balanceKey(userID string) string {
	return fmt.Sprintf("%sbalance:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) usageKey(userID string) string {
	return fmt.Sprintf("%susage:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) requestKey(userID, requestID string) string {
	return fmt.Sprintf("%srequest:%s:%s", s.config.KeyPrefix, userID, requestID)
}

func (s *Storage) grantKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("%sgrant:%s:%s", s.config.KeyPrefix, userID, idempotencyKey)
}

func (s *Storage) intentKey(intentID string) string {
	return fmt.Sprintf("%sintent:%s", s.config.KeyPrefix, intentID)
}

func (s *Storage) pendingUserKey(userID string) string {
	return fmt.Sprintf("%spending:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) pendingAllKey() string {
	return s.config.KeyPrefix + "pending"
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

// GetBalance implements credits.Storage.
func (s *Storage) GetBalance(ctx context.Context, userID string) (*credits.Balance, error) {
	vals, err := s.client.HGetAll(ctx, s.balanceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	bal := &credits.Balance{UserID: userID}
	if c, ok := vals["credits"]; ok {
		bal.Credits, _ = strconv.Atoi(c)
	}
	if v, ok := vals["version"]; ok {
		bal.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	if u, ok := vals["updated_at"]; ok {
		bal.UpdatedAt, _ = time.Parse(time.RFC3339Nano, u)
	}
	return bal, nil
}

// Consume implements credits.Storage.
func (s *Storage) Consume(ctx context.Context, req *credits.ConsumeRequest) (*credits.ConsumeResult, error) {
	entry := &credits.UsageEntry{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Credits:   req.Amount,
		RequestID: req.RequestID,
		Timestamp: req.Timestamp,
	}

	requestKey := ""
	if req.RequestID != "" {
		requestKey = s.requestKey(req.UserID, req.RequestID)
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}

	res, err := s.scripts["consume"].Run(ctx, s.client,
		[]string{s.balanceKey(req.UserID), requestKey, s.usageKey(req.UserID)},
		req.Amount, string(entryJSON),
		strconv.FormatInt(req.Timestamp.UnixNano(), 10),
		int(s.config.RequestTTL.Seconds()),
		req.Timestamp.Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run consume script: %w", err)
	}

	switch res[0] {
	case "insufficient":
		return nil, credits.ErrInsufficientCredits
	case "replayed":
		prior := &credits.UsageEntry{}
		if err := json.Unmarshal([]byte(res[1].(string)), prior); err != nil {
			return nil, fmt.Errorf("failed to decode replayed entry: %w", err)
		}
		balance, _ := toInt(res[2])
		return &credits.ConsumeResult{Entry: prior, Balance: balance, Replayed: true}, nil
	}

	balance, _ := toInt(res[1])
	entry.BalanceAfter = balance
	return &credits.ConsumeResult{Entry: entry, Balance: balance}, nil
}

// Grant implements credits.Storage.
func (s *Storage) Grant(ctx context.Context, req *credits.GrantRequest) (*credits.GrantResult, error) {
	res, err := s.scripts["grant"].Run(ctx, s.client,
		[]string{s.balanceKey(req.UserID), s.grantKey(req.UserID, req.IdempotencyKey)},
		req.Amount, req.Timestamp.Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run grant script: %w", err)
	}

	balance, _ := toInt(res[1])
	if res[0] == "duplicate" {
		return &credits.GrantResult{Applied: false, Balance: balance}, nil
	}
	return &credits.GrantResult{Applied: true, Balance: balance}, nil
}

// ListUsage implements credits.Storage.
func (s *Storage) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*credits.UsageEntry, error) {
	members, err := s.client.ZRangeByScore(ctx, s.usageKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixNano(), 10),
		Max: "(" + strconv.FormatInt(to.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	entries := make([]*credits.UsageEntry, 0, len(members))
	for _, m := range members {
		entry := &credits.UsageEntry{}
		if err := json.Unmarshal([]byte(m), entry); err != nil {
			return nil, fmt.Errorf("failed to decode usage entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CreateIntent implements credits.Storage.
func (s *Storage) CreateIntent(ctx context.Context, intent *credits.PaymentIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.intentKey(intent.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
	}
	if !ok {
		return fmt.Errorf("intent %s already exists", intent.ID)
	}

	if intent.Status == credits.IntentPending {
		pipe := s.client.Pipeline()
		pipe.ZAdd(ctx, s.pendingUserKey(intent.UserID), redis.Z{
			Score:  float64(intent.CreatedAt.Unix()),
			Member: intent.ID,
		})
		pipe.ZAdd(ctx, s.pendingAllKey(), redis.Z{
			Score:  float64(intent.ExpiresAt.Unix()),
			Member: intent.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to index pending intent: %w", err)
		}
	}
	return nil
}

// GetIntent implements credits.Storage.
func (s *Storage) GetIntent(ctx context.Context, intentID string) (*credits.PaymentIntent, error) {
	raw, err := s.client.Get(ctx, s.intentKey(intentID)).Result()
	if err == redis.Nil {
		return nil, credits.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}

	intent := &credits.PaymentIntent{}
	if err := json.Unmarshal([]byte(raw), intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent: %w", err)
	}
	return intent, nil
}

// FindOpenIntent implements credits.Storage.
func (s *Storage) FindOpenIntent(ctx context.Context, userID string, now time.Time) (*credits.PaymentIntent, error) {
	// Newest first; the index can lag behind settlements, so each
	// candidate is verified against its record.
	ids, err := s.client.ZRevRange(ctx, s.pendingUserKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending index: %w", err)
	}

	for _, id := range ids {
		intent, err := s.GetIntent(ctx, id)
		if err == credits.ErrIntentNotFound {
			s.client.ZRem(ctx, s.pendingUserKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if intent.Status == credits.IntentPending && now.Before(intent.ExpiresAt) {
			return intent, nil
		}
		if intent.Status != credits.IntentPending {
			s.client.ZRem(ctx, s.pendingUserKey(userID), id)
		}
	}
	return nil, nil
}

// ExpireIntentsBefore implements credits.Storage.
func (s *Storage) ExpireIntentsBefore(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingAllKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read expiry index: %w", err)
	}

	count := 0
	for _, id := range ids {
		intent, err := s.GetIntent(ctx, id)
		if err == credits.ErrIntentNotFound {
			s.client.ZRem(ctx, s.pendingAllKey(), id)
			continue
		}
		if err != nil {
			return count, err
		}

		n, err := s.scripts["expire"].Run(ctx, s.client,
			[]string{s.intentKey(id), s.pendingUserKey(intent.UserID), s.pendingAllKey()},
			now.Unix(), id, now.Format(time.RFC3339Nano),
		).Int()
		if err != nil {
			return count, fmt.Errorf("failed to expire intent %s: %w", id, err)
		}
		count += n
	}
	return count, nil
}

// SettleEvent implements credits.Storage.
func (s *Storage) SettleEvent(ctx context.Context, req *credits.SettleRequest) (*credits.SettleResult, error) {
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		res, retry, err := s.settleOnce(ctx, req)
		if err != nil {
			return nil, err
		}
		if !retry {
			return res, nil
		}
	}
	return nil, credits.ErrConflict
}

func (s *Storage) settleOnce(ctx context.Context, req *credits.SettleRequest) (*credits.SettleResult, bool, error) {
	intent, err := s.GetIntent(ctx, req.IntentID)
	if err == credits.ErrIntentNotFound {
		return s.settleUnmatched(ctx, req)
	}
	if err != nil {
		return nil, false, err
	}

	expectedStatus := intent.Status
	decision := credits.Transition(intent, req.Kind, req.ReceivedAt, req.GraceWindow)

	updated := *intent
	updated.Status = decision.NewStatus
	if decision.NewStatus != expectedStatus {
		updated.UpdatedAt = req.ReceivedAt
	}
	intentJSON, err := json.Marshal(&updated)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal intent: %w", err)
	}

	eventJSON, err := json.Marshal(&credits.ProcessedEvent{
		EventID:    req.EventID,
		IntentID:   req.IntentID,
		Outcome:    decision.Outcome,
		ReceivedAt: req.ReceivedAt,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal event: %w", err)
	}

	res, err := s.scripts["settle"].Run(ctx, s.client,
		[]string{
			s.eventKey(req.EventID),
			s.intentKey(req.IntentID),
			s.balanceKey(intent.UserID),
			s.grantKey(intent.UserID, "intent:"+intent.ID),
			s.pendingUserKey(intent.UserID),
			s.pendingAllKey(),
		},
		string(eventJSON), string(intentJSON),
		string(expectedStatus), string(decision.NewStatus),
		decision.GrantCredits, intent.ID,
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to run settle script: %w", err)
	}

	switch res[0] {
	case "duplicate":
		prior := &credits.ProcessedEvent{}
		if err := json.Unmarshal([]byte(res[1].(string)), prior); err != nil {
			return nil, false, fmt.Errorf("failed to decode prior event: %w", err)
		}
		result := &credits.SettleResult{Duplicate: true, Outcome: prior.Outcome}
		if prior.IntentID != "" {
			if in, err := s.GetIntent(ctx, prior.IntentID); err == nil {
				result.Intent = in
			}
		}
		return result, false, nil
	case "conflict", "gone":
		return nil, true, nil
	}

	balance, _ := toInt(res[1])
	return &credits.SettleResult{
		Outcome: decision.Outcome,
		Intent:  &updated,
		Balance: balance,
	}, false, nil
}

func (s *Storage) settleUnmatched(ctx context.Context, req *credits.SettleRequest) (*credits.SettleResult, bool, error) {
	eventJSON, err := json.Marshal(&credits.ProcessedEvent{
		EventID:    req.EventID,
		IntentID:   req.IntentID,
		Outcome:    credits.OutcomeUnmatched,
		ReceivedAt: req.ReceivedAt,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal event: %w", err)
	}

	res, err := s.scripts["recordEvent"].Run(ctx, s.client,
		[]string{s.eventKey(req.EventID)}, string(eventJSON),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to record event: %w", err)
	}

	if res[0] == "duplicate" {
		prior := &credits.ProcessedEvent{}
		if err := json.Unmarshal([]byte(res[1].(string)), prior); err != nil {
			return nil, false, fmt.Errorf("failed to decode prior event: %w", err)
		}
		return &credits.SettleResult{Duplicate: true, Outcome: prior.Outcome}, false, nil
	}
	return &credits.SettleResult{Outcome: credits.OutcomeUnmatched}, false, nil
}

// GetProcessedEvent implements credits.Storage.
func (s *Storage) GetProcessedEvent(ctx context.Context, eventID string) (*credits.ProcessedEvent, error) {
	raw, err := s.client.Get(ctx, s.eventKey(eventID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed event: %w", err)
	}

	ev := &credits.ProcessedEvent{}
	if err := json.Unmarshal([]byte(raw), ev); err != nil {
		return nil, fmt.Errorf("failed to decode processed event: %w", err)
	}
	return ev, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
