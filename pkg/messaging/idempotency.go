package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukex/careflow/pkg/clock"
	"github.com/dukex/careflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	// pendingMarker holds a key while its send is in flight.
	pendingMarker = "pending"

	DefaultPendingTTL = 2 * time.Minute
	DefaultSentTTL    = 30 * 24 * time.Hour
	RedisKeyPrefix    = "careflow:idem:"

	sentMarkerAttempts = 3
)

// ErrSendInFlight reports a concurrent send under the same key. The message carries
// "timeout" so the failure classifies as transient.
var ErrSendInFlight = errors.New("timeout: send with the same idempotency key is in flight")

// IdempotencyKey identifies one action attempt.
func IdempotencyKey(executionID, nodeID string, attempt int) string {
	return executionID + ":" + nodeID + ":" + strconv.Itoa(attempt)
}

// KeyStore records which idempotency keys have been sent.
type KeyStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetNX stores the value only when the key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// IdempotentSender suppresses repeated sends of the same idempotency key. A key that already
// succeeded returns its message id as a duplicate success without calling the provider.
type IdempotentSender struct {
	next       Sender
	store      KeyStore
	pendingTTL time.Duration
	sentTTL    time.Duration
	logger     *slog.Logger
}

func NewIdempotentSender(next Sender, store KeyStore, logger *slog.Logger) *IdempotentSender {
	return &IdempotentSender{
		next:       next,
		store:      store,
		pendingTTL: DefaultPendingTTL,
		sentTTL:    DefaultSentTTL,
		logger:     logger.With("module", "idempotent_sender"),
	}
}

func (s *IdempotentSender) Send(ctx context.Context, msg Message) Result {
	key := msg.Metadata.IdempotencyKey
	if key == "" {
		return s.next.Send(ctx, msg)
	}

	reserved, err := s.store.SetNX(ctx, key, pendingMarker, s.pendingTTL)
	if err != nil {
		return Failed(msg.Channel, fmt.Errorf("network: idempotency store unavailable: %w", err))
	}

	if !reserved {
		return s.existing(ctx, msg)
	}

	result := s.next.Send(ctx, msg)
	if !result.Success {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "Failed to release idempotency key", "key", key, "error", err)
		}

		return result
	}

	s.recordSent(ctx, key, sentValue(result))

	return result
}

// recordSent marks key as delivered. The message already left, so the marker is written
// even when the caller's context is done.
func (s *IdempotentSender) recordSent(ctx context.Context, key, value string) {
	ctx = context.WithoutCancel(ctx)

	var err error

	for range sentMarkerAttempts {
		if err = s.store.Set(ctx, key, value, s.sentTTL); err == nil {
			return
		}
	}

	// The pending marker expires, after which a redelivered job sends again.
	s.logger.ErrorContext(ctx, "Failed to record sent idempotency key, message may be sent twice",
		"key", key, "attempts", sentMarkerAttempts, "error", err)
}

func (s *IdempotentSender) existing(ctx context.Context, msg Message) Result {
	key := msg.Metadata.IdempotencyKey

	value, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return Failed(msg.Channel, fmt.Errorf("network: idempotency store unavailable: %w", err))
	}

	if !ok || value == pendingMarker {
		return Failed(msg.Channel, ErrSendInFlight)
	}

	channel, messageID, _ := strings.Cut(value, "|")
	if channel == "" {
		channel = string(msg.Channel)
	}

	s.logger.InfoContext(ctx, "Skipping duplicate send", "key", key, "message_id", messageID)

	return Result{Success: true, Channel: models.Channel(channel), MessageID: messageID, Duplicate: true}
}

func sentValue(result Result) string {
	return string(result.Channel) + "|" + result.MessageID
}

// MemoryKeyStore is an in-process KeyStore for tests and single-node runs.
type MemoryKeyStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryKeyStore(clk clock.Clock) *MemoryKeyStore {
	return &MemoryKeyStore{clock: clk, entries: make(map[string]memoryEntry)}
}

func (s *MemoryKeyStore) lookup(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if ok && !entry.expiresAt.IsZero() && !s.clock.Now().Before(entry.expiresAt) {
		delete(s.entries, key)

		return memoryEntry{}, false
	}

	return entry, ok
}

func (s *MemoryKeyStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(key)

	return entry.value, ok, nil
}

func (s *MemoryKeyStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}

	s.entries[key] = s.entry(value, ttl)

	return true, nil
}

func (s *MemoryKeyStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = s.entry(value, ttl)

	return nil
}

func (s *MemoryKeyStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)

	return nil
}

func (s *MemoryKeyStore) entry(value string, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}

	return entry
}

// RedisKeyStore keeps idempotency keys in redis so every worker shares them.
type RedisKeyStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisKeyStore(client redis.UniversalClient) *RedisKeyStore {
	return &RedisKeyStore{client: client, prefix: RedisKeyPrefix}
}

func (s *RedisKeyStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return value, true, nil
}

func (s *RedisKeyStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
}

func (s *RedisKeyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisKeyStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
