package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNonceNotFound indicates the supplied state nonce was not issued or already consumed.
	ErrNonceNotFound = errors.New("nonce.not_found")
	// ErrNonceExpired indicates the state nonce expired before consumption.
	ErrNonceExpired = errors.New("nonce.expired")
)

const nonceByteLength = 32

// NonceStore issues one-time state values binding a login redirect to its callback.
type NonceStore interface {
	// Issue creates a new nonce with the configured TTL.
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued nonce.
	Consume(ctx context.Context, token string) error
}

type memoryNonceStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryNonceStore constructs an in-memory NonceStore with the provided TTL.
func NewMemoryNonceStore(ttl time.Duration) NonceStore {
	return &memoryNonceStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	token, err := randomOpaque(nonceByteLength)
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[token] = store.now().Add(store.ttl)
	return token, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[token]
	if !ok {
		store.purgeExpiredLocked()
		return ErrNonceNotFound
	}
	delete(store.entries, token)
	if store.now().After(expiry) {
		store.purgeExpiredLocked()
		return ErrNonceExpired
	}
	store.purgeExpiredLocked()
	return nil
}

func (store *memoryNonceStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for token, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, token)
		}
	}
}

// RedisNonceStore keeps nonces in Redis so several instances share one login flow.
// Expiry is delegated to the key TTL, so an expired nonce reports ErrNonceNotFound.
type RedisNonceStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisNonceStore wraps an existing client.
func NewRedisNonceStore(client redis.UniversalClient, ttl time.Duration) *RedisNonceStore {
	return &RedisNonceStore{client: client, ttl: ttl, prefix: "communityauth:nonce:"}
}

// Issue stores a fresh nonce with the configured TTL.
func (store *RedisNonceStore) Issue(ctx context.Context) (string, error) {
	token, err := randomOpaque(nonceByteLength)
	if err != nil {
		return "", err
	}
	if err := store.client.Set(ctx, store.prefix+token, "1", store.ttl).Err(); err != nil {
		return "", fmt.Errorf("nonce.issue.redis: %w", err)
	}
	return token, nil
}

// Consume deletes the nonce; only the first caller succeeds.
func (store *RedisNonceStore) Consume(ctx context.Context, token string) error {
	if token == "" {
		return ErrNonceNotFound
	}
	deleted, err := store.client.Del(ctx, store.prefix+token).Result()
	if err != nil {
		return fmt.Errorf("nonce.consume.redis: %w", err)
	}
	if deleted == 0 {
		return ErrNonceNotFound
	}
	return nil
}

func randomOpaque(byteLength int) (string, error) {
	buffer := make([]byte, byteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("nonce.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
