package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"grist-agent/internal/domain"
)

// RedisClient abstracts the Redis operations needed by RedisStore.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// GetDel returns and deletes key in one step. ok is false if the key is missing.
	GetDel(ctx context.Context, key string) (value string, ok bool, err error)
	// Close shuts down the client.
	Close() error
}

// DefaultKeyPrefix namespaces confirmation keys.
const DefaultKeyPrefix = "grist-agent:confirm:"

// RedisStore shares pending confirmations across instances. Redis key expiry
// enforces the TTL and GETDEL provides the atomic take.
type RedisStore struct {
	client RedisClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a RedisStore. An empty prefix uses DefaultKeyPrefix.
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, req *domain.ConfirmationRequest, ttl time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.prefix+req.ID, string(data), ttl)
	if err != nil {
		return domain.NewSubSystemError("confirm", "RedisStore.Put", domain.ErrProviderError, err.Error())
	}
	if !ok {
		return domain.NewSubSystemError("confirm", "RedisStore.Put", domain.ErrInvalidInput, "duplicate id "+req.ID)
	}
	return nil
}

// Take implements Store.
func (r *RedisStore) Take(ctx context.Context, id string) (*domain.ConfirmationRequest, error) {
	data, ok, err := r.client.GetDel(ctx, r.prefix+id)
	if err != nil {
		return nil, domain.NewSubSystemError("confirm", "RedisStore.Take", domain.ErrProviderError, err.Error())
	}
	if !ok {
		return nil, domain.ErrConfirmationNotFound
	}
	var req domain.ConfirmationRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("unmarshal confirmation: %w", err)
	}
	// Key expiry has one-second granularity on some servers; re-check.
	if req.Expired(r.now()) {
		return nil, domain.ErrConfirmationNotFound
	}
	return &req, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error { return r.client.Close() }
