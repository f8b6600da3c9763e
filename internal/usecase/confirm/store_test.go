package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grist-agent/internal/domain"
)

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.ConfirmationRequest{ID: "conf_a", ExpiresAt: base.Add(-time.Second)}, time.Minute))
	require.NoError(t, store.Put(ctx, &domain.ConfirmationRequest{ID: "conf_b", ExpiresAt: base.Add(time.Minute)}, time.Minute))

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.PendingCount())

	_, err := store.Take(ctx, "conf_a")
	assert.ErrorIs(t, err, domain.ErrConfirmationNotFound)
	got, err := store.Take(ctx, "conf_b")
	require.NoError(t, err)
	assert.Equal(t, "conf_b", got.ID)
}

func TestMemoryStoreDuplicate(t *testing.T) {
	store := NewMemoryStore()
	req := &domain.ConfirmationRequest{ID: "conf_x", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Put(context.Background(), req, time.Minute))
	assert.ErrorIs(t, store.Put(context.Background(), req, time.Minute), domain.ErrInvalidInput)
}

func TestMemoryStoreRunSweeper(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(),
		&domain.ConfirmationRequest{ID: "conf_old", ExpiresAt: time.Now().Add(-time.Minute)}, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 1)
	go store.RunSweeper(ctx, 5*time.Millisecond, func(n int) {
		select {
		case swept <- n:
		default:
		}
	})
	defer cancel()

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not run")
	}
	assert.Zero(t, store.PendingCount())
}

// --- Mock Redis client ---

type mockRedis struct {
	mu     sync.Mutex
	store  map[string]string
	expiry map[string]time.Duration
	err    error
	closed bool
}

func newMockRedis() *mockRedis {
	return &mockRedis{store: make(map[string]string), expiry: make(map[string]time.Duration)}
}

func (m *mockRedis) SetNX(_ context.Context, key, value string, exp time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, exists := m.store[key]; exists {
		return false, nil
	}
	m.store[key] = value
	m.expiry[key] = exp
	return true, nil
}

func (m *mockRedis) GetDel(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.store[key]
	delete(m.store, key)
	delete(m.expiry, key)
	return v, ok, nil
}

func (m *mockRedis) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestRedisStoreRoundTrip(t *testing.T) {
	rc := newMockRedis()
	store := NewRedisStore(rc, "")
	svc := NewService(store, 2*time.Minute, discardLogger())
	ctx := context.Background()

	req, err := svc.Request(ctx, testOp(), testPreview())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, rc.expiry[DefaultKeyPrefix+req.ID])

	ex := &countingExec{}
	resp, err := svc.Resolve(ctx, req.ID, true, "", ex.exec)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, resp.Status)

	_, err = svc.Resolve(ctx, req.ID, true, "", ex.exec)
	assert.ErrorIs(t, err, domain.ErrConfirmationNotFound)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestRedisStoreExpiredPayload(t *testing.T) {
	rc := newMockRedis()
	store := NewRedisStore(rc, "test:")
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &domain.ConfirmationRequest{
		ID:        "conf_late",
		ExpiresAt: time.Now().Add(-time.Second),
	}, time.Minute))

	_, err := store.Take(ctx, "conf_late")
	assert.ErrorIs(t, err, domain.ErrConfirmationNotFound)
	_, stillThere := rc.store["test:conf_late"]
	assert.False(t, stillThere)
}

func TestRedisStoreBackendError(t *testing.T) {
	rc := newMockRedis()
	rc.err = errors.New("connection refused")
	store := NewRedisStore(rc, "")

	_, err := store.Take(context.Background(), "conf_1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeStoreBackend, domain.ErrorCodeOf(err))

	require.NoError(t, store.Close())
	assert.True(t, rc.closed)
}
