package confirm

import (
	"context"
	"sync"
	"time"

	"grist-agent/internal/domain"
)

// Store holds pending confirmations. Take must remove atomically so that a
// token can be consumed at most once across concurrent callers.
type Store interface {
	// Put stores req under req.ID until ttl elapses. It fails if the id is taken.
	Put(ctx context.Context, req *domain.ConfirmationRequest, ttl time.Duration) error
	// Take removes and returns the request, or ErrConfirmationNotFound when it
	// is absent or expired.
	Take(ctx context.Context, id string) (*domain.ConfirmationRequest, error)
}

// MemoryStore is a process-local Store. Expired entries are rejected on read
// and removed by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]*domain.ConfirmationRequest
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]*domain.ConfirmationRequest),
		now:     time.Now,
	}
}

// Put implements Store. The ttl is taken from req.ExpiresAt.
func (m *MemoryStore) Put(_ context.Context, req *domain.ConfirmationRequest, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[req.ID]; exists {
		return domain.NewSubSystemError("confirm", "MemoryStore.Put", domain.ErrInvalidInput, "duplicate id "+req.ID)
	}
	m.pending[req.ID] = req
	return nil
}

// Take implements Store.
func (m *MemoryStore) Take(_ context.Context, id string) (*domain.ConfirmationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[id]
	if !ok {
		return nil, domain.ErrConfirmationNotFound
	}
	delete(m.pending, id)
	if req.Expired(m.now()) {
		return nil, domain.ErrConfirmationNotFound
	}
	return req, nil
}

// PendingCount returns the number of stored entries, expired or not.
func (m *MemoryStore) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, req := range m.pending {
		if req.Expired(now) {
			delete(m.pending, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}
