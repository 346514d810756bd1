package state

import (
	"context"
	"sync"
	"time"

	"github.com/alexjbarnes/gate/internal/models"
)

// Memory is a process-local Store. State is lost on restart, which only
// aborts logins that were in progress at the time.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*models.FlowState // state token -> flow state
	ttl     time.Duration
	now     func() time.Time
	stopGC  chan struct{}
	once    sync.Once
}

// NewMemory creates an empty store and starts a background goroutine that
// periodically removes expired entries. Call Close to stop it.
func NewMemory(ttl time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]*models.FlowState),
		ttl:     ttl,
		now:     time.Now,
		stopGC:  make(chan struct{}),
	}
	go gcLoop(cleanupInterval, m.stopGC, m.Sweep)

	return m
}

// Close terminates the background cleanup goroutine. Safe to call twice.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopGC) })
	return nil
}

// Save stores fs under its state token.
func (m *Memory) Save(_ context.Context, fs *models.FlowState) error {
	m.mu.Lock()
	m.entries[fs.StateToken] = fs
	m.mu.Unlock()

	return nil
}

// Pop retrieves and deletes the entry for token. Expired entries are
// deleted and reported as ErrNotFound.
func (m *Memory) Pop(_ context.Context, token string) (*models.FlowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fs, ok := m.entries[token]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.entries, token)

	if fs.Expired(m.now(), m.ttl) {
		return nil, ErrNotFound
	}

	return fs, nil
}

// Sweep removes all entries older than the TTL at now.
func (m *Memory) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, fs := range m.entries {
		if fs.Expired(now, m.ttl) {
			delete(m.entries, k)
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}
