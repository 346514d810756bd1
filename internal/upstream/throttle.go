package upstream

import (
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrency caps in-flight requests per upstream host.
const DefaultMaxConcurrency = 32

// Throttle limits concurrent outbound requests per host with a weighted
// semaphore. A request waiting for a slot gives up when its context is
// cancelled.
type Throttle struct {
	limit      int64
	semaphores map[string]*semaphore.Weighted
	mu         sync.RWMutex
}

// NewThrottle creates a Throttle allowing limit concurrent requests per host.
func NewThrottle(limit int64) *Throttle {
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}

	return &Throttle{
		limit:      limit,
		semaphores: make(map[string]*semaphore.Weighted),
	}
}

func (t *Throttle) getSemaphore(host string) *semaphore.Weighted {
	t.mu.RLock()
	sem, exists := t.semaphores[host]
	t.mu.RUnlock()

	if exists {
		return sem
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sem, exists = t.semaphores[host]
	if exists {
		return sem
	}

	sem = semaphore.NewWeighted(t.limit)
	t.semaphores[host] = sem

	return sem
}

// Wrap returns a RoundTripper that acquires a per-host slot around next.
// A nil next uses http.DefaultTransport.
func (t *Throttle) Wrap(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return &throttledTransport{throttle: t, next: next}
}

type throttledTransport struct {
	throttle *Throttle
	next     http.RoundTripper
}

func (tt *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}

	sem := tt.throttle.getSemaphore(host)
	if err := sem.Acquire(req.Context(), 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	return tt.next.RoundTrip(req)
}
