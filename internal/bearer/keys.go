// Package bearer verifies JWT access tokens against the authorization
// server's signing keys.
package bearer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gerrors "github.com/alexjbarnes/gate/internal/errors"
	"github.com/alexjbarnes/gate/internal/metrics"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
)

// maxJWKSBytes caps the key set response size.
const maxJWKSBytes = 1024 * 1024

// KeySource supplies the current signing key set.
type KeySource interface {
	// Keys returns the cached set, fetching it on first use.
	Keys(ctx context.Context) (jwk.Set, error)
	// Refresh discards the cached set and fetches a new one.
	Refresh(ctx context.Context) (jwk.Set, error)
}

// KeyCache is a KeySource backed by a JWKS URL. The set is fetched lazily
// and kept until Refresh is called; it never expires on a timer. Concurrent
// fetches are collapsed into one request.
type KeyCache struct {
	url        string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time

	group singleflight.Group
}

// NewKeyCache creates a cache for the key set at url.
func NewKeyCache(url string, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *KeyCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &KeyCache{
		url:        url,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
	}
}

// Keys returns the cached set, fetching it on first use.
func (c *KeyCache) Keys(ctx context.Context) (jwk.Set, error) {
	c.mu.RLock()
	set := c.set
	c.mu.RUnlock()

	if set != nil {
		return set, nil
	}

	return c.fetch(ctx)
}

// Refresh discards the cached set and fetches a new one. If a fetch is
// already in flight, Refresh waits for it instead of starting another.
func (c *KeyCache) Refresh(ctx context.Context) (jwk.Set, error) {
	c.mu.Lock()
	c.set = nil
	c.mu.Unlock()

	return c.fetch(ctx)
}

// FetchedAt reports when the cached set was last fetched.
func (c *KeyCache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fetchedAt
}

func (c *KeyCache) fetch(ctx context.Context) (jwk.Set, error) {
	// The shared fetch must outlive any single caller's cancellation;
	// the http.Client timeout bounds it instead.
	ch := c.group.DoChan("jwks", func() (any, error) {
		set, err := c.download(context.WithoutCancel(ctx))
		c.metrics.JWKSFetch(err)

		if err != nil {
			c.logger.Warn("fetching signing keys failed",
				slog.String("url", c.url),
				slog.String("error", err.Error()),
			)

			return nil, err
		}

		c.mu.Lock()
		c.set = set
		c.fetchedAt = time.Now()
		c.mu.Unlock()

		c.logger.Debug("fetched signing keys",
			slog.String("url", c.url),
			slog.Int("keys", set.Len()),
		)

		return set, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(jwk.Set), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *KeyCache) download(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching JWKS: %w", gerrors.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading JWKS: %w", gerrors.ErrUpstreamUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: JWKS endpoint returned status %d", gerrors.ErrUpstreamResponse, resp.StatusCode)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing JWKS: %w", gerrors.ErrUpstreamResponse, err)
	}

	return set, nil
}
