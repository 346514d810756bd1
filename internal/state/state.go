// Package state stores in-flight PKCE login state between the redirect to
// the authorization server and the callback. Entries are single use: Pop
// removes an entry as it returns it, so a state token can never be redeemed
// twice.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/gate/internal/models"
)

const (
	// DefaultTTL is how long a login may take between InitiateLogin and
	// the callback.
	DefaultTTL = 10 * time.Minute

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute
)

// ErrNotFound is returned by Pop when the token is unknown, already
// consumed, or older than the TTL.
var ErrNotFound = errors.New("state not found")

// Store persists FlowState entries keyed by state token.
type Store interface {
	Save(ctx context.Context, fs *models.FlowState) error
	Pop(ctx context.Context, token string) (*models.FlowState, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend string
	TTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BoltPath string
}

// Open builds the Store named by opts.Backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	switch opts.Backend {
	case "", BackendMemory:
		logger.Info("using in-memory state store", slog.Duration("ttl", opts.TTL))
		return NewMemory(opts.TTL), nil
	case BackendRedis:
		s, err := NewRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.TTL)
		if err != nil {
			return nil, err
		}

		logger.Info("using redis state store",
			slog.String("addr", opts.RedisAddr),
			slog.Int("db", opts.RedisDB),
			slog.Duration("ttl", opts.TTL),
		)

		return s, nil
	case BackendBolt:
		s, err := OpenBolt(opts.BoltPath, opts.TTL, logger)
		if err != nil {
			return nil, err
		}

		logger.Info("using bolt state store",
			slog.String("path", opts.BoltPath),
			slog.Duration("ttl", opts.TTL),
		)

		return s, nil
	default:
		return nil, fmt.Errorf("unknown state store backend %q", opts.Backend)
	}
}

// gcLoop calls sweep every interval until stop is closed.
func gcLoop(interval time.Duration, stop <-chan struct{}, sweep func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			sweep(now)
		case <-stop:
			return
		}
	}
}
