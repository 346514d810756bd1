package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/gate/internal/models"
	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces PKCE entries within a shared Redis database.
const redisKeyPrefix = "gate:pkce:"

// Redis is a Store shared by every gateway replica. Entries expire through
// Redis key TTLs and are consumed with GETDEL, so a state token is redeemed
// at most once even when two replicas race on the same callback.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis connects to the Redis server at addr and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps a pre-configured client. Useful for tests
// running against miniredis.
func NewRedisWithClient(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Close closes the Redis client connection.
func (s *Redis) Close() error {
	return s.client.Close()
}

// Ready checks Redis connectivity.
func (s *Redis) Ready(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save stores fs with the store TTL.
func (s *Redis) Save(ctx context.Context, fs *models.FlowState) error {
	data, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshalling flow state: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+fs.StateToken, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving flow state: %w", err)
	}

	return nil
}

// Pop atomically retrieves and deletes the entry for token.
func (s *Redis) Pop(ctx context.Context, token string) (*models.FlowState, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("popping flow state: %w", err)
	}

	var fs models.FlowState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("decoding flow state: %w", err)
	}

	// The key TTL normally expires entries first.
	if fs.Expired(time.Now(), s.ttl) {
		return nil, ErrNotFound
	}

	return &fs, nil
}
