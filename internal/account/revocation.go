package account

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevokedPrefix is the Redis key prefix for revoked token ids.
const RevokedPrefix = "revoked:"

// RedisRevocations stores revoked token ids in Redis with a TTL equal to the
// token's remaining lifetime.
type RedisRevocations struct {
	client *redis.Client
}

// NewRedisRevocations creates a revocation list on client.
func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

// Revoke marks jti as revoked for ttl.
func (r *RedisRevocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, RevokedPrefix+jti, 1, ttl).Err()
}

// IsRevoked reports whether jti has been revoked.
func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, RevokedPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
