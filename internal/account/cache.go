package account

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"hostbridge/internal/domain"
)

// RedisAccountCache stores the account list in Redis with a TTL.
type RedisAccountCache struct {
	client *redis.Client
}

func NewRedisAccountCache(client *redis.Client) Cache {
	return &RedisAccountCache{client: client}
}

func (c *RedisAccountCache) Get(ctx context.Context, key string) ([]domain.Account, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	var accounts []domain.Account
	if err := json.Unmarshal([]byte(data), &accounts); err != nil {
		return nil, err
	}

	return accounts, nil
}

func (c *RedisAccountCache) Set(ctx context.Context, key string, accounts []domain.Account, ttl time.Duration) error {
	data, err := json.Marshal(accounts)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}
