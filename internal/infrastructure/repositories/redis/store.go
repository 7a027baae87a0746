package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps session state in Redis so multiple client
// instances on one host can share a granted stream handle.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStore(client *redis.Client) ports.SessionStateRepository {
	return &RedisSessionStore{
		client: client,
		prefix: "charstream:",
	}
}

func (r *RedisSessionStore) handleKey() string {
	return r.prefix + "session:handle"
}

func (r *RedisSessionStore) settingKey(key string) string {
	return r.prefix + "setting:" + key
}

func (r *RedisSessionStore) SaveHandle(ctx context.Context, h *domain.StreamHandle) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal stream handle: %w", err)
	}
	if err := r.client.Set(ctx, r.handleKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store stream handle: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) LoadHandle(ctx context.Context) (*domain.StreamHandle, error) {
	data, err := r.client.Get(ctx, r.handleKey()).Result()
	if err == redis.Nil {
		return nil, domain.ErrHandleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream handle: %w", err)
	}

	var handle domain.StreamHandle
	if err := json.Unmarshal([]byte(data), &handle); err != nil {
		return nil, fmt.Errorf("failed to parse stream handle: %w", err)
	}
	return &handle, nil
}

func (r *RedisSessionStore) ClearHandle(ctx context.Context) error {
	if err := r.client.Del(ctx, r.handleKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear stream handle: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) GetSetting(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.settingKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisSessionStore) SetSetting(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.settingKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
