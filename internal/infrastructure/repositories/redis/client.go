package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaKey = "charstream:schema_version"
const schemaVersion = "1"

// NewRedisClient creates a Redis client, verifies connectivity and
// stamps the schema version.
func NewRedisClient(address, password string, db int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	current, err := client.Get(ctx, schemaKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	if current != "" && current != schemaVersion {
		return nil, fmt.Errorf("unsupported session store schema version %q", current)
	}
	if err := client.Set(ctx, schemaKey, schemaVersion, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to stamp schema version: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
		)
	}

	return client, nil
}

// CloseRedisClient closes the client connection.
func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
