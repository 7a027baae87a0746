package repositories

import (
	"context"

	"charstream/internal/core/ports"
	"charstream/internal/infrastructure/repositories/file"
	"charstream/internal/infrastructure/repositories/memory"
	redisrepo "charstream/internal/infrastructure/repositories/redis"
	"charstream/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StoreFactory creates the session state store for the configured
// backend, falling back to memory when Redis is unreachable.
type StoreFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewStoreFactory(cfg *config.Config, logger *zap.SugaredLogger) *StoreFactory {
	return &StoreFactory{cfg: cfg, logger: logger}
}

// CreateSessionStore builds the configured backend.
func (f *StoreFactory) CreateSessionStore() (ports.SessionStateRepository, error) {
	switch f.cfg.Store.Backend {
	case "redis":
		client, err := redisrepo.NewRedisClient(
			f.cfg.Store.Redis.Address,
			f.cfg.Store.Redis.Password,
			f.cfg.Store.Redis.DB,
			f.logger,
		)
		if err != nil {
			f.logger.Warnw("failed to connect to Redis, falling back to memory session store",
				"error", err,
			)
			return memory.NewMemorySessionStore(), nil
		}
		f.redisClient = client
		f.logger.Info("using Redis session store")
		return redisrepo.NewRedisSessionStore(client), nil

	case "file":
		store, err := file.NewFileSessionStore(f.cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		f.logger.Infow("using file session store", "path", f.cfg.Store.Path)
		return store, nil

	default:
		f.logger.Info("using memory session store")
		return memory.NewMemorySessionStore(), nil
	}
}

// Close closes the Redis connection if one was opened.
func (f *StoreFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it backs the store.
func (f *StoreFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
