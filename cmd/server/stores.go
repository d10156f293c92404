package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tyemirov/communityauth/internal/accounts"
	"github.com/tyemirov/communityauth/internal/authkit"
	"github.com/tyemirov/communityauth/internal/authkitpg"
)

const pgxScheme = "pgx+"

type userBackend interface {
	accounts.UserStore
	accounts.RoleAssigner
}

// openUserStore picks the user store from database_url: empty selects memory,
// pgx+postgres:// the native pgx store, anything else the GORM store.
func openUserStore(ctx context.Context, databaseURL string, logger *zap.Logger) (userBackend, func(), error) {
	trimmed := strings.TrimSpace(databaseURL)
	switch {
	case trimmed == "":
		logger.Info("using in-memory user store")
		return accounts.NewMemoryUserStore(), func() {}, nil
	case strings.HasPrefix(trimmed, pgxScheme):
		pool, err := authkitpg.BuildPool(ctx, strings.TrimPrefix(trimmed, pgxScheme))
		if err != nil {
			return nil, nil, err
		}
		if err := authkitpg.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("using pgx user store")
		return authkitpg.NewPostgresUserStore(pool), pool.Close, nil
	default:
		store, err := accounts.NewDatabaseUserStore(ctx, trimmed)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent user store", zap.String("driver", store.Driver()))
		return store, func() {
			if closeErr := store.Close(); closeErr != nil {
				logger.Warn("user store close failed", zap.Error(closeErr))
			}
		}, nil
	}
}

// openNonceStore uses Redis when redis_url is set so nonces survive across replicas.
func openNonceStore(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (authkit.NonceStore, func(), error) {
	if strings.TrimSpace(redisURL) == "" {
		logger.Info("using in-memory nonce store")
		return authkit.NewMemoryNonceStore(ttl), func() {}, nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("nonce_store.redis.parse: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("nonce_store.redis.ping: %w", err)
	}
	logger.Info("using redis nonce store", zap.String("addr", options.Addr))
	return authkit.NewRedisNonceStore(client, ttl), func() { _ = client.Close() }, nil
}
