package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/thoughts/internal/config"
	"github.com/hitoshi/thoughts/internal/database"
)

// Expirer は期限切れのセッション値を一括削除できるBackend。
// 期限切れの行が自然に消えないSQLバックエンドが実装する。
type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Pinger は接続確認ができるBackend。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open は設定に従ってBackendを生成する。
// postgresバックエンドは事前に migrate コマンドでスキーマを作成しておく必要がある。
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	ttl := time.Duration(cfg.SessionMaxAge) * time.Second

	switch cfg.SessionBackend {
	case config.BackendMemory:
		return NewMemoryBackend(), nil

	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SessionSQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteBackend(db, ttl), nil

	case config.BackendPostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return NewPostgresBackend(db, ttl), nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return NewRedisBackend(client, ttl), nil

	default:
		return nil, fmt.Errorf("unsupported session backend: %q", cfg.SessionBackend)
	}
}
