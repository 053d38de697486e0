package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend はRedisに保存するBackend。
// SaveはMULTI/EXECでまとめて書き込む。
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend はRedisBackendを生成する。ttlが0の場合は期限なしで保存する。
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "thoughts:session:",
		ttl:    ttl,
	}
}

func (b *RedisBackend) redisKey(key string) string {
	return b.prefix + key
}

// Load はMGETで指定キーの値を取得する。
func (b *RedisBackend) Load(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = b.redisKey(k)
	}

	vals, err := b.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session values: %w", err)
	}

	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

// Save はトランザクションパイプラインで全てのキーを書き込む。
func (b *RedisBackend) Save(ctx context.Context, values map[string]string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, b.redisKey(k), v, b.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session values: %w", err)
	}
	return nil
}

// Remove は指定キーを削除する。
func (b *RedisBackend) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = b.redisKey(k)
	}

	if err := b.client.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("failed to remove session values: %w", err)
	}
	return nil
}

// Ping はRedisへの接続を確認する。
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close はRedisクライアントを閉じる。
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
