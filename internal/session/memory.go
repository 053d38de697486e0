package session

import (
	"context"
	"sync"
)

// MemoryBackend はプロセス内のmapに保存するBackend。
// テストや一時的な実行で使用する。
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryBackend はMemoryBackendを生成する。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]string)}
}

// Load は指定キーの値を返す。
func (b *MemoryBackend) Load(_ context.Context, keys ...string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := b.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Save は全てのキーを同一ロック内で保存する。
func (b *MemoryBackend) Save(_ context.Context, values map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, v := range values {
		b.data[k] = v
	}
	return nil
}

// Remove は指定キーを削除する。
func (b *MemoryBackend) Remove(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, k := range keys {
		delete(b.data, k)
	}
	return nil
}

// Close は何もしない。
func (b *MemoryBackend) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
