package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLiteBackend はSQLiteファイルに保存するBackend。
// CLIのローカルストレージとして使用する。
// スキーマはdatabase.OpenSQLiteで作成される。
type SQLiteBackend struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteBackend はSQLiteBackendを生成する。
func NewSQLiteBackend(db *sql.DB, ttl time.Duration) *SQLiteBackend {
	return &SQLiteBackend{db: db, ttl: ttl, now: time.Now}
}

// Load は期限内の値のみを返す。
func (b *SQLiteBackend) Load(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, b.now().Unix())

	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value FROM session_kv
		 WHERE key IN (`+placeholders+`) AND (expires_at IS NULL OR expires_at > ?)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load session values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan session value: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session values: %w", err)
	}
	return out, nil
}

// Save は同一トランザクション内で全てのキーをUPSERTする。
func (b *SQLiteBackend) Save(ctx context.Context, values map[string]string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := b.now()
	var expiresAt sql.NullInt64
	if b.ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(b.ttl).Unix(), Valid: true}
	}

	for k, v := range values {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_kv (key, value, expires_at, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE
			 SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
			k, v, expiresAt, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to save session value: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session values: %w", err)
	}
	return nil
}

// Remove は指定キーを削除する。
func (b *SQLiteBackend) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, k)
	}

	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM session_kv WHERE key IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("failed to remove session values: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れの行を削除し、削除件数を返す。
func (b *SQLiteBackend) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM session_kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		b.now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired session values: %w", err)
	}
	return result.RowsAffected()
}

// Ping はデータベースへの接続を確認する。
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*SQLiteBackend)(nil)
