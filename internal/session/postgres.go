package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresBackend はPostgreSQLのsession_kvテーブルに保存するBackend。
// 複数インスタンスのWebシェルでセッションを共有する場合に使用する。
// スキーマはdatabase.RunMigrationsで作成する。
type PostgresBackend struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresBackend はPostgresBackendを生成する。
// ttlが0より大きい場合、保存した値はttl経過後に読み出せなくなる。
func NewPostgresBackend(db *sql.DB, ttl time.Duration) *PostgresBackend {
	return &PostgresBackend{db: db, ttl: ttl}
}

// Load は期限内の値のみを返す。
func (b *PostgresBackend) Load(ctx context.Context, keys ...string) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value FROM session_kv
		 WHERE key = ANY($1) AND (expires_at IS NULL OR expires_at > now())`,
		pq.Array(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load session values: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
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
func (b *PostgresBackend) Save(ctx context.Context, values map[string]string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var expiresAt sql.NullTime
	if b.ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(b.ttl), Valid: true}
	}

	for k, v := range values {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_kv (key, value, expires_at, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (key) DO UPDATE
			 SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
			k, v, expiresAt,
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

// Remove は指定キーを1文で削除する。
func (b *PostgresBackend) Remove(ctx context.Context, keys ...string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM session_kv WHERE key = ANY($1)`,
		pq.Array(keys),
	)
	if err != nil {
		return fmt.Errorf("failed to remove session values: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れの行を削除し、削除件数を返す。
func (b *PostgresBackend) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM session_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired session values: %w", err)
	}
	return result.RowsAffected()
}

// Ping はデータベースへの接続を確認する。
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*PostgresBackend)(nil)
