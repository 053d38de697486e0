package database

import (
	"context"
	"path/filepath"
	"testing"
)

// TestOpen_ReturnsDBForAnyURL はsql.Openは接続を試行しないため、
// 不正なURLでもDBオブジェクトが返ることを検証する。
// 実際の接続確認にはPingが必要。
func TestOpen_ReturnsDBForAnyURL(t *testing.T) {
	db, err := Open("postgres://invalid")
	if err != nil {
		t.Fatalf("Open returned unexpected error: %v", err)
	}
	if db == nil {
		t.Fatal("expected non-nil db")
	}
	defer db.Close()
}

// TestOpenSQLite_CreatesSchema はSQLiteファイルを開くとsession_kvテーブルが作成されることを検証する。
func TestOpenSQLite_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.db")

	db, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'session_kv'`).Scan(&name)
	if err != nil {
		t.Fatalf("session_kv テーブルが存在しません: %v", err)
	}
}

// TestOpenSQLite_Reopen は既存ファイルを再度開いてもエラーにならないことを検証する。
func TestOpenSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	for i := 0; i < 2; i++ {
		db, err := OpenSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("OpenSQLite #%d returned error: %v", i+1, err)
		}
		db.Close()
	}
}

func TestOpenSQLite_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
