package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/thoughts/internal/database"
)

func setupSQLiteBackend(t *testing.T, ttl time.Duration) *SQLiteBackend {
	t.Helper()

	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}
	b := NewSQLiteBackend(db, ttl)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackend_StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupSQLiteBackend(t, 0), "")

	if err := store.Set(ctx, "tok1", testUser()); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	sess, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if sess.Token != "tok1" || !sameUser(sess.User, testUser()) {
		t.Errorf("unexpected session: %+v", sess)
	}

	// 上書き
	if err := store.Set(ctx, "tok2", testUser()); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	tok, _ := store.Token(ctx)
	if tok != "tok2" {
		t.Errorf("Token = %q, want %q", tok, "tok2")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	sess, _ = store.Get(ctx)
	if sess.Token != "" || sess.User != nil {
		t.Errorf("expected empty session, got %+v", sess)
	}
}

func TestSQLiteBackend_ExpiredValuesAreHidden(t *testing.T) {
	ctx := context.Background()
	b := setupSQLiteBackend(t, time.Minute)

	base := time.Now()
	b.now = func() time.Time { return base }
	if err := b.Save(ctx, map[string]string{"token": "tok1"}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	got, err := b.Load(ctx, "token")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got["token"] != "tok1" {
		t.Fatalf("expected value before expiry, got %v", got)
	}

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err = b.Load(ctx, "token")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if _, ok := got["token"]; ok {
		t.Errorf("expected expired value to be hidden, got %v", got)
	}

	n, err := b.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired = %d, want 1", n)
	}
}

// トークンとユーザー情報は常に同じ期限で失効し、片方だけが残ることはない。
func TestSQLiteBackend_SetUserRenewsTokenExpiry(t *testing.T) {
	ctx := context.Background()
	b := setupSQLiteBackend(t, time.Hour)
	store := NewStore(b, "sid")

	base := time.Now()
	b.now = func() time.Time { return base }
	if err := store.Set(ctx, "tok1", testUser()); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	b.now = func() time.Time { return base.Add(50 * time.Minute) }
	if err := store.SetUser(ctx, testUser()); err != nil {
		t.Fatalf("SetUser returned error: %v", err)
	}

	// 最初の保存から1時間経過しても、SetUserで延長された期限内なら両方残る
	b.now = func() time.Time { return base.Add(61 * time.Minute) }
	sess, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if sess.Token != "tok1" || sess.User == nil {
		t.Errorf("expected token and user after renewal, got %+v", sess)
	}

	b.now = func() time.Time { return base.Add(111 * time.Minute) }
	sess, err = store.Get(ctx)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if sess.Token != "" || sess.User != nil {
		t.Errorf("expected both values to expire together, got %+v", sess)
	}
}

func TestSQLiteBackend_EmptyKeys(t *testing.T) {
	b := setupSQLiteBackend(t, 0)

	got, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
	if err := b.Remove(context.Background()); err != nil {
		t.Errorf("Remove returned error: %v", err)
	}
}
