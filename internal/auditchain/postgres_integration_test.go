//go:build integration

package auditchain

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresLog_appendAndVerify(t *testing.T) {
	pool := newTestPool(t)
	l := NewPostgresLog(pool, zap.NewNop())

	before, err := l.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v (run cmd/migrate first)", err)
	}
	if before < 1 {
		t.Fatal("audit chain has no genesis row")
	}

	fp := "0x" + strings.Repeat("5e", 32)
	e, err := l.Append(ctx, fp, ActionSubmitted, SystemActor, map[string]string{"ref": "0xfeed"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.Index != before {
		t.Errorf("index: got %d, want %d", e.Index, before)
	}

	root, err := l.Root(ctx)
	if err != nil || root != e.Hash {
		t.Errorf("root: got %q (%v), want %q", root, err, e.Hash)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("verify: %v", err)
	}

	got, err := l.ForFingerprint(ctx, fp)
	if err != nil || len(got) == 0 || got[len(got)-1].Hash != e.Hash {
		t.Errorf("ForFingerprint: %v, %v", got, err)
	}
	if _, err := l.Get(ctx, e.Index+1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("get beyond tip: got %v, want ErrNotFound", err)
	}
}
