package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "prayerbot/pkg/logx"
)

// exerciseStore runs the behaviour every driver must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := st.GetUser(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser(missing) err=%v, want ErrNotFound", err)
	}
	if err := st.SetActive(ctx, 1, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetActive(missing) err=%v, want ErrNotFound", err)
	}

	if err := st.AddUser(ctx, User{ID: 2, Username: "bob", Active: true}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := st.AddUser(ctx, User{ID: 1, Username: "alice", Active: true}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	first, err := st.GetUser(ctx, 1)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if first.Username != "alice" || !first.Active || first.CreatedAt.IsZero() {
		t.Fatalf("unexpected user: %+v", first)
	}

	if err := st.AddUser(ctx, User{ID: 1, Username: "alice2", Active: true}); err != nil {
		t.Fatalf("AddUser(upsert): %v", err)
	}
	again, _ := st.GetUser(ctx, 1)
	if again.Username != "alice2" {
		t.Fatalf("username not updated: %+v", again)
	}
	if again.CreatedAt.UnixMilli() != first.CreatedAt.UnixMilli() {
		t.Fatalf("created_at changed on upsert: %v -> %v", first.CreatedAt, again.CreatedAt)
	}

	if err := st.SetActive(ctx, 2, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	ids, err := st.ListActiveIDs(ctx)
	if err != nil {
		t.Fatalf("ListActiveIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("active ids=%v, want [1]", ids)
	}
	users, err := st.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].ID != 1 || users[1].ID != 2 || users[1].Active {
		t.Fatalf("unexpected users: %+v", users)
	}

	if _, ok, err := st.GetDedup(ctx, "k"); err != nil || ok {
		t.Fatalf("GetDedup(missing) ok=%v err=%v", ok, err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup=%v,%v,%v want %v", got, ok, err, until)
	}

	if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, Action: "broadcast", OK: 2}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	exerciseStore(t, m)
	if a := m.Audit(); len(a) != 1 || a[0].Action != "broadcast" || a[0].At.IsZero() {
		t.Fatalf("unexpected audit: %+v", a)
	}
}

func TestFileStorePersists(t *testing.T) {
	t.Parallel()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state", "bot.json")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AddUser(context.Background(), User{ID: 9}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddUser after close err=%v, want ErrClosed", err)
	}

	re, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	ctx := context.Background()
	ids, _ := re.ListActiveIDs(ctx)
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("active ids after reopen=%v", ids)
	}
	if _, ok, _ := re.GetDedup(ctx, "k"); !ok {
		t.Fatalf("dedup mark lost across reopen")
	}
}

func TestFileStoreDropsExpiredDedup(t *testing.T) {
	t.Parallel()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot")}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.PutDedup(ctx, "old", time.Now().Add(-time.Minute))
	_ = st.PutDedup(ctx, "new", time.Now().Add(time.Hour))
	_ = st.Close()

	re, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	if _, ok, _ := re.GetDedup(ctx, "old"); ok {
		t.Fatalf("expired mark survived reopen")
	}
	if _, ok, _ := re.GetDedup(ctx, "new"); !ok {
		t.Fatalf("live mark lost")
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for redis without url")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for file without path")
	}
}
