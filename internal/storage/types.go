// Package storage persists subscribers, the notifier's dedup marks and an
// audit trail of operator actions.
//
// Drivers: "memory" (process lifetime only), "file" (JSON snapshots and
// journals), "sqlite", "postgres" and "redis".
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

type Config struct {
	Driver string
	// Path is the file prefix for "file" and the database file for "sqlite".
	Path string
	// DSN is the postgres connection string.
	DSN string
	// RedisURL is a redis:// URL for the "redis" driver.
	RedisURL    string
	KeyPrefix   string
	BusyTimeout time.Duration
}

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry records an operator or subscriber action.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ActorID int64     `json:"actor_id"`
	ChatID  int64     `json:"chat_id"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"`
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (User, error)
	// AddUser inserts u or overwrites the stored username and active flag.
	AddUser(ctx context.Context, u User) error
	// SetActive fails with ErrNotFound for unknown users.
	SetActive(ctx context.Context, id int64, active bool) error
	ListUsers(ctx context.Context) ([]User, error)
	ListActiveIDs(ctx context.Context) ([]int64, error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

type Store interface {
	UserStore
	DedupStore
	AuditStore
	Close() error
}
