package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "prayerbot/pkg/logx"
)

//go:embed migrations_*.sql
var migrationsFS embed.FS

// sqlStore serves both sqlite and postgres. Queries are written with "?"
// placeholders and rebound per driver by sqlx; timestamps are unix millis.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger

	ops        atomic.Uint64
	pruneEvery uint64
}

type userRow struct {
	ID        int64  `db:"id"`
	Username  string `db:"username"`
	Active    bool   `db:"active"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r userRow) user() User {
	return User{
		ID:        r.ID,
		Username:  r.Username,
		Active:    r.Active,
		CreatedAt: time.UnixMilli(r.CreatedAt),
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps sqlite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, "migrations_sqlite.sql", log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn (or DATABASE_URL) is required for the postgres driver")
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return newSQLStore(db, "migrations_postgres.sql", log)
}

func newSQLStore(db *sqlx.DB, migration string, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, log: log, pruneEvery: 500}
	b, err := migrationsFS.ReadFile(migration)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("sql storage opened", logx.String("sql_driver", db.DriverName()))
	return s, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) GetUser(ctx context.Context, id int64) (User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT id, username, active, created_at, updated_at FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return r.user(), nil
}

func (s *sqlStore) AddUser(ctx context.Context, u User) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO users(id, username, active, created_at, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, active = excluded.active, updated_at = excluded.updated_at`),
		u.ID, u.Username, u.Active, now, now,
	)
	return err
}

func (s *sqlStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET active = ?, updated_at = ? WHERE id = ?`), active, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, username, active, created_at, updated_at FROM users ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.user())
	}
	return out, nil
}

func (s *sqlStore) ListActiveIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`SELECT id FROM users WHERE active = ? ORDER BY id`), true)
	return ids, err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until = excluded.until`),
		key, until.UnixMilli(),
	)
	if err == nil && s.ops.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if _, perr := s.db.ExecContext(pctx, s.db.Rebind(`DELETE FROM dedup WHERE until < ?`), time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms, s.db.Rebind(`SELECT until FROM dedup WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO audit(at, actor_id, chat_id, action, target, ok, fail, err, took_ms) VALUES(?,?,?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.ActorID, e.ChatID, e.Action, e.Target, e.OK, e.Fail, e.Error, e.TookMS,
	)
	return err
}
