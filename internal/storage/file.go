package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "prayerbot/pkg/logx"
)

// fileStore keeps everything in memory and persists it next to cfg.Path:
//
//	<prefix>.users.json          users, rewritten atomically on change
//	<prefix>.audit.jsonl         append-only audit trail
//	<prefix>.dedup.json          dedup snapshot
//	<prefix>.dedup.journal.jsonl dedup writes since the last snapshot
type fileStore struct {
	log logx.Logger
	mem *Memory

	mu           sync.Mutex
	usersPath    string
	dedupPath    string
	auditFile    *os.File
	journalFile  *os.File
	journalCount int
}

const compactEvery = 1000

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{
		log:       log,
		mem:       NewMemory(),
		usersPath: prefix + ".users.json",
		dedupPath: prefix + ".dedup.json",
	}
	if err := s.loadUsers(); err != nil {
		return nil, err
	}
	now := time.Now()
	_ = loadJSON(s.dedupPath, &s.mem.dedup)
	if s.mem.dedup == nil {
		s.mem.dedup = map[string]time.Time{}
	}
	_ = replayJournal(prefix+".dedup.journal.jsonl", s.mem.dedup)
	for k, until := range s.mem.dedup {
		if until.Before(now) {
			delete(s.mem.dedup, k)
		}
	}

	var err error
	if s.auditFile, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.journalFile, err = os.OpenFile(prefix+".dedup.journal.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.auditFile.Close()
		return nil, err
	}
	log.Info("file storage opened", logx.String("prefix", prefix), logx.Int("users", len(s.mem.users)))
	return s, nil
}

func (s *fileStore) loadUsers() error {
	var users []User
	if err := loadJSON(s.usersPath, &users); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, u := range users {
		s.mem.users[u.ID] = u
	}
	return nil
}

func (s *fileStore) GetUser(ctx context.Context, id int64) (User, error) {
	return s.mem.GetUser(ctx, id)
}

func (s *fileStore) AddUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	_ = s.mem.AddUser(ctx, u)
	return s.saveUsersLocked(ctx)
}

func (s *fileStore) SetActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := s.mem.SetActive(ctx, id, active); err != nil {
		return err
	}
	return s.saveUsersLocked(ctx)
}

func (s *fileStore) ListUsers(ctx context.Context) ([]User, error) { return s.mem.ListUsers(ctx) }

func (s *fileStore) ListActiveIDs(ctx context.Context) ([]int64, error) {
	return s.mem.ListActiveIDs(ctx)
}

func (s *fileStore) saveUsersLocked(ctx context.Context) error {
	users, _ := s.mem.ListUsers(ctx)
	return writeJSONAtomic(s.usersPath, users)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	_ = s.mem.PutDedup(ctx, key, until)
	if err := json.NewEncoder(s.journalFile).Encode(dedupRecord{Key: key, Until: until.UnixMilli()}); err != nil {
		return err
	}
	s.journalCount++
	if s.journalCount%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return s.mem.GetDedup(ctx, strings.TrimSpace(key))
}

func (s *fileStore) compactLocked() error {
	now := time.Now()
	s.mem.mu.Lock()
	for k, until := range s.mem.dedup {
		if until.Before(now) {
			delete(s.mem.dedup, k)
		}
	}
	err := writeJSONAtomic(s.dedupPath, s.mem.dedup)
	s.mem.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	compactErr := s.compactLocked()
	err := errors.Join(compactErr, s.auditFile.Close(), s.journalFile.Close())
	s.auditFile, s.journalFile = nil, nil
	return err
}

func loadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayJournal(path string, out map[string]time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = time.UnixMilli(r.Until)
	}
	return sc.Err()
}
