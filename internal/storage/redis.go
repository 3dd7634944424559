package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "prayerbot/pkg/logx"
)

const auditKeep = 10000

// redisStore layout, all keys under KeyPrefix:
//
//	user:<id>     hash username/active/created_at/updated_at
//	users         set of every user id
//	users:active  set of active user ids
//	dedup:<key>   string holding until (unix millis), expiring at until
//	audit         list of JSON entries, newest first, capped
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("storage.redis_url (or REDIS_URL) is required for the redis driver")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "prayerbot:"
	}
	log.Info("redis storage opened", logx.String("addr", opt.Addr), logx.String("prefix", prefix))
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) key(parts ...string) string { return s.prefix + strings.Join(parts, ":") }

func (s *redisStore) userKey(id int64) string { return s.key("user", strconv.FormatInt(id, 10)) }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) GetUser(ctx context.Context, id int64) (User, error) {
	m, err := s.rdb.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return User{}, err
	}
	if len(m) == 0 {
		return User{}, ErrNotFound
	}
	return userFromHash(id, m), nil
}

func userFromHash(id int64, m map[string]string) User {
	created, _ := strconv.ParseInt(m["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	return User{
		ID:        id,
		Username:  m["username"],
		Active:    m["active"] == "1",
		CreatedAt: time.UnixMilli(created),
		UpdatedAt: time.UnixMilli(updated),
	}
}

func (s *redisStore) AddUser(ctx context.Context, u User) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	k := s.userKey(u.ID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, k, "created_at", now)
		p.HSet(ctx, k, "username", u.Username, "active", boolFlag(u.Active), "updated_at", now)
		p.SAdd(ctx, s.key("users"), u.ID)
		if u.Active {
			p.SAdd(ctx, s.key("users", "active"), u.ID)
		} else {
			p.SRem(ctx, s.key("users", "active"), u.ID)
		}
		return nil
	})
	return err
}

func (s *redisStore) SetActive(ctx context.Context, id int64, active bool) error {
	k := s.userKey(id)
	n, err := s.rdb.Exists(ctx, k).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, "active", boolFlag(active), "updated_at", time.Now().UnixMilli())
		if active {
			p.SAdd(ctx, s.key("users", "active"), id)
		} else {
			p.SRem(ctx, s.key("users", "active"), id)
		}
		return nil
	})
	return err
}

func (s *redisStore) ListUsers(ctx context.Context) ([]User, error) {
	ids, err := s.members(ctx, s.key("users"))
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.userKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(ids))
	for i, id := range ids {
		if m := cmds[i].Val(); len(m) > 0 {
			out = append(out, userFromHash(id, m))
		}
	}
	return out, nil
}

func (s *redisStore) ListActiveIDs(ctx context.Context) ([]int64, error) {
	return s.members(ctx, s.key("users", "active"))
}

func (s *redisStore) members(ctx context.Context, key string) ([]int64, error) {
	raw, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed user id", logx.String("key", key), logx.String("value", r))
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if key == "" || ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, s.key("dedup", key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	ms, err := s.rdb.Get(ctx, s.key("dedup", key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key("audit"), b)
		p.LTrim(ctx, s.key("audit"), 0, auditKeep-1)
		return nil
	})
	return err
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
