package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "prayerbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
logging:
  level: debug
  console: true
prayer:
  timezone: "+03:00"
  fajr_shift: "-2m"
source:
  driver: umma
  insecure_skip_verify: true
storage:
  driver: sqlite
  path: ./data/bot.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	t.Setenv(EnvBotToken, "")
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
	if !cfg.Source.InsecureSkipVerify || cfg.Prayer.FajrShift != "-2m" {
		t.Fatalf("unexpected sections: %+v %+v", cfg.Source, cfg.Prayer)
	}
}

func TestLoadRejectsUnknownAndTrailing(t *testing.T) {
	t.Setenv(EnvBotToken, "")
	cases := []struct {
		name, file, body string
	}{
		{"unknown field", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`},
		{"trailing json", "c.json", `{"telegram":{"token":"x"}}{}`},
		{"bad yaml", "c.yaml", "telegram: [oops"},
		{"missing token", "c.json", `{"telegram":{}}`},
		{"bad timezone", "c.json", `{"telegram":{"token":"x"},"prayer":{"timezone":"Mars/Base"}}`},
		{"bad duration", "c.json", `{"telegram":{"token":"x"},"source":{"timeout":"soon"}}`},
		{"huge shift", "c.json", `{"telegram":{"token":"x"},"prayer":{"fajr_shift":"25h"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewConfigManager(writeFile(t, tc.file, tc.body)).Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvBotToken, "from-env")
	t.Setenv(EnvDatabaseURL, "postgres://u@h/db")
	t.Setenv(EnvRedisURL, "")
	path := writeFile(t, "c.json", `{"telegram":{"token":""},"storage":{"driver":"postgres"}}`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token=%q", cfg.Telegram.Token)
	}
	if cfg.Storage.DSN != "postgres://u@h/db" {
		t.Fatalf("dsn=%q", cfg.Storage.DSN)
	}
}

func TestLoadDotEnv(t *testing.T) {
	env := writeFile(t, ".env", "PRAYERBOT_TEST_VAR=hello\n")
	t.Setenv("PRAYERBOT_TEST_VAR", "")
	os.Unsetenv("PRAYERBOT_TEST_VAR")
	if err := LoadDotEnv(env, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("PRAYERBOT_TEST_VAR"); got != "hello" {
		t.Fatalf("var=%q", got)
	}
}

func TestParseLocation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     string
		offset int
	}{
		{"", 3 * 3600},
		{"+03:00", 3 * 3600},
		{"UTC+3", 3 * 3600},
		{"-0530", -(5*3600 + 30*60)},
		{"UTC", 0},
	}
	ref := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, tc := range cases {
		loc, err := ParseLocation(tc.in)
		if err != nil {
			t.Fatalf("ParseLocation(%q): %v", tc.in, err)
		}
		if _, off := ref.In(loc).Zone(); off != tc.offset {
			t.Fatalf("ParseLocation(%q) offset=%d, want %d", tc.in, off, tc.offset)
		}
	}
	for _, bad := range []string{"+25:00", "+03:99", "Nowhere/City"} {
		if _, err := ParseLocation(bad); err == nil {
			t.Fatalf("ParseLocation(%q) expected error", bad)
		}
	}
}

func TestParseShift(t *testing.T) {
	t.Parallel()
	if d, _ := ParseShift("x", "", -2*time.Minute); d != -2*time.Minute {
		t.Fatalf("default shift=%v", d)
	}
	if d, _ := ParseShift("x", "0s", -2*time.Minute); d != 0 {
		t.Fatalf("explicit zero=%v", d)
	}
	if d, _ := ParseShift("x", "90s", 0); d != 90*time.Second {
		t.Fatalf("shift=%v", d)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Telegram: TelegramConfig{Token: "a"}, Logging: LoggingConfig{Level: "info"}}
	next := &Config{Telegram: TelegramConfig{Token: "b"}, Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://secret@h/db"}}

	sections, attrs := SummarizeConfigChange(old, next)
	if strings.Join(sections, ",") != "logging,storage,telegram" {
		t.Fatalf("sections=%v", sections)
	}
	var buf bytes.Buffer
	logx.New(&buf, "debug").Info("config change", attrs...)
	if out := buf.String(); strings.Contains(out, "secret") || strings.Contains(out, `"b"`) {
		t.Fatalf("secret leaked: %s", out)
	}
	if !RequiresRestart("storage") || RequiresRestart("logging") {
		t.Fatalf("unexpected restart classification")
	}
	if s, _ := SummarizeConfigChange(next, next); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram":{"token":"x"},"logging":{"level":"info"}}`)
	t.Setenv(EnvBotToken, "")
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(path, []byte(`{"telegram":{"token":"x"},"logging":{"level":"trace"}}`), 0o600)
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config published: %+v", cfg.Logging)
	case <-time.After(800 * time.Millisecond):
	}

	_ = os.WriteFile(path, []byte(`{"telegram":{"token":"x"},"logging":{"level":"debug"}}`), 0o600)
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("not committed")
	}
	cancel()
	<-done
}
