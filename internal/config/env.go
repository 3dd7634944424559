package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. Secrets normally live
// here rather than in the config file.
const (
	EnvBotToken    = "TELEGRAM_BOT_TOKEN"
	EnvDatabaseURL = "DATABASE_URL"
	EnvRedisURL    = "REDIS_URL"
)

// LoadDotEnv reads the given .env files into the process environment.
// Variables already set win; missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvBotToken)); v != "" {
		cfg.Telegram.Token = v
	}
	dsn := strings.TrimSpace(os.Getenv(EnvDatabaseURL))
	redisURL := strings.TrimSpace(os.Getenv(EnvRedisURL))
	if cfg.Storage == nil {
		return
	}
	if dsn != "" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = dsn
	}
	if redisURL != "" && cfg.Storage.RedisURL == "" {
		cfg.Storage.RedisURL = redisURL
	}
}
