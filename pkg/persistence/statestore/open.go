package statestore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Settings selects and configures a backend.
type Settings struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	SQLitePath  string `mapstructure:"sqlite-path"`
	RedisAddr   string `mapstructure:"redis-addr"`
	RedisPrefix string `mapstructure:"redis-prefix"`
}

// Open builds the configured backend. Backends: file (default), sqlite, redis, memory.
func Open(s Settings) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	switch backend {
	case "", "file":
		return NewFileStore(s.Dir)
	case "sqlite":
		path := strings.TrimSpace(s.SQLitePath)
		if path == "" {
			if strings.TrimSpace(s.Dir) == "" {
				return nil, errors.New("state store: sqlite backend needs sqlite-path or dir")
			}
			path = filepath.Join(s.Dir, "state.db")
		}
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, errors.Wrap(err, "state store: create sqlite dir")
			}
		}
		dsn, err := SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case "redis":
		return NewRedisStore(s.RedisAddr, s.RedisPrefix)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("state store: unknown backend %q", s.Backend)
	}
}
