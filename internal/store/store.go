package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/livesync/internal/config"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// OverrideStore persists small string settings such as the transport
// override. Implementations are safe for concurrent use.
type OverrideStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context, key string) error
	Close() error
}

// Open builds the store selected by cfg.Backend and verifies it is
// reachable.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (OverrideStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case "file", "":
		logger.Debug("using file store", "path", cfg.File.Path)
		return NewFile(cfg.File.Path), nil

	case "redis":
		s := NewRedis(cfg.Redis)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Debug("using redis store", "addr", cfg.Redis.Addr)
		return s, nil

	case "postgres":
		s, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		logger.Debug("using postgres store", "host", cfg.Postgres.Host, "db", cfg.Postgres.Name)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
