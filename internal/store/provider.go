package store

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/config"
	"github.com/botfleet/botfleet/internal/common/logger"
)

// NewRepository selects a backend from the database URL: postgres:// or
// postgresql:// for Postgres, a sqlite:// URL or bare file path for SQLite,
// and an empty URL for the in-memory store.
func NewRepository(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (Repository, error) {
	url := strings.TrimSpace(cfg.URL)
	switch {
	case url == "":
		log.Warn("no database configured, using in-memory store")
		return NewMemoryRepository(), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		log.Info("using postgres store")
		return NewPostgresRepository(ctx, url, cfg.MaxConns, cfg.MinConns)
	default:
		path := strings.TrimPrefix(url, "sqlite://")
		log.Info("using sqlite store", zap.String("path", path))
		return NewSQLiteRepository(path)
	}
}
