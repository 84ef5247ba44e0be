package history

import (
	"context"
	"errors"
	"strings"

	"triggerd/pkg/logx"
)

// Store is the run-history API used by the scheduler and the admin API.
type Store interface {
	Append(ctx context.Context, r Run) error
	Recent(ctx context.Context, job string, limit int) ([]Run, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
