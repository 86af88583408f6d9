package storage

import (
	"errors"
	"strings"

	logx "vaultbot/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		log.Info("storage opened", logx.String("driver", "memory"))
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", cfg.Path))
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
