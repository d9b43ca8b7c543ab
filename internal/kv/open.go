package kv

import (
	"fmt"
	"log/slog"
	"strings"

	"textpilot/internal/config"
)

// Open выбирает бэкенд по cfg.Type. Возвращённый close нужно вызвать при остановке.
func Open(cfg config.StoreConfig, logger *slog.Logger) (Store, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(cfg.Type) {
	case "memory":
		return NewMemoryStore(), noop, nil
	case "sqlite":
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case "", "file":
		fs, err := NewFileStore(cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
