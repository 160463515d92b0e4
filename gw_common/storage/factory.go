package storage

import "github.com/pkg/errors"

// Open constructs the configured backend. The memory backend never fails;
// file and sqlite may fail opening their on-disk state.
func Open(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(cfg), nil
	case "file":
		return NewFile(cfg)
	case "sqlite":
		return NewSQLite(cfg)
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.Type)
	}
}
