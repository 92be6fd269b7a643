package durable

import (
	"context"

	"github.com/davidroman0O/durable/internal/storage"
)

// Store persists orchestration and entity state with optimistic
// concurrency.
type Store = storage.Store

func NewMemoryStore() (Store, error) {
	memory, err := storage.NewMemory()
	if err != nil {
		return nil, err
	}
	return memory, nil
}

// NewSQLiteStore opens (or creates) a database at path. An empty path keeps
// the database in memory. With destructive set, an existing file is removed
// first.
func NewSQLiteStore(ctx context.Context, path string, destructive bool, logger Logger) (Store, error) {
	opts := []storage.SQLiteOption{}
	if path != "" {
		opts = append(opts, storage.WithPath(path))
	}
	if destructive {
		opts = append(opts, storage.WithDestructive())
	}
	if logger != nil {
		opts = append(opts, storage.WithLogger(logger))
	}
	db, err := storage.NewSQLite(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return db, nil
}
