// Package storage provides key-addressed persistence for state blobs, run
// lock entries and job run records. Three backends share one contract:
// local filesystem, HTTP object store, and Postgres. The State Coordinator
// and Run Lock see identical semantics regardless of backend; selection is
// configuration, never runtime type inspection.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/syphonlabs/syphon/internal/config"
)

var (
	// ErrNotFound is returned by Get and Delete when no blob exists for
	// the key.
	ErrNotFound = errors.New("storage: key not found")

	// ErrExists is returned by PutIfAbsent when the key is already
	// present. The run lock relies on this for mutual exclusion.
	ErrExists = errors.New("storage: key already exists")
)

// Backend is the capability set every storage adapter implements.
// Put is an atomic replace; PutIfAbsent is a conditional create that
// fails with ErrExists when the key is taken. Backends must provide
// read-after-write consistency for a single key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte) error
	PutIfAbsent(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// New builds the backend selected by cfg.Backend.
func New(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "local":
		return NewLocal(cfg.Dir)
	case "object":
		return NewObject(cfg.ObjectBaseURL, cfg.ObjectPrefix)
	case "postgres":
		return NewPostgres(cfg.PostgresDSN, cfg.PostgresTable)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
