package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/syphonlabs/syphon/internal/identity"
	"github.com/syphonlabs/syphon/internal/logging"
	"github.com/syphonlabs/syphon/internal/storage"
)

// PersistError reports a failed state write. Data movement may have
// succeeded; Merged carries the in-memory merged value so the caller can
// retry persistence without re-running extraction.
type PersistError struct {
	Identity identity.Identity
	Merged   map[string]any
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist state for %s: %v", e.Identity, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Coordinator folds the STATE messages observed during one run and writes
// the merged blob through the storage backend. One coordinator instance is
// exclusively owned by one run.
type Coordinator struct {
	backend storage.Backend
	logger  *logging.Logger
}

// NewCoordinator creates a coordinator writing through backend.
func NewCoordinator(backend storage.Backend, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{backend: backend, logger: logger}
}

func stateKey(ident identity.Identity) string {
	return "state/" + string(ident)
}

// Load reads the persisted state blob for ident. A missing blob is an
// empty one, never an error.
func (c *Coordinator) Load(ctx context.Context, ident identity.Identity) (map[string]any, error) {
	blob, err := c.backend.Get(ctx, stateKey(ident))
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", ident, err)
	}

	var value map[string]any
	if err := sonic.Unmarshal(blob, &value); err != nil {
		return nil, fmt.Errorf("load state for %s: decode blob: %w", ident, err)
	}
	return value, nil
}

// Commit folds observed (in wire order) onto the persisted blob for ident
// and writes the result back as a single atomic put. With no observed
// STATE it is a no-op. On write failure the returned error is a
// *PersistError carrying the merged value.
func (c *Coordinator) Commit(ctx context.Context, ident identity.Identity, observed []map[string]any) (map[string]any, error) {
	if len(observed) == 0 {
		return nil, nil
	}

	persisted, err := c.Load(ctx, ident)
	if err != nil {
		return nil, err
	}

	merged := Merge(persisted, Fold(observed))

	blob, err := sonic.Marshal(merged)
	if err != nil {
		return merged, &PersistError{Identity: ident, Merged: merged, Err: err}
	}
	if err := c.backend.Put(ctx, stateKey(ident), blob); err != nil {
		return merged, &PersistError{Identity: ident, Merged: merged, Err: err}
	}

	c.logger.Debug("state committed",
		zap.String("identity", string(ident)),
		zap.Int("observed_messages", len(observed)),
	)
	return merged, nil
}
