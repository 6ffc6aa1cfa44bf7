// Package job persists pipeline run history: one append-only record per
// run, created with status running and transitioned to a terminal status
// exactly once, plus per-run log capture.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"github.com/syphonlabs/syphon/internal/identity"
	"github.com/syphonlabs/syphon/internal/shared/id"
	"github.com/syphonlabs/syphon/internal/storage"
)

// Status is a run's lifecycle state. Cancelled is a distinguishable
// terminal failure, not a fourth lifecycle phase.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// ErrAlreadyTerminal reports a second Complete call on the same record.
// Programming misuse; fatal.
var ErrAlreadyTerminal = errors.New("job: record already terminal")

// ErrNoRuns is returned by Latest when an identity has never run.
var ErrNoRuns = errors.New("job: no runs recorded")

// Record is one persisted run history entry.
type Record struct {
	RunID     id.RunID          `json:"run_id"`
	Identity  identity.Identity `json:"identity"`
	Trigger   string            `json:"trigger"`
	Status    Status            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	// LogRef points at the captured run log archive, when one exists.
	LogRef string `json:"log_ref,omitempty"`
}

// Store reads and writes run records through a storage backend.
type Store struct {
	backend storage.Backend
}

// NewStore creates a record store over backend.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

func recordKey(ident identity.Identity, runID id.RunID) string {
	return "jobs/" + string(ident) + "/" + string(runID)
}

// Begin creates a running-status record for a new run.
func (s *Store) Begin(ctx context.Context, ident identity.Identity, trigger string) (*Record, error) {
	rec := &Record{
		RunID:     id.NewRunID(),
		Identity:  ident,
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.write(ctx, rec, true); err != nil {
		return nil, fmt.Errorf("begin run for %s: %w", ident, err)
	}
	return rec, nil
}

// Complete transitions rec to a terminal status exactly once. The persisted
// copy is the source of truth: completing a record some other process
// already finished fails with ErrAlreadyTerminal. This is the final write
// for the record; anything that belongs on it, such as LogRef, must be set
// on rec before the call.
func (s *Store) Complete(ctx context.Context, rec *Record, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("complete %s: %q is not a terminal status", rec.RunID, status)
	}

	current, err := s.get(ctx, recordKey(rec.Identity, rec.RunID))
	if err != nil {
		return fmt.Errorf("complete %s: %w", rec.RunID, err)
	}
	if current.Status.Terminal() {
		return fmt.Errorf("complete %s: %w", rec.RunID, ErrAlreadyTerminal)
	}

	rec.Status = status
	rec.EndedAt = time.Now().UTC()
	if err := s.write(ctx, rec, false); err != nil {
		return fmt.Errorf("complete %s: %w", rec.RunID, err)
	}
	return nil
}

// History returns all records for ident, newest first. Run IDs are ULIDs,
// so reverse key order is creation order.
func (s *Store) History(ctx context.Context, ident identity.Identity) ([]*Record, error) {
	prefix := "jobs/" + string(ident) + "/"
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", ident, err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue // deleted between List and Get
		}
		if err != nil {
			return nil, fmt.Errorf("history for %s: %w", ident, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Latest returns the most recent record for ident.
func (s *Store) Latest(ctx context.Context, ident identity.Identity) (*Record, error) {
	records, err := s.History(ctx, ident)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("latest for %s: %w", ident, ErrNoRuns)
	}
	return records[0], nil
}

func (s *Store) get(ctx context.Context, key string) (*Record, error) {
	blob, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := sonic.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

func (s *Store) write(ctx context.Context, rec *Record, create bool) error {
	blob, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	key := recordKey(rec.Identity, rec.RunID)
	if create {
		return s.backend.PutIfAbsent(ctx, key, blob)
	}
	return s.backend.Put(ctx, key, blob)
}
