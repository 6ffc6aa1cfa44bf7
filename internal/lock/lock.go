// Package lock serializes pipeline runs: at most one unexpired lock entry
// exists per pipeline identity at any instant. Entries are conditional
// creates against the storage backend (an O_EXCL file on the local
// backend). A lock whose TTL has elapsed is treated as absent, trading
// strict mutual exclusion for liveness after a holder crashes without
// releasing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/syphonlabs/syphon/internal/identity"
	"github.com/syphonlabs/syphon/internal/logging"
	"github.com/syphonlabs/syphon/internal/shared/id"
	"github.com/syphonlabs/syphon/internal/storage"
)

// ErrAlreadyLocked reports a concurrent run attempt. The engine never
// retries past the bounded acquire window; callers decide whether to fail
// or poll.
var ErrAlreadyLocked = errors.New("lock: pipeline already locked")

// ErrLockLost is returned by Renew when the entry no longer belongs to the
// token's holder (the TTL elapsed and another run reclaimed it).
var ErrLockLost = errors.New("lock: lock lost to another holder")

// ContentionError wraps ErrAlreadyLocked with the current holder for
// reporting.
type ContentionError struct {
	Identity   identity.Identity
	Holder     string
	AcquiredAt time.Time
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("pipeline %s locked by %s since %s",
		e.Identity, e.Holder, e.AcquiredAt.Format(time.RFC3339))
}

func (e *ContentionError) Unwrap() error { return ErrAlreadyLocked }

// Entry is the persisted lock record.
type Entry struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Token proves ownership of an acquired lock.
type Token struct {
	Identity identity.Identity
	Holder   id.HolderID
	Entry    Entry
}

// Manager acquires and releases run locks through a storage backend.
type Manager struct {
	backend storage.Backend
	logger  *logging.Logger
	now     func() time.Time

	// acquire retry bounds when racing another writer
	attempts  int
	baseDelay time.Duration

	onReclaim func()
}

// NewManager creates a lock manager over backend.
func NewManager(backend storage.Backend, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		backend:   backend,
		logger:    logger,
		now:       time.Now,
		attempts:  3,
		baseDelay: 50 * time.Millisecond,
	}
}

// OnReclaim registers fn to run each time Acquire deletes an expired
// entry, typically to bump a counter.
func (m *Manager) OnReclaim(fn func()) {
	m.onReclaim = fn
}

func lockKey(ident identity.Identity) string {
	return "locks/" + string(ident)
}

// Acquire takes the run lock for ident on behalf of holder, valid for ttl.
// A raced backend write is retried a bounded number of times with jitter;
// live contention returns a *ContentionError immediately.
func (m *Manager) Acquire(ctx context.Context, ident identity.Identity, holder id.HolderID, ttl time.Duration) (*Token, error) {
	key := lockKey(ident)

	for attempt := 0; attempt < m.attempts; attempt++ {
		now := m.now()
		entry := Entry{
			Holder:     string(holder),
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		blob, err := sonic.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", ident, err)
		}

		err = m.backend.PutIfAbsent(ctx, key, blob)
		if err == nil {
			m.logger.Debug("lock acquired",
				zap.String("identity", string(ident)),
				zap.String("holder", string(holder)),
				zap.Time("expires_at", entry.ExpiresAt),
			)
			return &Token{Identity: ident, Holder: holder, Entry: entry}, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return nil, fmt.Errorf("acquire %s: %w", ident, err)
		}

		current, err := m.readEntry(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Holder released between our write and read; retry.
		case errors.Is(err, errCorruptEntry):
			// An unreadable entry cannot prove ownership and carries no
			// expiry; clear it so the pipeline is not wedged forever.
			if derr := m.backend.Delete(ctx, key); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				return nil, fmt.Errorf("acquire %s: clear corrupt lock: %w", ident, derr)
			}
		case err != nil:
			return nil, fmt.Errorf("acquire %s: %w", ident, err)
		case current.expired(m.now()):
			// Stale lock from a crashed holder: reclaim by deleting and
			// re-contending. A concurrent reclaimer may beat us to the
			// delete, which the next attempt resolves.
			if derr := m.backend.Delete(ctx, key); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				return nil, fmt.Errorf("acquire %s: reclaim stale lock: %w", ident, derr)
			}
			m.logger.Warn("reclaimed stale lock",
				zap.String("identity", string(ident)),
				zap.String("stale_holder", current.Holder),
			)
			if m.onReclaim != nil {
				m.onReclaim()
			}
		default:
			return nil, &ContentionError{
				Identity:   ident,
				Holder:     current.Holder,
				AcquiredAt: current.AcquiredAt,
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.baseDelay + time.Duration(rand.Int63n(int64(m.baseDelay)))):
		}
	}

	return nil, fmt.Errorf("acquire %s: %w", ident, ErrAlreadyLocked)
}

// Release deletes the entry if still owned by token. An entry owned by a
// different holder (the original expired and was reclaimed) is left alone;
// that is a no-op, not an error.
//
// Read-then-delete is not atomic: an entry that expires between the read
// and the delete can be reclaimed by a new holder whose lock this delete
// then removes. The window only opens once the holder has already
// overrun its TTL without renewing, the same bound Acquire's reclaim
// rests on; the Backend interface has no compare-and-delete to close it.
func (m *Manager) Release(ctx context.Context, token *Token) error {
	key := lockKey(token.Identity)

	current, err := m.readEntry(ctx, key)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, errCorruptEntry) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", token.Identity, err)
	}
	if current.Holder != string(token.Holder) {
		m.logger.Warn("skipping release of reclaimed lock",
			zap.String("identity", string(token.Identity)),
			zap.String("current_holder", current.Holder),
		)
		return nil
	}

	if err := m.backend.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("release %s: %w", token.Identity, err)
	}
	return nil
}

// Renew extends the expiry of a held lock by ttl from now. Fails with
// ErrLockLost if the entry is gone or owned by someone else.
func (m *Manager) Renew(ctx context.Context, token *Token, ttl time.Duration) error {
	key := lockKey(token.Identity)

	current, err := m.readEntry(ctx, key)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, errCorruptEntry) {
		return fmt.Errorf("renew %s: %w", token.Identity, ErrLockLost)
	}
	if err != nil {
		return fmt.Errorf("renew %s: %w", token.Identity, err)
	}
	if current.Holder != string(token.Holder) {
		return fmt.Errorf("renew %s: %w", token.Identity, ErrLockLost)
	}

	current.ExpiresAt = m.now().Add(ttl)
	blob, err := sonic.Marshal(current)
	if err != nil {
		return fmt.Errorf("renew %s: %w", token.Identity, err)
	}
	if err := m.backend.Put(ctx, key, blob); err != nil {
		return fmt.Errorf("renew %s: %w", token.Identity, err)
	}
	token.Entry = current
	return nil
}

// KeepAlive renews token every interval until ctx is cancelled. Renewal
// failures are logged but do not abort the loop: a transient backend error
// must not kill a healthy pipeline, and a genuinely lost lock surfaces when
// the run completes.
func (m *Manager) KeepAlive(ctx context.Context, token *Token, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Renew(ctx, token, ttl); err != nil {
				m.logger.Warn("lock renewal failed",
					zap.String("identity", string(token.Identity)),
					zap.Error(err),
				)
			}
		}
	}
}

var errCorruptEntry = errors.New("lock: corrupt lock entry")

func (m *Manager) readEntry(ctx context.Context, key string) (Entry, error) {
	blob, err := m.backend.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := sonic.Unmarshal(blob, &entry); err != nil {
		return Entry{}, errCorruptEntry
	}
	return entry, nil
}
