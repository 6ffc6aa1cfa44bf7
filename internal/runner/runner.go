// Package runner drives one pipeline execution end to end: take the run
// lock, open the job run record, execute the block set, merge and persist
// observed state, and close the record with a terminal status. Partial
// state observed before a failure or cancellation is still persisted; a
// cancelled run must not silently discard progress the plugins already
// checkpointed.
package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/syphonlabs/syphon/internal/config"
	"github.com/syphonlabs/syphon/internal/identity"
	"github.com/syphonlabs/syphon/internal/job"
	"github.com/syphonlabs/syphon/internal/lock"
	"github.com/syphonlabs/syphon/internal/logging"
	"github.com/syphonlabs/syphon/internal/monitoring"
	"github.com/syphonlabs/syphon/internal/pipeline"
	"github.com/syphonlabs/syphon/internal/shared/id"
	"github.com/syphonlabs/syphon/internal/state"
	"github.com/syphonlabs/syphon/internal/storage"
)

// Pipeline is one resolved execution request, produced by the plugin
// invocation collaborator.
type Pipeline struct {
	Identity identity.Identity
	Blocks   []pipeline.Block
	Trigger  string
}

// Result reports what a run accomplished. MergedState is the in-memory
// merged value; when Err wraps a state.PersistError the caller can retry
// persistence from it without re-running extraction.
type Result struct {
	Record      *job.Record
	MergedState map[string]any
}

// Runner executes pipelines against a shared storage backend. Different
// identities may run in parallel on one Runner; the run lock serializes
// runs of the same identity.
type Runner struct {
	locks   *lock.Manager
	records *job.Store
	logs    *job.LogService
	state   *state.Coordinator
	metrics *monitoring.Metrics
	logger  *logging.Logger

	lockTTL    time.Duration
	lockRenew  time.Duration
	grace      time.Duration
	stderrTail int
}

// New builds a Runner over backend with the given configuration.
func New(backend storage.Backend, cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	locks := lock.NewManager(backend, logger)
	if metrics != nil {
		locks.OnReclaim(metrics.LockReclaims.Inc)
	}
	return &Runner{
		locks:      locks,
		records:    job.NewStore(backend),
		logs:       job.NewLogService(cfg.Jobs.LogDir, logger),
		state:      state.NewCoordinator(backend, logger),
		metrics:    metrics,
		logger:     logger,
		lockTTL:    cfg.Lock.TTL,
		lockRenew:  cfg.Lock.RenewInterval,
		grace:      cfg.Jobs.TerminateGrace,
		stderrTail: cfg.Jobs.StderrTail,
	}
}

// Records exposes the run record store for the query surface.
func (r *Runner) Records() *job.Store { return r.records }

// Logs exposes the run log service for the query surface.
func (r *Runner) Logs() *job.LogService { return r.logs }

// Run executes p to completion, failure or cancellation.
func (r *Runner) Run(ctx context.Context, p Pipeline) (*Result, error) {
	holder := id.NewHolderID()
	token, err := r.locks.Acquire(ctx, p.Identity, holder, r.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyLocked) && r.metrics != nil {
			r.metrics.LockContention.Inc()
		}
		return nil, err
	}

	// Persistence after the run must survive the run's own cancellation:
	// a cancelled ctx still gets its partial state committed, its record
	// completed, and its lock released.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := r.locks.Release(cleanupCtx, token); err != nil {
			r.logger.Error("lock release failed",
				zap.String("identity", string(p.Identity)), zap.Error(err))
		}
	}()

	rec, err := r.records.Begin(ctx, p.Identity, p.Trigger)
	if err != nil {
		return nil, err
	}

	runLog, _ := r.logs.Create(p.Identity, rec.RunID)
	defer runLog.Close()
	runLogger := r.logger.WithRun(string(rec.RunID)).TeeToWriter(runLog)

	tap := pipeline.NewTap(runLogger)
	opts := []pipeline.Option{
		pipeline.WithLogger(runLogger),
		pipeline.WithGrace(r.grace),
		pipeline.WithStderrTail(r.stderrTail),
	}
	if r.metrics != nil {
		opts = append(opts, pipeline.WithByteCallback(func(n int) {
			r.metrics.BytesForwarded.Add(float64(n))
		}))
	}

	set, err := pipeline.NewSet(p.Blocks, opts...)
	if err != nil {
		r.completeRecord(cleanupCtx, rec, job.StatusFailed)
		return &Result{Record: rec}, err
	}
	set.TapConsumerInput(tap)

	// Renew the lock while the blocks execute; long pipelines must not
	// lose their lock to TTL expiry mid-run.
	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	go r.locks.KeepAlive(keepAliveCtx, token, r.lockTTL, r.lockRenew)
	defer stopKeepAlive()

	if r.metrics != nil {
		r.metrics.RunsActive.Inc()
		defer r.metrics.RunsActive.Dec()
	}

	started := time.Now()
	runLogger.Info("pipeline starting",
		zap.String("identity", string(p.Identity)),
		zap.Int("blocks", len(p.Blocks)),
		zap.String("trigger", p.Trigger),
	)
	runErr := set.Run(ctx)
	stopKeepAlive()

	observed := tap.States()
	if r.metrics != nil {
		r.metrics.StateMessagesTotal.Add(float64(len(observed)))
	}

	merged, persistErr := r.state.Commit(cleanupCtx, p.Identity, observed)
	if r.metrics != nil {
		if persistErr != nil {
			r.metrics.StateCommitErrors.Inc()
		} else if len(observed) > 0 {
			r.metrics.StateCommits.Inc()
		}
	}

	status := job.StatusSuccess
	switch {
	case errors.Is(runErr, pipeline.ErrCancelled):
		status = job.StatusCancelled
	case runErr != nil:
		status = job.StatusFailed
	case persistErr != nil:
		// Data moved but the checkpoint did not stick; the run cannot be
		// called a success or the next run would re-extract from a stale
		// cursor without anyone noticing.
		status = job.StatusFailed
	}

	// Archive before completing: the terminal write is the record's last,
	// so the log reference has to ride along with it.
	rec.LogRef = r.archiveLog(rec, runLog)
	r.completeRecord(cleanupCtx, rec, status)

	duration := time.Since(started)
	if r.metrics != nil {
		r.metrics.ObserveRun(string(status), duration)
	}
	runLogger.Info("pipeline finished",
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
		zap.Int("state_messages", len(observed)),
	)

	result := &Result{Record: rec, MergedState: merged}
	switch {
	case runErr != nil && persistErr != nil:
		return result, errors.Join(runErr, persistErr)
	case runErr != nil:
		return result, runErr
	case persistErr != nil:
		return result, persistErr
	default:
		return result, nil
	}
}

func (r *Runner) completeRecord(ctx context.Context, rec *job.Record, status job.Status) {
	if err := r.records.Complete(ctx, rec, status); err != nil {
		r.logger.Error("run record completion failed",
			zap.String("run_id", string(rec.RunID)), zap.Error(err))
	}
}

// archiveLog compresses the finished run log and returns its reference.
// Best effort: history stays useful without the archive.
func (r *Runner) archiveLog(rec *job.Record, runLog interface{ Close() error }) string {
	runLog.Close()
	ref, err := r.logs.Archive(rec.Identity, rec.RunID)
	if err != nil {
		r.logger.Debug("run log not archived",
			zap.String("run_id", string(rec.RunID)), zap.Error(err))
		return ""
	}
	return ref
}
