package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syphonlabs/syphon/internal/logging"
	"github.com/syphonlabs/syphon/internal/proc"
)

const (
	defaultBufferSize = 64 * 1024
	defaultGrace      = 5 * time.Second
	defaultTailLines  = 8
)

// Set is an ordered chain of blocks plus the forwarding routines that
// connect them. A Set exclusively owns its subprocesses for the duration
// of Run.
type Set struct {
	blocks  []Block
	taps    map[int][]*Tap
	logger  *logging.Logger
	bufSize int
	grace   time.Duration
	tail    int
	onBytes func(int)
}

// Option configures a Set.
type Option func(*Set)

// WithLogger sets the logger receiving stderr capture and tap diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(s *Set) { s.logger = l }
}

// WithBufferSize sets the forwarding buffer size. The buffer bounds memory
// per forwarder and provides backpressure: when the downstream block
// stalls, the pipe fills and upstream writes block.
func WithBufferSize(n int) Option {
	return func(s *Set) { s.bufSize = n }
}

// WithGrace sets how long Terminate waits between SIGTERM and SIGKILL.
func WithGrace(d time.Duration) Option {
	return func(s *Set) { s.grace = d }
}

// WithStderrTail sets how many trailing stderr lines are kept per block for
// failure reports.
func WithStderrTail(n int) Option {
	return func(s *Set) { s.tail = n }
}

// WithByteCallback registers a hook invoked with the size of every
// forwarded chunk, for metrics.
func WithByteCallback(fn func(int)) Option {
	return func(s *Set) { s.onBytes = fn }
}

// NewSet validates the chain shape and builds a runnable Set: exactly one
// Producer at the head, zero or more Transformers in the middle, exactly
// one Consumer at the tail.
func NewSet(blocks []Block, opts ...Option) (*Set, error) {
	if len(blocks) < 2 {
		return nil, &TopologyError{Reason: "chain needs at least a producer and a consumer"}
	}
	if blocks[0].Role != RoleProducer {
		return nil, &TopologyError{Reason: fmt.Sprintf("head block %q is %s, want producer", blocks[0].Name, blocks[0].Role)}
	}
	last := len(blocks) - 1
	if blocks[last].Role != RoleConsumer {
		return nil, &TopologyError{Reason: fmt.Sprintf("tail block %q is %s, want consumer", blocks[last].Name, blocks[last].Role)}
	}
	for i := 1; i < last; i++ {
		if blocks[i].Role != RoleTransformer {
			return nil, &TopologyError{Reason: fmt.Sprintf("middle block %q is %s, want transformer", blocks[i].Name, blocks[i].Role)}
		}
	}

	s := &Set{
		blocks:  blocks,
		taps:    make(map[int][]*Tap),
		logger:  logging.NewNop(),
		bufSize: defaultBufferSize,
		grace:   defaultGrace,
		tail:    defaultTailLines,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AttachTap observes the bytes entering block index (what that block
// receives, post any upstream rewriting). Valid for every block but the
// producer, which has no input stream.
func (s *Set) AttachTap(index int, tap *Tap) error {
	if index <= 0 || index >= len(s.blocks) {
		return fmt.Errorf("pipeline: no input stream at block index %d", index)
	}
	s.taps[index] = append(s.taps[index], tap)
	return nil
}

// TapConsumerInput attaches tap to the terminal consumer's input stream,
// the canonical point for STATE capture.
func (s *Set) TapConsumerInput(tap *Tap) {
	last := len(s.blocks) - 1
	s.taps[last] = append(s.taps[last], tap)
}

type exitEvent struct {
	index int
	code  int
}

// Run starts every block, wires the forwarding routines, and blocks until
// the chain completes or fails. Success requires every block to exit 0;
// the producer may exit before the consumer finishes draining. On the
// first non-zero exit the remaining blocks are terminated and the failing
// block is reported with a bounded stderr tail. Cancellation through ctx
// terminates every block and returns an error matching ErrCancelled;
// already-observed tap state remains available to the caller.
func (s *Set) Run(ctx context.Context) error {
	n := len(s.blocks)
	handles := make([]*proc.Handle, n)

	for i, b := range s.blocks {
		h, err := proc.Start(b.Spec)
		if err != nil {
			for j := 0; j < i; j++ {
				handles[j].Terminate(s.grace)
				handles[j].Close()
			}
			return fmt.Errorf("start block %d (%s %s): %w", i, b.Role, b.Name, err)
		}
		handles[i] = h
		s.logger.Debug("block started",
			zap.Int("index", i),
			zap.String("role", b.Role.String()),
			zap.String("name", b.Name),
			zap.Int("pid", h.PID()),
		)
	}

	// The producer reads nothing.
	handles[0].CloseStdin()

	tails := make([]*tailBuffer, n)
	for i := range tails {
		tails[i] = newTailBuffer(s.tail)
	}

	var g errgroup.Group

	// One forwarder per adjacent pair, one stderr capturer per block.
	// Stderr runs on its own reader so a chatty block can never stall its
	// stdout forwarding.
	for i := 0; i < n-1; i++ {
		src, dst, taps := handles[i], handles[i+1], s.taps[i+1]
		g.Go(func() error {
			s.forward(src.Stdout(), dst, taps)
			return nil
		})
	}
	for i := range handles {
		h, block, tail := handles[i], s.blocks[i], tails[i]
		g.Go(func() error {
			s.captureLines(h.Stderr(), block, "stderr", tail)
			return nil
		})
	}

	// The terminal consumer's stdout is not forwarded anywhere; loaders
	// emit their own STATE and progress lines there. Capture it like
	// stderr so the consumer can never wedge on a full pipe.
	consumer := n - 1
	g.Go(func() error {
		s.captureLines(handles[consumer].Stdout(), s.blocks[consumer], "stdout", nil)
		return nil
	})

	exits := make(chan exitEvent, n)
	for i := range handles {
		i, h := i, handles[i]
		go func() {
			exits <- exitEvent{index: i, code: h.Wait()}
		}()
	}

	var (
		remaining  = n
		exitCodes  = make([]int, n)
		failedAt   = -1
		cancelled  = false
		terminated = false
		ctxDone    = ctx.Done()
	)

	terminateAll := func() {
		terminated = true
		var wg sync.WaitGroup
		for _, h := range handles {
			if h.Exited() {
				continue
			}
			wg.Add(1)
			go func(h *proc.Handle) {
				defer wg.Done()
				h.Terminate(s.grace)
			}(h)
		}
		wg.Wait()
	}

	for remaining > 0 {
		select {
		case <-ctxDone:
			ctxDone = nil
			cancelled = true
			s.logger.Info("pipeline cancelled, terminating blocks")
			terminateAll()
		case ev := <-exits:
			remaining--
			exitCodes[ev.index] = ev.code
			s.logger.Debug("block exited",
				zap.Int("index", ev.index),
				zap.Int("exit_code", ev.code),
			)
			if ev.code != 0 && !terminated {
				// First genuine failure; everything that exits non-zero
				// after terminateAll is collateral, not the cause.
				failedAt = ev.index
				terminateAll()
			}
		}
	}

	// All processes have exited, so every stream is at EOF and the
	// forwarders and capturers drain whatever is still buffered before
	// returning. Tap completeness on failure depends on this join.
	_ = g.Wait()

	// Readers are done; give the pipe ends back to the OS.
	for _, h := range handles {
		h.Close()
	}

	for _, taps := range s.taps {
		for _, tap := range taps {
			tap.Flush()
		}
	}

	if cancelled {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	if failedAt >= 0 {
		return &BlockError{
			Index:      failedAt,
			Name:       s.blocks[failedAt].Name,
			Role:       s.blocks[failedAt].Role,
			ExitCode:   exitCodes[failedAt],
			StderrTail: tails[failedAt].lines(),
		}
	}
	return nil
}

// forward copies src into dst's stdin through a fixed-size buffer, tee-ing
// every chunk to the attached taps. If the downstream peer closes its end,
// forwarding switches to drain mode: upstream is still read to EOF so taps
// stay complete and the upstream block never wedges on a full pipe, while
// attribution of the broken pipe waits for the peer's exit code.
func (s *Set) forward(src io.Reader, dst *proc.Handle, taps []*Tap) {
	defer dst.CloseStdin()

	reader := src
	if len(taps) > 0 {
		writers := make([]io.Writer, len(taps))
		for i, t := range taps {
			writers[i] = t
		}
		reader = io.TeeReader(src, io.MultiWriter(writers...))
	}

	buf := make([]byte, s.bufSize)
	w := dst.Stdin()
	writeable := true

	for {
		nr, rerr := reader.Read(buf)
		if nr > 0 {
			if s.onBytes != nil {
				s.onBytes(nr)
			}
			if writeable {
				if _, werr := w.Write(buf[:nr]); werr != nil {
					writeable = false
				}
			}
		}
		if rerr != nil {
			return
		}
	}
}

// captureLines reads a block's stream line by line, forwarding each to the
// logging collaborator tagged with the block's role and stream, optionally
// keeping a bounded tail for failure reports.
func (s *Set) captureLines(r io.Reader, block Block, stream string, tail *tailBuffer) {
	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if tail != nil {
			tail.add(line)
		}
		s.logger.BlockLine(block.Role.String(), stream, line)
	}
}
