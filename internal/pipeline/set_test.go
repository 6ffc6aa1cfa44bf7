package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphonlabs/syphon/internal/proc"
)

func sh(script string) proc.Spec {
	return proc.Spec{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestNewSetTopology(t *testing.T) {
	producer := Producer("tap", sh("true"))
	transformer := Transformer("map", sh("cat"))
	consumer := Consumer("target", sh("cat >/dev/null"))

	tests := []struct {
		name    string
		blocks  []Block
		wantErr bool
	}{
		{name: "producer consumer", blocks: []Block{producer, consumer}},
		{name: "with transformer", blocks: []Block{producer, transformer, consumer}},
		{name: "two transformers", blocks: []Block{producer, transformer, transformer, consumer}},
		{name: "empty", blocks: nil, wantErr: true},
		{name: "single block", blocks: []Block{producer}, wantErr: true},
		{name: "consumer first", blocks: []Block{consumer, producer}, wantErr: true},
		{name: "producer at tail", blocks: []Block{producer, producer}, wantErr: true},
		{name: "consumer in middle", blocks: []Block{producer, consumer, consumer}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSet(tt.blocks)
			if tt.wantErr {
				var terr *TopologyError
				require.Error(t, err)
				assert.True(t, errors.As(err, &terr))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRunForwardsBytesToConsumer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "received")
	set, err := NewSet([]Block{
		Producer("tap", sh(`printf 'line-1\nline-2\nline-3\n'`)),
		Consumer("target", proc.Spec{
			Path: "/bin/sh",
			Args: []string{"-c", `cat > "$OUT"`},
			Env:  map[string]string{"OUT": out},
		}),
	})
	require.NoError(t, err)

	require.NoError(t, set.Run(context.Background()))

	received, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "line-1\nline-2\nline-3\n", string(received))
}

func TestRunThroughTransformer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "received")
	set, err := NewSet([]Block{
		Producer("tap", sh(`printf 'a\nb\n'`)),
		Transformer("upper", sh(`tr 'ab' 'AB'`)),
		Consumer("target", proc.Spec{
			Path: "/bin/sh",
			Args: []string{"-c", `cat > "$OUT"`},
			Env:  map[string]string{"OUT": out},
		}),
	})
	require.NoError(t, err)

	require.NoError(t, set.Run(context.Background()))

	received, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "A\nB\n", string(received))
}

func TestRunReportsFailingBlock(t *testing.T) {
	set, err := NewSet([]Block{
		Producer("tap", sh(`printf 'data\n'; sleep 5`)),
		Consumer("target", sh(`echo "target blew up" >&2; exit 2`)),
	}, WithGrace(time.Second))
	require.NoError(t, err)

	err = set.Run(context.Background())
	require.Error(t, err)

	var berr *BlockError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, 1, berr.Index)
	assert.Equal(t, RoleConsumer, berr.Role)
	assert.Equal(t, 2, berr.ExitCode)
	assert.Contains(t, strings.Join(berr.StderrTail, "\n"), "target blew up")
}

func TestRunProducerFailureTerminatesConsumer(t *testing.T) {
	start := time.Now()
	set, err := NewSet([]Block{
		Producer("tap", sh(`exit 1`)),
		Consumer("target", sh(`cat >/dev/null; sleep 10`)),
	}, WithGrace(time.Second))
	require.NoError(t, err)

	err = set.Run(context.Background())
	require.Error(t, err)

	var berr *BlockError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, 0, berr.Index, "failure must be attributed to the producer, not the collateral kill")
	assert.Equal(t, 1, berr.ExitCode)
	assert.Less(t, time.Since(start), 8*time.Second, "consumer must be terminated, not waited out")
}

func TestRunProducerMayExitBeforeConsumerDrains(t *testing.T) {
	out := filepath.Join(t.TempDir(), "received")
	set, err := NewSet([]Block{
		// Producer exits immediately after writing; consumer is slow.
		Producer("tap", sh(`printf 'payload\n'`)),
		Consumer("target", proc.Spec{
			Path: "/bin/sh",
			Args: []string{"-c", `sleep 0.2; cat > "$OUT"`},
			Env:  map[string]string{"OUT": out},
		}),
	})
	require.NoError(t, err)

	require.NoError(t, set.Run(context.Background()))

	received, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(received))
}

func TestRunBackpressureWithTinyBuffer(t *testing.T) {
	// 200KB through an 8-byte forwarding buffer and a slow consumer: the
	// transfer must still complete intact, with memory bounded by the
	// buffer rather than the payload.
	out := filepath.Join(t.TempDir(), "received")
	var forwarded int
	set, err := NewSet([]Block{
		Producer("tap", sh(`i=0; while [ $i -lt 200 ]; do head -c 1024 /dev/zero | tr '\0' 'x'; i=$((i+1)); done`)),
		Consumer("target", proc.Spec{
			Path: "/bin/sh",
			Args: []string{"-c", `sleep 0.1; wc -c > "$OUT"`},
			Env:  map[string]string{"OUT": out},
		}),
	},
		WithBufferSize(8),
		WithByteCallback(func(n int) { forwarded += n }),
	)
	require.NoError(t, err)

	require.NoError(t, set.Run(context.Background()))

	received, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "204800", strings.TrimSpace(string(received)))
	assert.Equal(t, 204800, forwarded)
}

func TestRunEarlyConsumerCloseDrainsUpstream(t *testing.T) {
	// Consumer stops reading after 5 bytes but exits 0. The forwarder must
	// keep draining the producer so it can finish, and the run succeeds.
	tap := NewTap(nil)
	set, err := NewSet([]Block{
		Producer("tap", sh(`printf '{"type":"STATE","value":{"x":1}}\n'; head -c 4096 /dev/zero | tr '\0' 'y'; echo`)),
		Consumer("target", sh(`head -c 5 >/dev/null`)),
	})
	require.NoError(t, err)
	set.TapConsumerInput(tap)

	require.NoError(t, set.Run(context.Background()))
	assert.Len(t, tap.States(), 1, "taps must observe drained output for completeness")
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tap := NewTap(nil)

	set, err := NewSet([]Block{
		Producer("tap", sh(`printf '{"type":"STATE","value":{"bookmarks":{"users":{"cursor":3}}}}\n'; sleep 30`)),
		Consumer("target", sh(`cat >/dev/null`)),
	}, WithGrace(time.Second))
	require.NoError(t, err)
	set.TapConsumerInput(tap)

	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err = set.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 10*time.Second)

	// Partial STATE observed before cancellation survives for the
	// coordinator to persist.
	states := tap.States()
	require.Len(t, states, 1)
	assert.Contains(t, states[0], "bookmarks")
}

func TestRunSpawnFailureCleansUp(t *testing.T) {
	set, err := NewSet([]Block{
		Producer("tap", sh(`sleep 30`)),
		Consumer("target", proc.Spec{Path: "/no/such/plugin"}),
	}, WithGrace(time.Second))
	require.NoError(t, err)

	start := time.Now()
	err = set.Run(context.Background())
	require.Error(t, err)

	var serr *proc.SpawnError
	assert.True(t, errors.As(err, &serr))
	assert.Less(t, time.Since(start), 10*time.Second, "already-started blocks must be terminated")
}

func TestAttachTapBounds(t *testing.T) {
	set, err := NewSet([]Block{
		Producer("tap", sh("true")),
		Consumer("target", sh("cat >/dev/null")),
	})
	require.NoError(t, err)

	assert.Error(t, set.AttachTap(0, NewTap(nil)), "producer has no input stream")
	assert.Error(t, set.AttachTap(2, NewTap(nil)))
	assert.NoError(t, set.AttachTap(1, NewTap(nil)))
}

func TestStderrTailBounded(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf(`echo "line %d" >&2`, i))
	}
	set, err := NewSet([]Block{
		Producer("tap", sh(strings.Join(lines, "; ")+"; exit 9")),
		Consumer("target", sh(`cat >/dev/null`)),
	}, WithStderrTail(3), WithGrace(time.Second))
	require.NoError(t, err)

	err = set.Run(context.Background())
	var berr *BlockError
	require.True(t, errors.As(err, &berr))
	require.Len(t, berr.StderrTail, 3)
	assert.Equal(t, []string{"line 17", "line 18", "line 19"}, berr.StderrTail)
}
