package pipeline

import (
	"bytes"
	"sync"

	"go.uber.org/zap"

	"github.com/syphonlabs/syphon/internal/logging"
	"github.com/syphonlabs/syphon/internal/protocol"
)

// Tap passively observes the protocol messages flowing through a stream
// without altering the bytes. STATE values are appended in arrival order;
// everything else is discarded here because the forwarding routine has
// already delivered it downstream. Parse failures are tolerated: plugin
// output is third-party and not fully trusted.
//
// Tap implements io.Writer so it can sit behind an io.TeeReader on the
// forwarding path. Writes only append to in-memory buffers and never block
// on I/O, keeping the primary copy's stall bounded by one buffer.
type Tap struct {
	logger *logging.Logger

	mu     sync.Mutex
	carry  []byte
	states []map[string]any
}

// NewTap creates a tap logging unparsed lines through logger.
func NewTap(logger *logging.Logger) *Tap {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Tap{logger: logger}
}

// Write consumes a chunk of the forwarded stream, splitting it into
// protocol lines. Partial trailing lines are carried into the next write.
func (t *Tap) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.carry = append(t.carry, p...)
	for {
		i := bytes.IndexByte(t.carry, '\n')
		if i < 0 {
			break
		}
		t.observe(t.carry[:i])
		t.carry = t.carry[i+1:]
	}
	return len(p), nil
}

// Flush parses any trailing unterminated line. Called once the stream has
// reached EOF.
func (t *Tap) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.carry) > 0 {
		t.observe(t.carry)
		t.carry = nil
	}
}

func (t *Tap) observe(line []byte) {
	msg := protocol.Parse(line)
	switch msg.Type {
	case protocol.State:
		value := msg.Value
		if value == nil {
			value = map[string]any{}
		}
		t.states = append(t.states, value)
	case protocol.Unknown:
		if len(bytes.TrimSpace(line)) > 0 {
			t.logger.Debug("unparsed protocol line", zap.ByteString("line", line))
		}
	}
}

// States returns the STATE values observed so far, in wire order.
func (t *Tap) States() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]map[string]any, len(t.states))
	copy(out, t.states)
	return out
}
