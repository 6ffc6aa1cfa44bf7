package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled marks a run ended by external cancellation rather than a
// block failure. Callers use errors.Is to distinguish the terminal status.
var ErrCancelled = errors.New("pipeline: run cancelled")

// TopologyError reports a malformed block chain. Programmer or
// configuration error; fatal.
type TopologyError struct {
	Reason string
}

func (e *TopologyError) Error() string {
	return "invalid pipeline topology: " + e.Reason
}

// BlockError reports the block whose non-zero exit failed the run, with a
// bounded tail of its stderr for diagnosis.
type BlockError struct {
	Index      int
	Name       string
	Role       Role
	ExitCode   int
	StderrTail []string
}

func (e *BlockError) Error() string {
	msg := fmt.Sprintf("block %d (%s %s) exited with code %d",
		e.Index, e.Role, e.Name, e.ExitCode)
	if len(e.StderrTail) > 0 {
		msg += ": " + strings.Join(e.StderrTail, " | ")
	}
	return msg
}
