// Package proc wraps a single plugin subprocess as an explicitly owned
// resource: byte-stream handles for stdin/stdout/stderr, an awaitable exit
// status, and forced-termination control. Every exit path reaps the
// process; no zombies even on early cancellation.
package proc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spec describes one subprocess invocation, supplied by the plugin
// invocation collaborator and treated as opaque input.
type Spec struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string
}

// SpawnError reports an executable that could not be launched. Fatal, no
// retry.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Handle owns one running OS process. Stream handles are valid until the
// process exits. Wait may be called from any number of goroutines; the
// underlying reap happens exactly once.
type Handle struct {
	cmd *exec.Cmd

	stdin  *os.File // write end of the child's stdin
	stdout *os.File // read end of the child's stdout
	stderr *os.File // read end of the child's stderr

	done     chan struct{}
	exitCode int

	closeStdinOnce sync.Once
	closeOnce      sync.Once
}

// Start launches the subprocess described by spec. The child's pipe ends
// are created by the caller process so that reaping the child never closes
// the parent's read ends mid-drain.
func Start(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for key, value := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	// The child holds its own copies now; keeping ours open would mask EOF.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	h := &Handle{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}

	go h.monitor()

	return h, nil
}

// monitor reaps the process exactly once and publishes its exit code.
func (h *Handle) monitor() {
	err := h.cmd.Wait()
	switch {
	case err == nil:
		h.exitCode = 0
	case h.cmd.ProcessState != nil:
		h.exitCode = h.cmd.ProcessState.ExitCode()
	default:
		h.exitCode = -1
	}
	close(h.done)
}

// Stdin returns the write end of the child's standard input. Closing it
// signals EOF to the child.
func (h *Handle) Stdin() *os.File { return h.stdin }

// Stdout returns the read end of the child's standard output.
func (h *Handle) Stdout() *os.File { return h.stdout }

// Stderr returns the read end of the child's standard error.
func (h *Handle) Stderr() *os.File { return h.stderr }

// CloseStdin closes the child's stdin, delivering EOF. Safe to call more
// than once.
func (h *Handle) CloseStdin() {
	h.closeStdinOnce.Do(func() {
		h.stdin.Close()
	})
}

// Close releases the parent's remaining pipe ends once all readers have
// drained. Without it a long-lived embedder holds two descriptors per
// block per run until finalizers fire. Safe to call more than once.
func (h *Handle) Close() {
	h.CloseStdin()
	h.closeOnce.Do(func() {
		h.stdout.Close()
		h.stderr.Close()
	})
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports -1.
func (h *Handle) Wait() int {
	<-h.done
	return h.exitCode
}

// Done returns a channel closed when the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has already been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Terminate sends SIGTERM and escalates to SIGKILL if the process outlives
// the grace period. It returns once the process has been reaped.
func (h *Handle) Terminate(grace time.Duration) int {
	select {
	case <-h.done:
		return h.exitCode
	default:
	}

	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
		<-h.done
	}
	return h.exitCode
}

// PID returns the OS process id, for lock holder and log correlation.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}
