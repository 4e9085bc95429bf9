// Package pipeline runs the external extraction and formatting tools.
//
// Commands are always started from an argument vector; nothing is ever
// passed through a shell, so configuration values (passwords, URLs, titles)
// cannot inject commands.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	appLog "calfeed/internal/log"
)

// waitDelay bounds how long Wait keeps copying output after a process was
// killed, in case a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// Command is one program invocation. Name is a short label used in logs,
// errors and metrics ("extract", "format").
type Command struct {
	Name string
	Path string
	Args []string
}

func (c Command) String() string {
	if c.Name != "" {
		return c.Name + " (" + c.Path + ")"
	}
	return c.Path
}

// Outcome is what a finished process produced.
type Outcome struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// StartError means the process could not be started at all.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ExitError means the process ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   []byte
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(string(e.Stderr)); s != "" {
		msg += ": " + s
	}
	return msg
}

// TimeoutError means the process was killed after exceeding its time limit.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s", e.Command, e.Timeout)
}

// IsUpstream reports whether err came from an external process failing
// (start failure, non-zero exit or timeout).
func IsUpstream(err error) bool {
	var se *StartError
	var ee *ExitError
	var te *TimeoutError
	return errors.As(err, &se) || errors.As(err, &ee) || errors.As(err, &te)
}

// Observer is notified about every finished process. result is one of
// "ok", "start_error", "exit_error", "timeout".
type Observer interface {
	ObserveProcess(tool, result string, d time.Duration)
}

// Executor runs commands with a per-process time limit.
type Executor struct {
	timeout  time.Duration
	observer Observer
}

// NewExecutor creates an Executor. A zero timeout disables the limit.
// observer may be nil.
func NewExecutor(timeout time.Duration, observer Observer) *Executor {
	return &Executor{timeout: timeout, observer: observer}
}

func (e *Executor) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Executor) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.WaitDelay = waitDelay
	return cmd
}

// Run executes c, writing stdin (if non-nil) to its standard input. Stdout
// and stderr are drained concurrently with the input being written, so a
// chatty process cannot deadlock against a full pipe. The returned Outcome
// is filled in even when the error is non-nil.
func (e *Executor) Run(ctx context.Context, c Command, stdin []byte) (Outcome, error) {
	ctx, cancel := e.context(ctx)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := e.command(ctx, c)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.observe(c, "start_error", start)
		return Outcome{ExitCode: -1}, &StartError{Command: c.String(), Err: err}
	}

	appLog.Debug("process started", "tool", c.Name, "pid", cmd.Process.Pid, "stdin_bytes", len(stdin))

	waitErr := cmd.Wait()
	out := Outcome{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}
	err := e.check(ctx, c, waitErr, out, start)
	return out, err
}

// Pipe runs first and second concurrently with first's stdout connected to
// second's stdin through an OS pipe. The parent closes its copies of both
// pipe ends right after starting the processes, so second sees EOF as soon
// as first exits, and first gets EPIPE if second stops reading. Both
// processes' stderr are drained concurrently and both exit codes are
// checked; the Outcome describes second.
func (e *Executor) Pipe(ctx context.Context, first, second Command) (Outcome, error) {
	ctx, cancel := e.context(ctx)
	defer cancel()

	pr, pw, err := os.Pipe()
	if err != nil {
		return Outcome{ExitCode: -1}, fmt.Errorf("create pipe: %w", err)
	}

	var firstErr, stdout, secondErr bytes.Buffer
	c1 := e.command(ctx, first)
	c1.Stdout = pw
	c1.Stderr = &firstErr

	c2 := e.command(ctx, second)
	c2.Stdin = pr
	c2.Stdout = &stdout
	c2.Stderr = &secondErr

	start := time.Now()
	if err := c1.Start(); err != nil {
		pr.Close()
		pw.Close()
		e.observe(first, "start_error", start)
		return Outcome{ExitCode: -1}, &StartError{Command: first.String(), Err: err}
	}
	// The writer end now lives in the first child only.
	pw.Close()

	if err := c2.Start(); err != nil {
		pr.Close()
		cancel()
		_ = c1.Wait()
		e.observe(second, "start_error", start)
		return Outcome{ExitCode: -1}, &StartError{Command: second.String(), Err: err}
	}
	pr.Close()

	// Wait for both before judging either, so neither is left running.
	wait1 := c1.Wait()
	wait2 := c2.Wait()

	out1 := Outcome{Stderr: firstErr.Bytes(), ExitCode: c1.ProcessState.ExitCode()}
	out := Outcome{
		Stdout:   stdout.Bytes(),
		Stderr:   secondErr.Bytes(),
		ExitCode: c2.ProcessState.ExitCode(),
	}

	if err := e.check(ctx, first, wait1, out1, start); err != nil {
		return out, err
	}
	return out, e.check(ctx, second, wait2, out, start)
}

func (e *Executor) check(ctx context.Context, c Command, waitErr error, out Outcome, start time.Time) error {
	if waitErr == nil {
		e.observe(c, "ok", start)
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.observe(c, "timeout", start)
		return &TimeoutError{Command: c.String(), Timeout: e.timeout}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		e.observe(c, "exit_error", start)
		return &ExitError{Command: c.String(), ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	// I/O errors while copying streams, or ctx canceled by the caller.
	e.observe(c, "exit_error", start)
	return &ExitError{Command: c.String(), ExitCode: out.ExitCode, Stderr: []byte(waitErr.Error())}
}

func (e *Executor) observe(c Command, result string, start time.Time) {
	d := time.Since(start)
	appLog.Debug("process finished", "tool", c.Name, "result", result, "duration", d)
	if e.observer != nil {
		e.observer.ObserveProcess(c.Name, result, d)
	}
}
