// Package executor runs external commands with output capture, timeout
// enforcement and a bounded, caller-visible retry policy.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// DefaultMaxOutputBytes caps the captured combined output of one step.
const DefaultMaxOutputBytes = 1 << 20

// Outcome classifies how a command invocation ended. A non-zero exit is an
// outcome, not a Go error; only the engine decides what it means for the
// pipeline.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeNonZeroExit Outcome = "non_zero_exit"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeSpawnError  Outcome = "spawn_error"
	OutcomeCanceled    Outcome = "canceled"
)

// Spec describes one command invocation.
type Spec struct {
	Command    string
	Args       []string
	Env        []string // merged over the current process environment
	WorkingDir string
	Timeout    time.Duration // zero means no deadline
	Retry      *RetryPolicy

	// Stream receives combined output as it is produced, in addition
	// to the capped capture buffer.
	Stream io.Writer

	MaxOutputBytes int
}

// RetryPolicy re-runs a failed command a bounded number of times. Attempts
// counts total invocations, not re-tries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// StepResult is the record of one step invocation.
type StepResult struct {
	Outcome   Outcome
	ExitCode  int
	Output    string
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Failed reports whether the invocation ended in anything but success.
func (r StepResult) Failed() bool {
	return r.Outcome != OutcomeOK
}

// Executor runs commands. The engine depends on this interface so tests can
// substitute a fake.
type Executor interface {
	Run(ctx context.Context, spec Spec) StepResult
}

type CommandExecutor struct{}

func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{}
}

// Run executes the spec, honoring its retry policy. The context passed in is
// the pipeline's: cancelling it terminates the child process and stops any
// remaining attempts.
func (e *CommandExecutor) Run(ctx context.Context, spec Spec) StepResult {
	attempts := 1
	if spec.Retry != nil && spec.Retry.MaxAttempts > attempts {
		attempts = spec.Retry.MaxAttempts
	}

	var result StepResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result = e.runOnce(ctx, spec)
		result.Attempts = attempt

		if !result.Failed() || result.Outcome == OutcomeCanceled || attempt == attempts {
			return result
		}

		var backoff time.Duration
		if spec.Retry != nil {
			backoff = spec.Retry.Backoff
		}
		select {
		case <-ctx.Done():
			result.Outcome = OutcomeCanceled
			return result
		case <-time.After(backoff):
		}
	}
	return result
}

func (e *CommandExecutor) runOnce(ctx context.Context, spec Spec) StepResult {
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	// Without a wait delay, a killed shell whose children still hold the
	// output pipes would block Wait until they exit on their own.
	cmd.WaitDelay = time.Second
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	limit := spec.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	capture := &cappedBuffer{limit: limit}
	var out io.Writer = capture
	if spec.Stream != nil {
		out = io.MultiWriter(capture, spec.Stream)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	started := time.Now()
	err := cmd.Run()
	result := StepResult{
		Output:    capture.String(),
		StartedAt: started,
		Duration:  time.Since(started),
	}

	switch {
	case err == nil:
		result.Outcome = OutcomeOK
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.Outcome = OutcomeTimedOut
		result.ExitCode = -1
	case ctx.Err() != nil:
		result.Outcome = OutcomeCanceled
		result.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Outcome = OutcomeNonZeroExit
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Outcome = OutcomeSpawnError
			result.ExitCode = -1
			result.Err = fmt.Errorf("could not start %s: %w", spec.Command, err)
		}
	}
	return result
}

// cappedBuffer keeps the first limit bytes and silently drops the rest, so a
// chatty tool cannot grow the execution log without bound.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
