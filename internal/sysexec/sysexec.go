// Package sysexec runs system commands on behalf of privileged operations.
// Output is captured, a non-zero exit is returned as *ExitError carrying
// stderr, and every command is bounded by a timeout.
package sysexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a command when Options.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

var commandContext = exec.CommandContext

// Options tunes a single Run.
type Options struct {
	Timeout time.Duration
	Stdin   io.Reader
	Dir     string
	// Env replaces the environment when non-nil.
	Env []string
}

// Result is the captured output of a successful command.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Name   string
	Args   []string
	Code   int
	Stderr string
	err    error
}

func (e *ExitError) Error() string {
	cmd := strings.TrimSpace(e.Name + " " + strings.Join(e.Args, " "))
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", cmd, e.Code, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.err }

// Run executes name with args and waits for it. A command killed by its
// timeout returns an error wrapping context.DeadlineExceeded.
func Run(ctx context.Context, name string, args []string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := commandContext(ctx, name, args...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{
				Name:   name,
				Args:   args,
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
				err:    err,
			}
		}
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// Output runs a command and returns its trimmed stdout.
func Output(ctx context.Context, name string, args ...string) (string, error) {
	res, err := Run(ctx, name, args, Options{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// ExitCode returns the exit status carried by err, or -1 when err is not
// an *ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}
