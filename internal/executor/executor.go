// Package executor runs one-shot external commands to completion and reports
// their exit status and captured output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/antonkrylov/cudash/internal/shellenv"
)

// Request describes a single command invocation.
type Request struct {
	Binary     string
	Args       []string
	Dir        string
	Env        map[string]string
	ForceColor bool
}

// CommandLine renders the request the way a user would type it.
func (r Request) CommandLine() string {
	parts := append([]string{r.Binary}, r.Args...)
	return strings.Join(parts, " ")
}

// Result is the outcome of a command that started and exited.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool { return r != nil && r.ExitCode == 0 }

// SpawnError reports a command that could not be started at all.
type SpawnError struct {
	Binary string
	Dir    string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Dir != "" {
		return fmt.Sprintf("start %s (in %s): %v", e.Binary, e.Dir, e.Err)
	}
	return fmt.Sprintf("start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// pipeDrainDelay bounds how long Run waits for output pipes once the command
// has exited or been cancelled.
const pipeDrainDelay = time.Second

// ErrBinaryRequired is returned for a request without a binary.
var ErrBinaryRequired = errors.New("binary is required")

// Options configure an Executor.
type Options struct {
	// MaxConcurrent bounds the number of commands running at once.
	// Zero means unbounded.
	MaxConcurrent int
	// Timeout applies to every command when positive.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Executor spawns commands. The zero value is usable and unbounded.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger
	sem     chan struct{}
}

// New returns an Executor configured by opts.
func New(opts Options) *Executor {
	e := &Executor{timeout: opts.Timeout, logger: opts.Logger}
	if opts.MaxConcurrent > 0 {
		e.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return e
}

// Run executes req and waits for it to exit. A nonzero exit is reported in
// the Result, not as an error. Failure to start yields *SpawnError. When ctx
// ends before the command exits the child is killed and both the partial
// Result and the context error are returned.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Binary) == "" {
		return nil, ErrBinaryRequired
	}
	if e == nil {
		e = &Executor{}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for command slot: %w", ctx.Err())
		}
	}

	cmd := exec.CommandContext(ctx, req.Binary, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = environ(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	killGroupOnCancel(cmd)
	cmd.WaitDelay = pipeDrainDelay

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Binary: req.Binary, Dir: req.Dir, Err: err}
	}
	waitErr := cmd.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// Exited cleanly but left a descendant holding the output pipes.
		waitErr = nil
	}
	res := &Result{
		ExitCode: exitCode(waitErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	e.log().Debug("command finished",
		"cmd", req.Binary,
		"args", req.Args,
		"dir", req.Dir,
		"exit", res.ExitCode,
		"duration", res.Duration,
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("run %s: %w", req.Binary, ctxErr)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait %s: %w", req.Binary, waitErr)
	}
	return res, nil
}

func (e *Executor) log() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

func environ(req Request) []string {
	overrides := make(map[string]string, len(req.Env)+len(shellenv.ColorVars))
	if req.ForceColor {
		for k, v := range shellenv.ColorVars {
			overrides[k] = v
		}
	}
	for k, v := range req.Env {
		overrides[k] = v
	}
	return shellenv.Merge(os.Environ(), overrides)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	return 1
}

// NotGitRepository reports whether a failed command complained that its
// working directory is not inside a git repository. Both git and
// container-use only signal this through human-readable stderr, so the
// match is textual and may drift with their wording.
func NotGitRepository(res *Result) bool {
	if res == nil || res.ExitCode == 0 {
		return false
	}
	msg := strings.ToLower(res.Stderr + "\n" + res.Stdout)
	return strings.Contains(msg, "not a git repository") ||
		strings.Contains(msg, "must be in a git repository")
}
