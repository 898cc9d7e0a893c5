// Package containeruse drives the container-use CLI and interprets its
// output.
package containeruse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antonkrylov/cudash/internal/executor"
)

// DefaultBinary is the CLI looked up on PATH when none is configured.
const DefaultBinary = "container-use"

// Action is an environment verb that changes state.
type Action string

const (
	ActionApply    Action = "apply"
	ActionCheckout Action = "checkout"
	ActionDelete   Action = "delete"
	ActionMerge    Action = "merge"
)

// Actions lists every valid Action.
var Actions = []Action{ActionApply, ActionCheckout, ActionDelete, ActionMerge}

var (
	// ErrInvalidAction rejects verbs outside Actions.
	ErrInvalidAction = errors.New("invalid action")
	// ErrEnvironmentIDRequired rejects empty environment ids.
	ErrEnvironmentIDRequired = errors.New("environment id is required")
	// ErrEnvironmentNotFound is returned by Get for unknown ids.
	ErrEnvironmentNotFound = errors.New("environment not found")
	// ErrNotRepository marks a working directory outside any git repository.
	ErrNotRepository = errors.New("not a git repository")
)

// ParseAction validates s.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == strings.TrimSpace(s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w %q: must be one of %s", ErrInvalidAction, s, actionList())
}

func actionList() string {
	names := make([]string, len(Actions))
	for i, a := range Actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

// CommandError is a container-use invocation that ran and exited nonzero.
type CommandError struct {
	Command  string
	Dir      string
	ExitCode int
	Stderr   string
	Stdout   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, strings.TrimSpace(e.Output()))
}

// Output is the diagnostic text of the failure, preferring stderr.
func (e *CommandError) Output() string {
	if strings.TrimSpace(e.Stderr) != "" {
		return e.Stderr
	}
	return e.Stdout
}

// IsNotFound reports whether err is a CLI failure complaining about an
// unknown environment. The CLI has no machine-readable error channel, so
// this matches its wording.
func IsNotFound(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return errors.Is(err, ErrEnvironmentNotFound)
	}
	out := strings.ToLower(cmdErr.Output())
	return strings.Contains(out, "not found") || strings.Contains(out, "does not exist")
}

// Runner is the subset of executor.Executor the client needs.
type Runner interface {
	Run(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Client runs container-use subcommands in a fixed working directory.
type Client struct {
	Binary string
	Dir    string
	Exec   Runner
}

// New returns a Client with defaults applied.
func New(binary, dir string, run Runner) *Client {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	if run == nil {
		run = executor.New(executor.Options{})
	}
	return &Client{Binary: binary, Dir: dir, Exec: run}
}

// Run executes one subcommand and fails on nonzero exit.
func (c *Client) Run(ctx context.Context, forceColor bool, args ...string) (string, error) {
	req := executor.Request{Binary: c.Binary, Args: args, Dir: c.Dir, ForceColor: forceColor}
	res, err := c.Exec.Run(ctx, req)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		cmdErr := &CommandError{
			Command:  req.CommandLine(),
			Dir:      c.Dir,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Stdout:   res.Stdout,
		}
		if executor.NotGitRepository(res) {
			return "", fmt.Errorf("%w: %w", ErrNotRepository, cmdErr)
		}
		return "", cmdErr
	}
	return res.Stdout, nil
}

// List returns every environment. Outside a git repository it returns an
// empty list together with ErrNotRepository.
func (c *Client) List(ctx context.Context) ([]Environment, error) {
	out, err := c.Run(ctx, false, "list")
	if errors.Is(err, ErrNotRepository) {
		return []Environment{}, err
	}
	if err != nil {
		return nil, err
	}
	return ParseList(out), nil
}

// Get returns the environment with id.
func (c *Client) Get(ctx context.Context, id string) (*Environment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrEnvironmentIDRequired
	}
	envs, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range envs {
		if envs[i].ID == id {
			return &envs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
}

// Log returns the raw, colorized log of an environment.
func (c *Client) Log(ctx context.Context, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", ErrEnvironmentIDRequired
	}
	return c.Run(ctx, true, "log", id)
}

// Diff returns the raw, colorized diff of an environment.
func (c *Client) Diff(ctx context.Context, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", ErrEnvironmentIDRequired
	}
	return c.Run(ctx, true, "diff", id)
}

// ActionResult is the outcome of Do.
type ActionResult struct {
	Success       bool   `json:"success"`
	Action        Action `json:"action"`
	EnvironmentID string `json:"environment_id"`
	Output        string `json:"output"`
}

// Do applies action to the environment id.
func (c *Client) Do(ctx context.Context, action Action, id string) (*ActionResult, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, ErrEnvironmentIDRequired
	}
	out, err := c.Run(ctx, false, string(action), id)
	if err != nil {
		return nil, err
	}
	return &ActionResult{Success: true, Action: action, EnvironmentID: id, Output: out}, nil
}

// Version returns the first line of `container-use version`.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.Run(ctx, false, "version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(line), nil
}
