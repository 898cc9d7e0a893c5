// Package gitinfo answers read-only questions about the git repository the
// dashboard is pointed at. All commands target the directory with -C.
package gitinfo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/antonkrylov/cudash/internal/executor"
)

// Runner is the subset of executor.Executor used here.
type Runner interface {
	Run(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Repository is a working tree at a fixed directory.
type Repository struct {
	dir string
	bin string
	run Runner
}

// NewRepository returns a Repository for dir using run to invoke git.
func NewRepository(dir string, run Runner) *Repository {
	if run == nil {
		run = executor.New(executor.Options{})
	}
	return &Repository{dir: dir, bin: "git", run: run}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string { return r.dir }

// Branches describes the local branches.
type Branches struct {
	IsRepository bool     `json:"isRepository"`
	Root         string   `json:"root,omitempty"`
	Current      string   `json:"current,omitempty"`
	Branches     []string `json:"branches"`
}

// notRepositoryError is returned by run when the directory is outside any
// repository.
type notRepositoryError struct{ err error }

func (e notRepositoryError) Error() string { return e.err.Error() }
func (e notRepositoryError) Unwrap() error { return e.err }

// Run executes git against the repository and returns stdout. A nonzero
// exit becomes an error carrying stderr.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", r.dir}, args...)
	res, err := r.run.Run(ctx, executor.Request{Binary: r.bin, Args: full})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		err := fmt.Errorf("git %s in %s: exit %d (stderr: %s)",
			strings.Join(args, " "), r.dir, res.ExitCode, strings.TrimSpace(res.Stderr))
		if executor.NotGitRepository(res) {
			return "", notRepositoryError{err}
		}
		return "", err
	}
	return res.Stdout, nil
}

// Branches lists local branches. A directory outside any repository is not
// an error: it yields IsRepository false and no branches.
func (r *Repository) Branches(ctx context.Context) (*Branches, error) {
	root, err := r.Run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		var notRepo notRepositoryError
		if errors.As(err, &notRepo) {
			return &Branches{Branches: []string{}}, nil
		}
		return nil, err
	}
	out := &Branches{IsRepository: true, Root: strings.TrimSpace(root), Branches: []string{}}

	// symbolic-ref also works on an unborn branch; it fails on a detached HEAD.
	if head, err := r.Run(ctx, "symbolic-ref", "--short", "-q", "HEAD"); err == nil {
		out.Current = strings.TrimSpace(head)
	}

	refs, err := r.Run(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(refs, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			out.Branches = append(out.Branches, name)
		}
	}
	sort.Strings(out.Branches)
	return out, nil
}
