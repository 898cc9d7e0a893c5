package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/cudash/internal/containeruse"
	"github.com/antonkrylov/cudash/internal/executor"
)

type envsOptions struct {
	root    *rootOptions
	workDir string
	bin     string
	timeout time.Duration
}

func (o *envsOptions) client() (*containeruse.Client, error) {
	cfg, err := o.root.loadConfig()
	if err != nil {
		return nil, err
	}
	bin, dir := cfg.ContainerUse.Bin, cfg.ContainerUse.WorkDir
	if o.bin != "" {
		bin = o.bin
	}
	if o.workDir != "" {
		dir = o.workDir
	}
	run := executor.New(executor.Options{Timeout: cfg.Commands.Timeout, Logger: o.root.logger})
	return containeruse.New(bin, dir, run), nil
}

func (o *envsOptions) withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(cmd.Context(), o.timeout)
	}
	return context.WithCancel(cmd.Context())
}

func newEnvsCmd(root *rootOptions) *cobra.Command {
	opts := &envsOptions{root: root}
	cmd := &cobra.Command{
		Use:     "envs",
		Aliases: []string{"env", "environments"},
		Short:   "Inspect and manage container-use environments",
	}
	cmd.PersistentFlags().StringVar(&opts.workDir, "work-dir", "", "repository to run container-use in (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.bin, "container-use-bin", "", "container-use executable (overrides config)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "abort after this long (0 = no limit)")

	cmd.AddCommand(newEnvsListCmd(opts))
	cmd.AddCommand(newEnvsShowCmd(opts))
	cmd.AddCommand(newEnvsOutputCmd(opts, "log", "Print the log of an environment"))
	cmd.AddCommand(newEnvsOutputCmd(opts, "diff", "Print the diff of an environment"))
	for _, action := range containeruse.Actions {
		cmd.AddCommand(newEnvsActionCmd(opts, action))
	}
	return cmd
}

func newEnvsListCmd(opts *envsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cu, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()
			envs, err := cu.List(ctx)
			if errors.Is(err, containeruse.ErrNotRepository) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s is not a git repository\n", cu.Dir)
				return nil
			}
			if err != nil {
				return err
			}
			return printEnvironments(cmd.OutOrStdout(), envs)
		},
	}
}

func newEnvsShowCmd(opts *envsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <env-id>",
		Short: "Show one environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cu, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()
			env, err := cu.Get(ctx, args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "ID:\t%s\n", env.ID)
			fmt.Fprintf(tw, "Title:\t%s\n", env.Title)
			fmt.Fprintf(tw, "Created:\t%s\n", env.Created)
			fmt.Fprintf(tw, "Updated:\t%s\n", env.Updated)
			return tw.Flush()
		},
	}
}

func newEnvsOutputCmd(opts *envsOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <env-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cu, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()
			var out string
			if verb == "log" {
				out, err = cu.Log(ctx, args[0])
			} else {
				out, err = cu.Diff(ctx, args[0])
			}
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func newEnvsActionCmd(opts *envsOptions, action containeruse.Action) *cobra.Command {
	name := string(action)
	return &cobra.Command{
		Use:   name + " <env-id>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cu, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()
			res, err := cu.Do(ctx, action, args[0])
			if err != nil {
				return err
			}
			if _, err := io.WriteString(cmd.OutOrStdout(), res.Output); err != nil {
				return err
			}
			opts.root.logger.Info("environment action", "action", name, "environment", args[0])
			return nil
		},
	}
}

func printEnvironments(w io.Writer, envs []containeruse.Environment) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tCREATED\tUPDATED")
	for _, e := range envs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Title, e.Created, e.Updated)
	}
	return tw.Flush()
}
