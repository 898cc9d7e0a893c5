package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/cudash/internal/client"
)

func newAttachCmd(root *rootOptions) *cobra.Command {
	var server, verb string
	var watch bool
	cmd := &cobra.Command{
		Use:   "attach [env-id]",
		Short: "Attach the local terminal to a session on a running cudash server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := client.ResolveConnection(root.configPath, server)
			if err != nil {
				return err
			}
			target := client.Target{Verb: verb, Watch: watch}
			if len(args) == 1 {
				target.EnvironmentID = args[0]
			}
			target.Cols, target.Rows = termSize()
			url, err := conn.SessionURL(target)
			if err != nil {
				return err
			}

			restore, err := makeStdinRaw()
			if err != nil {
				return err
			}
			defer restore()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer cancel()
			root.logger.Debug("attaching", "url", url)
			return client.Attach(ctx, client.AttachOptions{
				URL:    url,
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Resize: watchResize(ctx),
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "cudash server address (default $CUDASH_SERVER or config)")
	cmd.Flags().StringVar(&verb, "verb", "", "run this container-use verb instead of the environment terminal")
	cmd.Flags().BoolVar(&watch, "watch", false, "attach to container-use watch")
	return cmd
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0, 0
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 0, 0
	}
	return c, r
}

// resizeEvents turns signals into terminal sizes until ctx ends.
func resizeEvents(ctx context.Context, sigCh <-chan os.Signal) <-chan client.Size {
	out := make(chan client.Size, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				cols, rows := termSize()
				if cols == 0 {
					continue
				}
				select {
				case out <- client.Size{Cols: cols, Rows: rows}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
