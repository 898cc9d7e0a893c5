package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/antonkrylov/cudash/internal/terminal"
)

func newReplayCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "replay <transcript" + terminal.TranscriptExt + ">",
		Short: "Print a recorded session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return replay(cmd.OutOrStdout(), f, plain)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "strip ANSI escape sequences")
	return cmd
}

func replay(w io.Writer, r io.Reader, plain bool) error {
	if !plain {
		return terminal.Replay(w, r)
	}
	var buf bytes.Buffer
	if err := terminal.Replay(&buf, r); err != nil {
		return err
	}
	if _, err := io.WriteString(w, ansi.Strip(buf.String())); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
