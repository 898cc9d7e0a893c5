package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/cudash/internal/cli/config"
	"github.com/antonkrylov/cudash/internal/events"
	"github.com/antonkrylov/cudash/internal/history"
	"github.com/antonkrylov/cudash/internal/server"
)

type serveFlags struct {
	listen        string
	workDir       string
	bin           string
	shell         string
	transcriptDir string
	natsURL       string
	maxConcurrent int
	timeout       time.Duration
	writeConfig   bool
}

func (f *serveFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.listen, "listen", "", "listen address (overrides config)")
	fs.StringVar(&f.workDir, "work-dir", "", "directory container-use runs in (overrides config)")
	fs.StringVar(&f.bin, "container-use-bin", "", "container-use executable (overrides config)")
	fs.StringVar(&f.shell, "shell", "", "interactive shell for sessions (default $SHELL, /bin/bash, /bin/sh)")
	fs.StringVar(&f.transcriptDir, "transcripts", "", "directory for zstd session transcripts")
	fs.StringVar(&f.natsURL, "nats-url", "", "publish session events to this NATS server")
	fs.IntVar(&f.maxConcurrent, "max-concurrent", 0, "limit concurrent container-use commands (0 = unlimited)")
	fs.DurationVar(&f.timeout, "command-timeout", 0, "kill container-use commands running longer than this (0 = never)")
	fs.BoolVar(&f.writeConfig, "write-config", false, "save the effective config to --config before serving")
}

// apply overlays the flags the user actually set.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *cliconfig.Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("listen") {
		cfg.Listen = f.listen
	}
	if set("work-dir") {
		cfg.ContainerUse.WorkDir = f.workDir
	}
	if set("container-use-bin") {
		cfg.ContainerUse.Bin = f.bin
	}
	if set("shell") {
		cfg.Shell.Path = f.shell
	}
	if set("transcripts") {
		cfg.Transcripts.Dir = f.transcriptDir
	}
	if set("nats-url") {
		cfg.Events.NATSURL = f.natsURL
	}
	if set("max-concurrent") {
		cfg.Commands.MaxConcurrent = f.maxConcurrent
	}
	if set("command-timeout") {
		cfg.Commands.Timeout = f.timeout
	}
}

func newServeCmd(root *rootOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API and terminal sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if flags.writeConfig {
				if err := cfg.Save(root.configPath); err != nil {
					return err
				}
				root.logger.Info("config written", "path", root.configPath)
			}

			var publisher events.Publisher = events.Nop{}
			if cfg.Events.NATSURL != "" {
				nc, err := events.NewNATS(events.NATSOptions{
					URL:           cfg.Events.NATSURL,
					SubjectPrefix: cfg.Events.SubjectPrefix,
				}, root.logger)
				if err != nil {
					root.logger.Warn("nats unavailable; events disabled", "url", cfg.Events.NATSURL, "err", err)
				} else {
					publisher = nc
				}
			}
			defer publisher.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			histOpts := &history.Options{Logger: root.logger, Limit: cfg.Events.HistoryLimit}
			if cfg.Events.PersistHistory {
				histOpts.JetStream = &history.JetStreamOptions{
					URL:    cfg.Events.NATSURL,
					Prefix: cfg.Events.SubjectPrefix,
				}
			}
			hist, err := history.New(ctx, histOpts)
			if err != nil {
				return fmt.Errorf("session history: %w", err)
			}
			defer hist.Close()

			srv, err := server.New(server.Config{
				ListenAddr:      cfg.Listen,
				ContainerUseBin: cfg.ContainerUse.Bin,
				WorkDir:         cfg.ContainerUse.WorkDir,
				Shell:           cfg.Shell.Path,
				ShellArgs:       cfg.Shell.Args,
				Cols:            cfg.Shell.Cols,
				Rows:            cfg.Shell.Rows,
				MaxConcurrent:   cfg.Commands.MaxConcurrent,
				CommandTimeout:  cfg.Commands.Timeout,
				AllowedOrigins:  cfg.AllowedOrigins(),
				TranscriptDir:   cfg.Transcripts.Dir,
				Events:          publisher,
				History:         hist,
				Version:         version,
				Logger:          root.logger,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			return srv.Wait()
		},
	}
	flags.register(cmd)
	return cmd
}
