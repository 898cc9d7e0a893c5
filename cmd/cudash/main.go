package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/cudash/internal/cli/config"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	verbose    bool

	logger *slog.Logger
}

// loadConfig reads the config file and overlays the environment.
func (r *rootOptions) loadConfig() (*cliconfig.Config, error) {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "cudash",
		Short:         "Dashboard and terminal bridge for container-use environments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", cliconfig.DefaultConfigPath(), "path to cudash config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text|json")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging (same as --log-level=debug)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		level := parseLogLevel(opts.logLevel, opts.verbose)
		logger, err := newLogger(opts.logFormat, level)
		if err != nil {
			return err
		}
		opts.logger = logger
		slog.SetDefault(logger)
		return nil
	}

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newEnvsCmd(opts))
	rootCmd.AddCommand(newAttachCmd(opts))
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func parseLogLevel(raw string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch l := strings.ToLower(strings.TrimSpace(raw)); l {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", raw)
		return slog.LevelInfo
	}
}

func newLogger(format string, level slog.Level) (*slog.Logger, error) {
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unknown --log-format=%q (expected text|json)", format)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cudash version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cudash %s\n", version)
			if commit != "" {
				fmt.Fprintf(out, "commit %s\n", commit)
			}
			if buildTime != "" {
				fmt.Fprintf(out, "built %s\n", buildTime)
			}
		},
	}
}
