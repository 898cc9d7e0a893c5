package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/cudash/internal/cli/config"
	"github.com/antonkrylov/cudash/internal/containeruse"
	"github.com/antonkrylov/cudash/internal/executor"
	"github.com/antonkrylov/cudash/internal/shellenv"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doctor(cmd.Context(), cmd.OutOrStdout(), root.configPath)
			return nil
		},
	}
	return cmd
}

func doctor(ctx context.Context, out io.Writer, cfgPath string) {
	exe, _ := os.Executable()
	fmt.Fprintf(out, "cudash_executable=%s\n", strings.TrimSpace(exe))
	fmt.Fprintf(out, "cudash_version=%s\n", version)
	fmt.Fprintf(out, "PATH=%s\n", os.Getenv("PATH"))

	fmt.Fprintf(out, "config_path=%s\n", cfgPath)
	fmt.Fprintf(out, "config_present=%t\n", cliconfig.Exists(cfgPath))
	cfg, err := cliconfig.Load(cfgPath)
	if err == nil {
		err = cfg.ApplyEnv(os.Getenv)
	}
	if err != nil {
		fmt.Fprintf(out, "config_error=%s\n", err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "config_invalid=%s\n", strings.ReplaceAll(err.Error(), "\n", "; "))
	}
	fmt.Fprintf(out, "listen=%s\n", cfg.Listen)
	workDir, _ := filepath.Abs(cfg.ContainerUse.WorkDir)
	fmt.Fprintf(out, "work_dir=%s\n", workDir)

	shell := shellenv.Select(cfg.Shell.Path, cfg.Shell.Args)
	fmt.Fprintf(out, "shell=%s %s\n", shell.Path, strings.Join(shell.Args, " "))

	bin := cfg.ContainerUse.Bin
	look, err := exec.LookPath(bin)
	if err != nil {
		fmt.Fprintf(out, "container_use_bin=%s\n", bin)
		fmt.Fprintf(out, "container_use_error=%s\n", err.Error())
	} else {
		fmt.Fprintf(out, "container_use_bin=%s\n", look)
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		cu := containeruse.New(look, workDir, executor.New(executor.Options{}))
		if v, err := cu.Version(ctx); err != nil {
			fmt.Fprintf(out, "container_use_version_error=%s\n", strings.TrimSpace(err.Error()))
		} else {
			fmt.Fprintf(out, "container_use_version=%s\n", v)
		}
	}

	if cfg.Transcripts.Dir != "" {
		fmt.Fprintf(out, "transcripts_dir=%s\n", cfg.Transcripts.Dir)
	}
	fmt.Fprintf(out, "events_enabled=%t\n", cfg.Events.NATSURL != "")
}
