package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `listen: 0.0.0.0:9000
containerUse:
  bin: /opt/cu
commands:
  maxConcurrent: 4
  timeout: 30s
shell:
  path: /bin/zsh
  args: ["-l", "-i"]
events:
  natsURL: nats://127.0.0.1:4222
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" || cfg.ContainerUse.Bin != "/opt/cu" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ContainerUse.WorkDir != "." || cfg.Shell.Cols != 120 || cfg.Events.SubjectPrefix != "cudash" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Commands.MaxConcurrent != 4 || cfg.Commands.Timeout != 30*time.Second {
		t.Fatalf("commands: %+v", cfg.Commands)
	}
	if strings.Join(cfg.Shell.Args, " ") != "-l -i" {
		t.Fatalf("shell args: %v", cfg.Shell.Args)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CONTAINER_USE_BIN":      "/usr/local/bin/cu",
		"CONTAINER_USE_WORK_DIR": "/repo",
		"BACKEND_CORS_ORIGINS":   "http://a, http://b",
		"CUDASH_COMMAND_TIMEOUT": "5s",
		"CUDASH_MAX_CONCURRENT":  "3",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.ContainerUse.Bin != "/usr/local/bin/cu" || cfg.ContainerUse.WorkDir != "/repo" {
		t.Fatalf("container-use env not applied: %+v", cfg.ContainerUse)
	}
	if cfg.Commands.Timeout != 5*time.Second || cfg.Commands.MaxConcurrent != 3 {
		t.Fatalf("commands env not applied: %+v", cfg.Commands)
	}
	want := []string{"http://a", "http://b", "http://localhost:5173"}
	if diff := cmp.Diff(want, cfg.AllowedOrigins()); diff != "" {
		t.Fatalf("origins mismatch (-want +got):\n%s", diff)
	}

	bad := Default()
	if err := bad.ApplyEnv(func(k string) string {
		if k == "CUDASH_MAX_CONCURRENT" {
			return "lots"
		}
		return ""
	}); err == nil {
		t.Fatal("expected error for bad CUDASH_MAX_CONCURRENT")
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cfg := Default()
	cfg.Listen = "nope"
	cfg.ContainerUse.Bin = ""
	cfg.Commands.MaxConcurrent = -1
	cfg.Events.PersistHistory = true
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"listen", "containerUse.bin", "maxConcurrent", "persistHistory"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Transcripts.Dir = "/var/log/cudash"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("CUDASH_CONFIG", "")
	t.Setenv("CUDASH_HOME", "/tmp/cudash-home")
	if got := DefaultConfigPath(); got != filepath.Join("/tmp/cudash-home", "config.yaml") {
		t.Fatalf("path %q", got)
	}
	t.Setenv("CUDASH_CONFIG", "/etc/cudash.yaml")
	if got := DefaultConfigPath(); got != "/etc/cudash.yaml" {
		t.Fatalf("path %q", got)
	}
}
