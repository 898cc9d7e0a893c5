// Package config loads the dashboard configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Every field has a usable default.
type Config struct {
	Listen       string       `yaml:"listen"`
	Server       string       `yaml:"server,omitempty"`
	ContainerUse ContainerUse `yaml:"containerUse"`
	Shell        Shell        `yaml:"shell"`
	Commands     Commands     `yaml:"commands"`
	CORS         CORS         `yaml:"cors"`
	Transcripts  Transcripts  `yaml:"transcripts"`
	Events       Events       `yaml:"events"`
}

// ContainerUse locates the wrapped CLI.
type ContainerUse struct {
	Bin     string `yaml:"bin"`
	WorkDir string `yaml:"workDir"`
}

// Shell controls interactive sessions.
type Shell struct {
	Path string   `yaml:"path,omitempty"`
	Args []string `yaml:"args,omitempty"`
	Cols int      `yaml:"cols"`
	Rows int      `yaml:"rows"`
}

// Commands controls one-shot CLI invocations.
type Commands struct {
	MaxConcurrent int           `yaml:"maxConcurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

// CORS lists browser origins allowed to call the API.
type CORS struct {
	Origins      []string `yaml:"origins,omitempty"`
	FrontendHost string   `yaml:"frontendHost"`
}

// Transcripts enables zstd session recordings.
type Transcripts struct {
	Dir string `yaml:"dir,omitempty"`
}

// Events configures the NATS publisher. An empty URL disables it.
type Events struct {
	NATSURL       string `yaml:"natsURL,omitempty"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	// PersistHistory mirrors session history to a JetStream stream.
	PersistHistory bool `yaml:"persistHistory,omitempty"`
	// HistoryLimit caps remembered sessions and activity events.
	HistoryLimit int `yaml:"historyLimit,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       "127.0.0.1:8000",
		ContainerUse: ContainerUse{Bin: "container-use", WorkDir: "."},
		Shell:        Shell{Cols: 120, Rows: 30},
		CORS:         CORS{FrontendHost: "http://localhost:5173"},
		Events:       Events{SubjectPrefix: "cudash"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return cfg, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	expanded, err := expandPath(strings.TrimSpace(path))
	if err != nil {
		return false
	}
	_, err = os.Stat(expanded)
	return err == nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("CONTAINER_USE_BIN", &c.ContainerUse.Bin)
	str("CONTAINER_USE_WORK_DIR", &c.ContainerUse.WorkDir)
	str("CUDASH_LISTEN", &c.Listen)
	str("CUDASH_SERVER", &c.Server)
	str("CUDASH_SHELL", &c.Shell.Path)
	str("CUDASH_TRANSCRIPT_DIR", &c.Transcripts.Dir)
	str("CUDASH_NATS_URL", &c.Events.NATSURL)
	str("FRONTEND_HOST", &c.CORS.FrontendHost)
	if v := strings.TrimSpace(getenv("BACKEND_CORS_ORIGINS")); v != "" {
		c.CORS.Origins = splitList(v)
	}
	if v := strings.TrimSpace(getenv("CUDASH_MAX_CONCURRENT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CUDASH_MAX_CONCURRENT: %w", err)
		}
		c.Commands.MaxConcurrent = n
	}
	if v := strings.TrimSpace(getenv("CUDASH_COMMAND_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CUDASH_COMMAND_TIMEOUT: %w", err)
		}
		c.Commands.Timeout = d
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen %q: %w", c.Listen, err))
	}
	if strings.TrimSpace(c.ContainerUse.Bin) == "" {
		errs = append(errs, errors.New("containerUse.bin is required"))
	}
	if c.Shell.Cols < 0 || c.Shell.Cols > 65535 || c.Shell.Rows < 0 || c.Shell.Rows > 65535 {
		errs = append(errs, fmt.Errorf("shell size %dx%d out of range", c.Shell.Cols, c.Shell.Rows))
	}
	if c.Commands.MaxConcurrent < 0 {
		errs = append(errs, errors.New("commands.maxConcurrent must not be negative"))
	}
	if c.Events.PersistHistory && strings.TrimSpace(c.Events.NATSURL) == "" {
		errs = append(errs, errors.New("events.persistHistory requires events.natsURL"))
	}
	if c.Events.HistoryLimit < 0 {
		errs = append(errs, errors.New("events.historyLimit must not be negative"))
	}
	if c.Commands.Timeout < 0 {
		errs = append(errs, errors.New("commands.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// AllowedOrigins merges the configured origins with the frontend host.
func (c *Config) AllowedOrigins() []string {
	seen := map[string]bool{}
	var out []string
	for _, o := range append(append([]string(nil), c.CORS.Origins...), c.CORS.FrontendHost) {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	return out
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
