package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir is $CUDASH_HOME or ~/.cudash.
func DefaultConfigDir() string {
	if v := os.Getenv("CUDASH_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".cudash")
}

// DefaultConfigPath is $CUDASH_CONFIG or config.yaml inside DefaultConfigDir.
func DefaultConfigPath() string {
	if v := os.Getenv("CUDASH_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
