package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("XLAB_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".xlab")
}

func DefaultConfigPath() string {
	if v := os.Getenv("XLAB_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config")
}

// DefaultLogDir holds the structured debug log.
func DefaultLogDir() string {
	return filepath.Join(DefaultConfigDir(), "logs")
}
