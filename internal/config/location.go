package config

import (
	"os"
	"path/filepath"
)

// Environment overrides. EnvConfig moves the config file; the log variables
// beat the file but not the command line.
const (
	EnvConfig   = "GOTRACE_CONFIG"
	EnvLogLevel = "GOTRACE_LOG_LEVEL"
	EnvLogFile  = "GOTRACE_LOG_FILE"
)

// GetConfigPath returns the configuration file path: $GOTRACE_CONFIG if set,
// otherwise ~/.gotrace/config.
func GetConfigPath() (string, error) {
	if configPath := os.Getenv(EnvConfig); configPath != "" {
		return configPath, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".gotrace", "config"), nil
}
