package command

import (
	"io"
	"log/slog"

	"github.com/joeycumines/gotrace/internal/config"
	"github.com/joeycumines/gotrace/internal/logging"
)

// resolveLogger builds the session logger. Flag values take precedence, then
// the environment, then config, then defaults. The caller must Close the
// returned closer.
func resolveLogger(flagPath, flagLevel string, cfg *config.Config, schema *config.ConfigSchema, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	levelStr := flagLevel
	if levelStr == "" {
		levelStr = schema.Resolve(cfg, "", config.KeyLogLevel)
	}
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		return nil, nil, err
	}

	logPath := flagPath
	if logPath == "" {
		logPath = schema.Resolve(cfg, "", config.KeyLogFile)
	}

	// Zero max files is valid: no backups, just truncate on rotate.
	maxFiles := logging.DefaultMaxFiles
	if schema.IsSet(cfg, "", config.KeyLogMaxFiles) {
		maxFiles = schema.ResolveInt(cfg, "", config.KeyLogMaxFiles)
	}

	return logging.New(logging.Options{
		Level:     level,
		Stderr:    stderr,
		File:      logPath,
		MaxSizeMB: schema.ResolveInt(cfg, "", config.KeyLogMaxSizeMB),
		MaxFiles:  maxFiles,
	})
}
