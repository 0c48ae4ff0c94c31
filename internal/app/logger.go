package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/pkg/logger"
)

// LogFileName is the file written inside logging.dir when file logging is enabled.
const LogFileName = "document-server.log"

// ConfigureLogging initialises the global logger from the configuration. File output is
// honoured only in production; when the log directory cannot be created the logger falls
// back to stdout and the returned path is empty.
func ConfigureLogging(cfg *Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}

	level := strings.TrimSpace(cfg.Server.LogLevel)
	if level == "" {
		level = "info"
	}
	opts := logger.Options{
		Level:       level,
		Development: !cfg.IsProduction(),
	}

	var dirErr error
	if cfg.Logging.ToFile && cfg.IsProduction() {
		dir := strings.TrimSpace(cfg.Logging.Dir)
		if dir == "" {
			dir = "."
		}
		if dirErr = os.MkdirAll(dir, 0o755); dirErr == nil {
			opts.FilePath = filepath.Join(dir, LogFileName)
		}
	}

	if err := logger.InitWithOptions(opts); err != nil {
		return "", err
	}
	if dirErr != nil {
		logger.Warn("file logging disabled, writing to stdout only", zap.Error(dirErr))
	}
	return opts.FilePath, nil
}
