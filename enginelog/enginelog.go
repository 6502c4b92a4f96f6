// Package enginelog is the engine's structured logging setup,
// mirroring the teacher's common.Log: a single package-level
// *logrus.Entry configured once at process start, text-formatted for
// an interactive terminal or JSON-formatted when a log file path is
// configured (cmd/root.go's startServer branch).
package enginelog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// L is the engine's shared log entry. Configure replaces it; until
// then it logs text-formatted to stderr at info level, safe for use
// in tests that never call Configure.
var L = logrus.NewEntry(logrus.New())

// Options configures the destination and verbosity of engine logging.
type Options struct {
	// Level is a logrus level (0-6); zero value resolves to Info.
	Level logrus.Level
	// LogFile is a path to append JSON-formatted log lines to. Empty
	// means text-formatted output to stderr.
	LogFile string
}

// Configure builds the shared log entry. It returns a cleanup func
// that closes any opened log file; callers should defer it.
func Configure(opts Options) (cleanup func(), err error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableLevelTruncation: true})

	cleanup = func() {}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("enginelog: open log file %s: %w", opts.LogFile, err)
		}
		logger.SetOutput(f)
		logger.SetFormatter(&logrus.JSONFormatter{})
		cleanup = func() { f.Close() }
	}

	level := opts.Level
	if level == 0 {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	L = logger.WithFields(logrus.Fields{"app": "warpsync"})
	return cleanup, nil
}
