package config

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the root logger for c. Without a log file it writes to
// stderr. The returned closer releases the log file and must be called on exit.
func NewLogger(c LogConfig, stderr io.Writer) (*log.Logger, io.Closer, error) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var (
		w                = stderr
		closer io.Closer = nopCloser{}
	)
	if c.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
		}
		w, closer = rotated, rotated
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
	})
	if c.File != "" {
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
