// Package logging builds the structured loggers used across buildfix.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Path is the JSON log file. Empty disables file output.
	Path string
	// Level is the minimum level written to the file.
	Level zapcore.Level
	// Console receives human-readable entries at ConsoleLevel and above.
	// Nil disables console output.
	Console io.Writer
	// ConsoleLevel is the minimum level written to Console.
	ConsoleLevel zapcore.Level
}

// Logger owns a zap logger and the file it writes to.
type Logger struct {
	*zap.Logger
	file *os.File
}

// New creates a logger from options. Parent directories of Path are created.
func New(opts Options) (*Logger, error) {
	var cores []zapcore.Core
	var file *os.File

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		cores = append(cores, zapcore.NewCore(newEncoder("json"), zapcore.AddSync(f), opts.Level))
	}

	if opts.Console != nil {
		cores = append(cores, zapcore.NewCore(newEncoder("console"), zapcore.AddSync(opts.Console), opts.ConsoleLevel))
	}

	if len(cores) == 0 {
		return Nop(), nil
	}

	return &Logger{
		Logger: zap.New(zapcore.NewTee(cores...)),
		file:   file,
	}, nil
}

// NewForRepo creates a logger writing to <workdir>/.buildfix/logs/orchestrator.log
// with warnings mirrored to stderr. Falls back to a stderr-only logger if
// the log file cannot be opened.
func NewForRepo(workdir string, verbose bool) *Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	l, err := New(Options{
		Path:         filepath.Join(workdir, ".buildfix", "logs", "orchestrator.log"),
		Level:        level,
		Console:      os.Stderr,
		ConsoleLevel: zapcore.WarnLevel,
	})
	if err != nil {
		l, _ = New(Options{Console: os.Stderr, ConsoleLevel: zapcore.WarnLevel})
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Close flushes buffered entries and closes the log file.
// Safe to call on a nil logger.
func (l *Logger) Close() error {
	if l == nil || l.Logger == nil {
		return nil
	}
	err := l.Sync()
	if err != nil && isStdoutSyncError(err) {
		err = nil
	}
	if l.file != nil {
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// On Linux, syncing stdout/stderr returns EINVAL or ENOTTY.
func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
