package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave. It is decoded
// directly from the "logging" section of the daemon configuration.
type Config struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"outputs"`
	// Service is attached to every record as the "service" attribute.
	Service string `json:"service"`
	// Redact lists attribute keys whose values are masked. Keys are matched
	// case-insensitively; DefaultRedactedKeys are always included.
	Redact []string    `json:"redact"`
	Audit  AuditConfig `json:"audit"`
}

// AuditConfig controls audit log output behaviour. The audit stream carries
// one record per committed economic event.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	// SyncEachWrite fsyncs the audit file after every record.
	SyncEachWrite bool `json:"sync_each_write"`
}

// DefaultRedactedKeys are masked in every log record.
var DefaultRedactedKeys = []string{"secret", "password", "dsn", "authorization"}

const redactedValue = "[REDACTED]"

var (
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	once          sync.Once
	closers       []io.Closer
	initErr       error
)

// Init configures the global logger instances.
func Init(cfg Config) error {
	once.Do(func() {
		handlerOpts := &slog.HandlerOptions{
			Level:       parseLevel(cfg.Level),
			AddSource:   true,
			ReplaceAttr: redactor(cfg.Redact),
		}

		handler, err := buildHandler(cfg.Format, cfg.OutputPaths, handlerOpts)
		if err != nil {
			initErr = err
			return
		}
		defaultLogger = withService(slog.New(handler), cfg.Service)

		auditLogger = defaultLogger.With(slog.String("stream", "audit"))
		if cfg.Audit.Enabled {
			audit, err := buildAuditLogger(cfg.Audit, handlerOpts.ReplaceAttr)
			if err != nil {
				initErr = err
				return
			}
			auditLogger = withService(audit, cfg.Service)
		}
	})
	if initErr != nil {
		return initErr
	}
	if defaultLogger == nil {
		return errors.New("logger already initialised")
	}
	return nil
}

func withService(l *slog.Logger, service string) *slog.Logger {
	if service == "" {
		return l
	}
	return l.With(slog.String("service", service))
}

// redactor masks the values of sensitive attribute keys.
func redactor(extra []string) func(groups []string, a slog.Attr) slog.Attr {
	keys := make(map[string]struct{}, len(DefaultRedactedKeys)+len(extra))
	for _, k := range DefaultRedactedKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys[k] = struct{}{}
		}
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		if _, ok := keys[strings.ToLower(a.Key)]; ok {
			return slog.String(a.Key, redactedValue)
		}
		return a
	}
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stdout)
	} else {
		for _, out := range outputs {
			writer, closer, err := openWriter(out)
			if err != nil {
				return nil, err
			}
			if closer != nil {
				closers = append(closers, closer)
			}
			writers = append(writers, writer)
		}
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}
	return newHandler(format, writer, opts), nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func buildAuditLogger(cfg AuditConfig, replace func([]string, slog.Attr) slog.Attr) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: replace})
	return slog.New(handler).With(slog.String("stream", "audit")), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance.
func L() *slog.Logger {
	if defaultLogger == nil {
		_ = Init(Config{})
	}
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
