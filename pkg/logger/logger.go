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

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls the audit trail of confirmations and submissions.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// redacted attribute keys never reach a log sink.
var redacted = map[string]bool{
	"private_key": true,
	"signer_key":  true,
	"api_key":     true,
	"password":    true,
	"dsn":         true,
}

type state struct {
	main  *slog.Logger
	audit *slog.Logger
	owned []io.Closer
}

var (
	mu      sync.Mutex
	current = &state{}
)

// Init installs new loggers. Files opened by a previous Init are closed once
// the new loggers are in place.
func Init(cfg Config) error {
	next := &state{}
	fail := func(err error) error {
		closeAll(next.owned)
		return err
	}

	out, err := next.sink(cfg.OutputPaths)
	if err != nil {
		return fail(err)
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource, ReplaceAttr: redact}
	if strings.EqualFold(cfg.Format, "text") {
		next.main = slog.New(slog.NewTextHandler(out, opts))
	} else {
		next.main = slog.New(slog.NewJSONHandler(out, opts))
	}

	next.audit = next.main.With(slog.String("stream", "audit"))
	if cfg.Audit.Enabled {
		f, err := newAuditFile(cfg.Audit)
		if err != nil {
			return fail(err)
		}
		next.owned = append(next.owned, f)
		next.audit = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{ReplaceAttr: redact}))
	}

	mu.Lock()
	prev := current
	current = next
	mu.Unlock()
	closeAll(prev.owned)
	return nil
}

func (s *state) sink(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	ws := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "", "stdout":
			ws = append(ws, os.Stdout)
		case "stderr":
			ws = append(ws, os.Stderr)
		case "discard":
			ws = append(ws, io.Discard)
		default:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("log dir for %s: %w", p, err)
			}
			f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log %s: %w", p, err)
			}
			s.owned = append(s.owned, f)
			ws = append(ws, f)
		}
	}
	if len(ws) == 1 {
		return ws[0], nil
	}
	return io.MultiWriter(ws...), nil
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redacted[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// L returns the application logger, a JSON logger on stdout before Init.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if current.main == nil {
		current.main = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{ReplaceAttr: redact}))
	}
	return current.main
}

// Audit returns the audit logger. Without an audit file it shares the main
// output and tags every record with stream=audit.
func Audit() *slog.Logger {
	mu.Lock()
	l := current.audit
	mu.Unlock()
	if l == nil {
		return L().With(slog.String("stream", "audit"))
	}
	return l
}

// Named tags the logger with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// ForSession returns a logger carrying the chat session identifier.
func ForSession(component, sessionID string) *slog.Logger {
	return Named(component).With(slog.String("session_id", sessionID))
}

// Sync closes the files opened by Init. Loggers keep working but writes to
// closed files are dropped.
func Sync() error {
	mu.Lock()
	owned := current.owned
	current.owned = nil
	mu.Unlock()
	return closeAll(owned)
}

func closeAll(list []io.Closer) error {
	var err error
	for _, c := range list {
		err = errors.Join(err, c.Close())
	}
	return err
}
