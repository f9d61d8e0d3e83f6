// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing, each independently optional.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with turn/session correlation and credential redaction.
type Logger struct {
	logger  *slog.Logger
	handler *redactingHandler
	config  LogConfig
}

// redactor holds the compiled redaction patterns shared by Logger's own
// methods and the slog.Handler NewLogger builds, so redaction applies
// whether a caller goes through Logger or logs against the handler
// directly (e.g. via slog.SetDefault).
type redactor struct {
	patterns []*regexp.Regexp
}

func (red *redactor) redactString(s string) string {
	for _, re := range red.patterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func (red *redactor) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return red.redactString(val)
	case error:
		return red.redactString(val.Error())
	case []byte:
		return red.redactString(string(val))
	case map[string]any:
		return red.redactMap(val)
	default:
		if b, err := json.Marshal(v); err == nil {
			return red.redactString(string(b))
		}
		return v
	}
}

func (red *redactor) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		lowerKey := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if sensitiveKeys[lowerKey] {
			result[k] = "[REDACTED]"
		} else {
			result[k] = red.redactValue(v)
		}
	}
	return result
}

// redactingHandler wraps a slog.Handler and redacts every record's message
// and attribute values before they reach it, so any caller of the logger
// built around this handler (including slog.Default() after NewLogger's
// handler is installed via slog.SetDefault) gets redaction for free, not
// only callers that go through Logger's own Debug/Info/Warn/Error methods.
type redactingHandler struct {
	inner *redactor
	next  slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, h.inner.redactString(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.inner.redactString(a.Value.String()))
	}
	if a.Value.Kind() == slog.KindAny {
		return slog.Any(a.Key, h.inner.redactValue(a.Value.Any()))
	}
	return a
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactingHandler{inner: h.inner, next: h.next.WithAttrs(redacted)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner, next: h.next.WithGroup(name)}
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is "json" or "text".
	Format string
	// Output defaults to os.Stdout; set to the TWIDDLE_LOG_FILE handle to
	// append there instead.
	Output io.Writer
	// AddSource includes file and line number in log records.
	AddSource bool
	// RedactPatterns are additional regexes applied on top of
	// DefaultRedactPatterns.
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// TurnIDKey is the context key for the current turn's id.
	TurnIDKey ContextKey = "turn_id"
	// SessionIDKey is the context key for the session id.
	SessionIDKey ContextKey = "session_id"
)

// DefaultRedactPatterns covers common credential shapes so a pasted key
// never survives into a log record verbatim.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-[a-zA-Z0-9-]{20,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

// NewLogger creates a structured logger. An empty Level defaults to
// "info"; an empty Format defaults to "json"; a nil Output defaults to
// os.Stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	level := LogLevelFromString(config.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	allPatterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(allPatterns))
	for _, pattern := range allPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	redacting := &redactingHandler{inner: &redactor{patterns: redacts}, next: handler}
	return &Logger{logger: slog.New(redacting), handler: redacting, config: config}
}

// Handler returns the redacting slog.Handler backing this Logger, for
// installing as the process-wide default (slog.SetDefault(slog.New(...)))
// so every caller that logs via slog.Default() — not only ones that go
// through Logger's own methods — gets the same credential redaction.
func (l *Logger) Handler() slog.Handler { return l.handler }

// LogLevelFromString converts a string to a slog.Level, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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

// WithContext returns a logger that stamps turn_id/session_id from ctx onto
// every subsequent record.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if turnID, ok := ctx.Value(TurnIDKey).(string); ok && turnID != "" {
		attrs = append(attrs, "turn_id", turnID)
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		attrs = append(attrs, "session_id", sessionID)
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(attrs...), handler: l.handler, config: l.config}
}

// WithFields returns a logger with args permanently attached to every
// subsequent record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), handler: l.handler, config: l.config}
}

// Debug/Info/Warn/Error log through the handler installed at construction,
// which redacts the message and every attribute before it reaches the
// underlying slog.Handler (see redactingHandler).
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) { l.logger.Log(ctx, slog.LevelDebug, msg, args...) }
func (l *Logger) Info(ctx context.Context, msg string, args ...any)  { l.logger.Log(ctx, slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(ctx context.Context, msg string, args ...any)  { l.logger.Log(ctx, slog.LevelWarn, msg, args...) }
func (l *Logger) Error(ctx context.Context, msg string, args ...any) { l.logger.Log(ctx, slog.LevelError, msg, args...) }

var sensitiveKeys = map[string]bool{
	"password": true, "passwd": true, "secret": true, "token": true,
	"api_key": true, "apikey": true, "private_key": true, "privatekey": true,
	"auth": true, "authorization": true,
}

// AddTurnID adds a turn id to the context.
func AddTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// AddSessionID adds a session id to the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}
