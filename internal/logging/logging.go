// Package logging builds the process slog logger and threads a per-request
// logger, request ID and account ID through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a logger writing to stdout.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter returns a JSON logger when format is "json" and a text logger
// otherwise. Debug level also records source positions.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "debug", "info", "warn", "error":
		_ = lvl.UnmarshalText([]byte(s))
		return lvl
	default:
		return slog.LevelInfo
	}
}

type ctxKey struct{}

// scope is the request-scoped logging state stored in a context.
type scope struct {
	logger    *slog.Logger
	requestID string
	accountID string
}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(ctxKey{}).(scope)
	return s
}

func withScope(ctx context.Context, edit func(*scope)) context.Context {
	s := scopeOf(ctx)
	edit(&s)
	return context.WithValue(ctx, ctxKey{}, s)
}

// WithLogger sets the base logger used by L.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return withScope(ctx, func(s *scope) { s.logger = logger })
}

// WithRequestID tags ctx with the inbound request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *scope) { s.requestID = id })
}

// WithAccountID tags ctx with the account a request acts for.
func WithAccountID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *scope) { s.accountID = id })
}

func RequestID(ctx context.Context) string { return scopeOf(ctx).requestID }

func AccountID(ctx context.Context) string { return scopeOf(ctx).accountID }

// L returns the logger for ctx: the one set by WithLogger (or slog.Default)
// with request_id and account_id attached when present.
func L(ctx context.Context) *slog.Logger {
	s := scopeOf(ctx)
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	var attrs []any
	if s.requestID != "" {
		attrs = append(attrs, "request_id", s.requestID)
	}
	if s.accountID != "" {
		attrs = append(attrs, "account_id", s.accountID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
