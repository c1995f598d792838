// Package hooks provides the structured-logging adapter shared by every
// ambient component in this codebase (coordinator, persist, httpapi).
package hooks

import "log/slog"

// SlogLogger wraps the standard library's slog.Logger to satisfy the
// small Debug/Warn/Error Logger interface each package declares locally.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...any) { s.log.Debug(msg, fields...) }
func (s *SlogLogger) Info(msg string, fields ...any)  { s.log.Info(msg, fields...) }
func (s *SlogLogger) Warn(msg string, fields ...any)  { s.log.Warn(msg, fields...) }
func (s *SlogLogger) Error(msg string, fields ...any) { s.log.Error(msg, fields...) }
