// Package logger defines the small logging surface used across nodesync.
//
// Components accept a Logger and never construct global loggers themselves.
// Two backends are provided: New wraps any log/slog handler, and NewZerolog
// adapts a zerolog.Logger for deployments that already standardize on it.
package logger

import (
	"io"
	"log/slog"

	"github.com/rs/zerolog"
)

// Logger is the structured logger accepted by every component.
// Args are alternating key/value pairs, as in log/slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type SlogHandler struct {
	logger *slog.Logger
}

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

// ZerologHandler adapts a zerolog.Logger to Logger.
type ZerologHandler struct {
	logger zerolog.Logger
}

func NewZerolog(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

// NewZerologWriter builds a timestamped zerolog logger writing to w at the given level.
func NewZerologWriter(w io.Writer, level zerolog.Level) *ZerologHandler {
	return NewZerolog(zerolog.New(w).Level(level).With().Timestamp().Logger())
}

func (handler *ZerologHandler) Error(msg string, args ...any) {
	withFields(handler.logger.Error(), args).Msg(msg)
}

func (handler *ZerologHandler) Warn(msg string, args ...any) {
	withFields(handler.logger.Warn(), args).Msg(msg)
}

func (handler *ZerologHandler) Info(msg string, args ...any) {
	withFields(handler.logger.Info(), args).Msg(msg)
}

func (handler *ZerologHandler) Debug(msg string, args ...any) {
	withFields(handler.logger.Debug(), args).Msg(msg)
}

func withFields(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		if i+1 >= len(args) {
			ev = ev.Interface("!BADKEY", args[i])
			break
		}
		if err, ok := args[i+1].(error); ok {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	return ev
}

// Nop discards everything.
type Nop struct{}

func (Nop) Error(string, ...any) {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Info(string, ...any)  {}
func (Nop) Debug(string, ...any) {}
