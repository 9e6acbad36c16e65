// Package logging provides structured logging for the drone network.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// FileOptions controls log file rotation.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewRotatingWriter returns a size-rotated file writer. The caller closes it.
func NewRotatingWriter(opts FileOptions) io.WriteCloser {
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

// NewFileLogger creates a logger writing to a rotating file. The returned
// closer releases the file.
func NewFileLogger(level, format string, opts FileOptions) (*slog.Logger, io.Closer) {
	w := NewRotatingWriter(opts)
	return NewLoggerWithWriter(level, format, w), w
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent = "component"
	KeyDroneID   = "drone_id"
	KeyNodeID    = "node_id"
	KeyNodeType  = "node_type"
	KeySessionID = "session_id"
	KeyPacket    = "packet"
	KeyKind      = "kind"
	KeyHops      = "hops"
	KeyNextHop   = "next_hop"
	KeyFrom      = "from"
	KeyNackType  = "nack_type"
	KeyFloodID   = "flood_id"
	KeyInitiator = "initiator_id"
	KeyPDR       = "pdr"
	KeyState     = "state"
	KeyNeighbors = "neighbors"
	KeyAddress   = "address"
	KeyError     = "error"
	KeyDuration  = "duration"
	KeyCount     = "count"
)
