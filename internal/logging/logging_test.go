package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"drone started\"", "drone_id=11", "pdr=0.25"}},
		{"TEXT", []string{"drone_id=11"}},
		{"json", []string{`"msg":"drone started"`, `"drone_id":11`, `"pdr":0.25`}},
		{"", []string{"drone_id=11"}},
	}

	for _, tc := range tests {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter("info", tc.format, &buf)
			logger.Info("drone started", KeyDroneID, 11, KeyPDR, 0.25)

			for _, want := range tc.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("format %q: expected %s in output, got: %s", tc.format, want, buf.String())
				}
			}
		})
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		configLevel string
		logLevel    slog.Level
		want        bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warning", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, true},
		{"bogus", slog.LevelDebug, false},
		{"bogus", slog.LevelInfo, true},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)
		logger.Log(context.Background(), tc.logLevel, "packet dropped")

		if got := buf.Len() > 0; got != tc.want {
			t.Errorf("%s record at level %q: logged=%v, want %v", tc.logLevel, tc.configLevel, got, tc.want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}
	if logger.Enabled(context.Background(), slog.LevelError) {
		// Discarded either way, but the handler should still be usable.
		logger.Error("discarded", KeyError, "none")
	}
}

func TestLoggerWith_DroneComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("debug", "text", &buf).
		With(KeyComponent, "drone", KeyDroneID, 12)

	logger.Debug("packet forwarded", KeyNextHop, 13, KeySessionID, 42, KeyKind, "fragment")

	for _, want := range []string{"component=drone", "drone_id=12", "next_hop=13", "session_id=42", "kind=fragment"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %s attribute, got: %s", want, buf.String())
		}
	}
}

func TestNewRotatingWriter_Defaults(t *testing.T) {
	w := NewRotatingWriter(FileOptions{Path: filepath.Join(t.TempDir(), "x.log")})
	defer w.Close()

	lj, ok := w.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("expected *lumberjack.Logger, got %T", w)
	}
	if lj.MaxSize != 100 {
		t.Errorf("MaxSize = %d, want default 100", lj.MaxSize)
	}
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dronenet.log")

	logger, closer := NewFileLogger("debug", "json", FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	logger.Debug("drone started", KeyDroneID, 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), `"drone_id":3`) {
		t.Errorf("log file missing entry, got: %s", data)
	}
}
