// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

// newTestLogger returns a colourless logger writing to buf at DEBUG.
func newTestLogger(prefix string, format OutputFormat) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(prefix)
	l.SetWriter(&buf)
	l.SetLevel(DEBUG)
	l.SetColorize(false)
	l.SetFormat(format)
	return l, &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) JSONLogEntry {
	t.Helper()
	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse %q: %v", buf.String(), err)
	}
	return entry
}

func TestTextLine(t *testing.T) {
	l, buf := newTestLogger("conn", FormatText)
	l.WithFields(Fields{"transport": "wifi", "attempt": 2}).Warn("reconnecting")

	out := buf.String()
	for _, want := range []string{"[WARN ]", "conn: reconnecting", "{attempt=2, transport=wifi}"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		emit  func(*Logger)
		want  bool
	}{
		{INFO, func(l *Logger) { l.Debug("poll") }, false},
		{INFO, func(l *Logger) { l.Info("connected") }, true},
		{WARN, func(l *Logger) { l.Info("connected") }, false},
		{WARN, func(l *Logger) { l.Error("link lost") }, true},
		{ERROR + 1, func(l *Logger) { l.Error("link lost") }, false},
	}
	for _, tt := range tests {
		l, buf := newTestLogger("motion", FormatText)
		l.SetLevel(tt.level)
		tt.emit(l)
		if got := buf.Len() > 0; got != tt.want {
			t.Errorf("level %v: wrote=%v, want %v (%q)", tt.level, got, tt.want, buf.String())
		}
	}
}

func TestJSONEntry(t *testing.T) {
	l, buf := newTestLogger("motion", FormatJSON)
	l.With(Fields{"transport": "serial"}).
		WithField("target", 1600).
		WithError(stderrors.New("port busy")).
		Error("move failed")

	entry := decodeEntry(t, buf)
	if entry.Level != "ERROR" || entry.Logger != "motion" || entry.Message != "move failed" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Fields["transport"] != "serial" || entry.Fields["target"] != float64(1600) || entry.Fields["error"] != "port busy" {
		t.Errorf("fields = %v", entry.Fields)
	}
}

func TestCaller(t *testing.T) {
	for _, format := range []OutputFormat{FormatText, FormatJSON} {
		l, buf := newTestLogger("api", format)
		l.SetCaller(true)
		l.WithField("client", 1).Info("websocket client connected")
		if !strings.Contains(buf.String(), "logger_test.go:") {
			t.Errorf("format %v: no caller in %q", format, buf.String())
		}
	}
}

func TestChildFollowsRoot(t *testing.T) {
	root, buf := newTestLogger("laserstage", FormatText)
	root.SetLevel(INFO)
	child := root.WithPrefix("safety")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug leaked: %q", buf.String())
	}
	root.SetLevel(DEBUG)
	child.Debug("latch armed")
	if !strings.Contains(buf.String(), "safety: latch armed") {
		t.Errorf("child ignored root level: %q", buf.String())
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	levels := map[string]LogLevel{
		"debug": DEBUG, "INFO": INFO, "warning": WARN, "Error": ERROR, "loud": INFO, "": INFO,
	}
	for in, want := range levels {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if LogLevel(99).String() != "UNKNOWN" {
		t.Errorf("unknown level = %q", LogLevel(99).String())
	}
	if ParseFormat("JSON") != FormatJSON || ParseFormat("") != FormatText {
		t.Error("ParseFormat")
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := Default()
	defer SetDefaultLogger(prev)
	t.Setenv("LASERSTAGE_LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "logs", "laserstage.log")
	root, closer, err := Setup(Options{Level: "debug", Format: "json", File: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if Default() != root {
		t.Error("Setup did not install the default logger")
	}
	GetLogger("conn").WithField("state", "connected").Debug("state change")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry JSONLogEntry
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("file line %q: %v", data, err)
	}
	if entry.Logger != "conn" || entry.Fields["state"] != "connected" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestSetupTimeFormat(t *testing.T) {
	prev := Default()
	defer SetDefaultLogger(prev)
	t.Setenv("LASERSTAGE_LOG_LEVEL", "")
	t.Setenv("LASERSTAGE_LOG_FORMAT", "")

	path := filepath.Join(t.TempDir(), "laserstage.log")
	_, closer, err := Setup(Options{Level: "info", Format: "text", TimeFormat: "15:04:05", File: path})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	GetLogger("api").Info("listening")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^\d{2}:\d{2}:\d{2} \[INFO `).Match(data) {
		t.Errorf("line %q does not start with the configured timestamp", data)
	}
}

func TestSetupEnvOverrides(t *testing.T) {
	prev := Default()
	defer SetDefaultLogger(prev)
	t.Setenv("LASERSTAGE_LOG_LEVEL", "error")

	root, closer, err := Setup(Options{Level: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if root.GetLevel() != ERROR {
		t.Errorf("level = %v, want ERROR from environment", root.GetLevel())
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l.Enabled(ERROR) {
		t.Error("discard logger enabled")
	}
	l.Error("nothing")
}

func BenchmarkJSONWithFields(b *testing.B) {
	l, buf := newTestLogger("bench", FormatJSON)
	l.SetLevel(INFO)
	fields := Fields{"transport": "bluetooth", "steps": 800}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		l.WithFields(fields).Info("position")
	}
}
