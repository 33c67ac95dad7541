// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingFileWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "stage.log")

	writer, err := NewRotatingFileWriter(RotationConfig{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 3,
	})
	if err != nil {
		t.Fatalf("failed to create rotating writer: %v", err)
	}
	defer writer.Close()

	msg := "test log message\n"
	n, err := writer.Write([]byte(msg))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(msg) {
		t.Errorf("expected %d bytes written, got %d", len(msg), n)
	}
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file not created: %v", err)
	}
	if writer.CurrentSize() != int64(len(msg)) {
		t.Errorf("expected size %d, got %d", len(msg), writer.CurrentSize())
	}
}

func TestRotatingFileWriterRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "stage.log")

	writer, err := NewRotatingFileWriter(RotationConfig{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("failed to create rotating writer: %v", err)
	}
	defer writer.Close()

	clock := time.Date(2026, 1, 21, 15, 30, 0, 0, time.UTC)
	writer.now = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		writer.mu.Lock()
		writer.currentSize = writer.maxSize
		writer.mu.Unlock()
		if _, err := writer.Write([]byte("after rotation\n")); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		clock = clock.Add(time.Second)
	}

	backups := writer.Backups()
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups kept, got %d: %v", len(backups), backups)
	}
	if !strings.HasSuffix(backups[1], "stage.20260121-153003.log") {
		t.Errorf("expected newest backup last, got %v", backups)
	}
	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read active file: %v", err)
	}
	if string(content) != "after rotation\n" {
		t.Errorf("active file should hold only the last write, got %q", content)
	}
}

func TestRotationSameSecondDoesNotOverwrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "stage.log")
	writer, err := NewRotatingFileWriter(RotationConfig{Filename: logFile, MaxBackups: 5})
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()
	writer.now = func() time.Time { return time.Date(2026, 1, 21, 15, 30, 0, 0, time.UTC) }

	for i := 0; i < 3; i++ {
		writer.mu.Lock()
		writer.currentSize = writer.maxSize
		writer.mu.Unlock()
		if _, err := writer.Write([]byte("x\n")); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(writer.Backups()); got != 3 {
		t.Errorf("expected 3 distinct backups, got %d", got)
	}
}

func TestSetupWritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "app.log")

	logger, closer, err := Setup(Options{Level: "debug", File: logFile})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		closer.Close()
		SetDefaultLogger(New("laserstage"))
	}()

	logger.WithPrefix("conn").Debug("link up")

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "conn: link up") {
		t.Errorf("log file missing expected content: %s", content)
	}
	if strings.Contains(string(content), "\x1b[") {
		t.Error("log file should not contain color codes")
	}
}

func TestIsRotatedFile(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		ext      string
		expected bool
	}{
		{"test.20260121-153000.log", "test", ".log", true},
		{"test.20260121-153000.log.gz", "test", ".log", true},
		{"test.20260121-153000.2.log", "test", ".log", true},
		{"test.log", "test", ".log", false},
		{"test.backup.log", "test", ".log", false},
		{"test.12345678-123456.log", "test", ".log", false},
		{"other.20260121-153000.log", "test", ".log", false},
	}

	for _, tt := range tests {
		result := isRotatedFile(tt.name, tt.prefix, tt.ext)
		if result != tt.expected {
			t.Errorf("isRotatedFile(%q, %q, %q) = %v, expected %v",
				tt.name, tt.prefix, tt.ext, result, tt.expected)
		}
	}
}

func TestRotationConfigDefaults(t *testing.T) {
	writer, err := NewRotatingFileWriter(RotationConfig{
		Filename: filepath.Join(t.TempDir(), "test.log"),
	})
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer writer.Close()

	if writer.maxSize != 10*1024*1024 {
		t.Errorf("expected maxSize 10MB, got %d", writer.maxSize)
	}
	if writer.maxBackups != 5 {
		t.Errorf("expected maxBackups 5, got %d", writer.maxBackups)
	}
}

func TestRotationConfigEmptyFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Error("expected error for empty filename")
	}
}
