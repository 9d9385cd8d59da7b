package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesToDailyFile(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLogger(Config{LogDir: dir, Level: DEBUG})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer l.Close()

	l.Info("hello %s", "world")
	l.Warn("something odd")

	filename := filepath.Join(dir, "vox-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "hello world") {
		t.Errorf("log file missing info message: %q", content)
	}
	if !strings.Contains(content, "[WARN] something odd") {
		t.Errorf("log file missing warn message: %q", content)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	dir := t.TempDir()

	l, err := NewLogger(Config{LogDir: dir, Level: WARN})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer l.Close()

	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Error("should appear")

	filename := filepath.Join(dir, "vox-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	content := string(data)
	if strings.Contains(content, "should not appear") {
		t.Errorf("filtered message leaked into log: %q", content)
	}
	if !strings.Contains(content, "should appear") {
		t.Errorf("error message missing from log: %q", content)
	}
}
