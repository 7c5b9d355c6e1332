package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewRunLogger_Disabled(t *testing.T) {
	base := slog.New(slog.NewTextHandler(os.Stderr, nil))

	logger, closer, path, err := NewRunLogger(base, "", "r0", "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()

	if logger != base {
		t.Error("expected base logger when runLogDir is empty")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestNewRunLogger_CreatesFileAndLogs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewRunLogger(base, dir, "r0", "run-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deviceDir := filepath.Join(dir, "r0")
	if _, err := os.Stat(deviceDir); os.IsNotExist(err) {
		t.Fatalf("device dir not created: %s", deviceDir)
	}

	expectedPath := filepath.Join(deviceDir, "run-abc.log")
	if logPath != expectedPath {
		t.Errorf("expected path %q, got %q", expectedPath, logPath)
	}

	logger.Info("resync tick", "blocks", 4)
	closer.Close()

	if !strings.Contains(baseBuf.String(), "resync tick") {
		t.Errorf("log message not found in base handler output: %s", baseBuf.String())
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading run log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "resync tick") {
		t.Errorf("log message not found in run file: %s", content)
	}
	if !strings.Contains(content, `"blocks":4`) {
		t.Errorf("structured key not found in run file: %s", content)
	}
}

func TestNewRunLogger_DebugInFileInfoInBase(t *testing.T) {
	dir := t.TempDir()

	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger, closer, logPath, err := NewRunLogger(base, dir, "r0", "run-debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Debug("debug only message")
	logger.Info("info for both")

	closer.Close()

	if strings.Contains(baseBuf.String(), "debug only message") {
		t.Error("DEBUG message should not appear in base handler with INFO level")
	}
	if !strings.Contains(baseBuf.String(), "info for both") {
		t.Error("INFO message missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "debug only message") {
		t.Errorf("DEBUG message missing from run file: %s", content)
	}
	if !strings.Contains(content, "info for both") {
		t.Errorf("INFO message missing from run file: %s", content)
	}
}

func TestRemoveRunLog(t *testing.T) {
	dir := t.TempDir()
	deviceDir := filepath.Join(dir, "r0")
	os.MkdirAll(deviceDir, 0755)

	logPath := filepath.Join(deviceDir, "run-to-remove.log")
	os.WriteFile(logPath, []byte("test"), 0644)

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("setup failed: log file not created")
	}

	RemoveRunLog(dir, "r0", "run-to-remove")

	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("run log file should have been removed")
	}
}

func TestRemoveRunLog_NoOpWhenEmpty(t *testing.T) {
	RemoveRunLog("", "r0", "run")
}

func TestRemoveRunLog_NoOpWhenFileMissing(t *testing.T) {
	RemoveRunLog(t.TempDir(), "r0", "nonexistent-run")
}

func TestNewRunLogger_WithAttrs(t *testing.T) {
	dir := t.TempDir()
	var baseBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, closer, logPath, err := NewRunLogger(base, dir, "r0", "run-attrs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enriched := logger.With("run", "run-attrs", "mode", "checksum")
	enriched.Info("enriched message")

	closer.Close()

	if !strings.Contains(baseBuf.String(), "run-attrs") {
		t.Error("run attr missing from base handler")
	}

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if !strings.Contains(content, "run-attrs") {
		t.Errorf("run attr missing from run file: %s", content)
	}
	if !strings.Contains(content, "checksum") {
		t.Errorf("mode attr missing from run file: %s", content)
	}
}
