package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWritesToLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "daemon.log")

	logger, closer, err := Setup(logPath, filepath.Join(dir, "log_history"), false, false)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("daemon started", "pid", 1234)
	logger.Debug("suppressed at info level")
	if err := closer(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "daemon started") {
		t.Errorf("log content = %q", data)
	}
	if strings.Contains(string(data), "suppressed") {
		t.Error("debug line written without verbose")
	}
}

func TestSetupVerboseEnablesDebug(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "daemon.log")

	logger, closer, err := Setup(logPath, filepath.Join(dir, "log_history"), true, false)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("debug detail")
	closer()

	data, _ := os.ReadFile(logPath)
	if !strings.Contains(string(data), "debug detail") {
		t.Error("debug line missing with verbose")
	}
}

func TestSetupRotatesPreviousLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "daemon.log")
	historyDir := filepath.Join(dir, "log_history")

	if err := os.WriteFile(logPath, []byte("previous life\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, closer, err := Setup(logPath, historyDir, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer closer()

	entries, err := os.ReadDir(historyDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("archives = %d, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "daemon-") || !strings.HasSuffix(name, ".log") {
		t.Errorf("archive name = %q", name)
	}
	archived, _ := os.ReadFile(filepath.Join(historyDir, name))
	if string(archived) != "previous life\n" {
		t.Errorf("archive content = %q", archived)
	}
}

func TestSetupSkipsRotationForEmptyLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "daemon.log")
	historyDir := filepath.Join(dir, "log_history")

	if err := os.WriteFile(logPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, closer, err := Setup(logPath, historyDir, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer closer()

	if _, err := os.Stat(historyDir); !os.IsNotExist(err) {
		t.Error("empty log was archived")
	}
}
