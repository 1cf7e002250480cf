// Package logging configures the daemon's slog output: a text handler
// writing to daemon.log, with the previous log archived into
// log_history/ on each restart.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// keepArchives bounds log_history growth.
const keepArchives = 20

// Setup rotates any existing log into historyDir, opens a fresh log
// file, and returns a logger writing to it (and to stderr when echo is
// set). The returned closer flushes the file on shutdown.
func Setup(logPath, historyDir string, verbose, echo bool) (*slog.Logger, func() error, error) {
	if err := rotate(logPath, historyDir); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var w io.Writer = f
	if echo {
		w = io.MultiWriter(f, os.Stderr)
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, f.Close, nil
}

// rotate archives the previous daemon.log into historyDir with a
// timestamped name and prunes old archives.
func rotate(logPath, historyDir string) error {
	info, err := os.Stat(logPath)
	if err != nil || info.Size() == 0 {
		return nil // nothing to archive
	}
	if err := os.MkdirAll(historyDir, 0o700); err != nil {
		return fmt.Errorf("create log history dir: %w", err)
	}
	stamp := info.ModTime().UTC().Format("20060102-150405")
	archived := filepath.Join(historyDir, fmt.Sprintf("daemon-%s.log", stamp))
	if err := os.Rename(logPath, archived); err != nil {
		return fmt.Errorf("archive log: %w", err)
	}
	prune(historyDir)
	return nil
}

func prune(historyDir string) {
	entries, err := os.ReadDir(historyDir)
	if err != nil || len(entries) <= keepArchives {
		return
	}
	type aged struct {
		name string
		mod  time.Time
	}
	var files []aged
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{e.Name(), info.ModTime()})
	}
	for len(files) > keepArchives {
		oldest := 0
		for i := range files {
			if files[i].mod.Before(files[oldest].mod) {
				oldest = i
			}
		}
		os.Remove(filepath.Join(historyDir, files[oldest].name))
		files = append(files[:oldest], files[oldest+1:]...)
	}
}
