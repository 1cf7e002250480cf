package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

const (
	// heartbeatEvery is how often the running daemon touches the lock
	// file. A lock whose mtime is older than staleAfter with a dead
	// socket is taken over.
	heartbeatEvery = 10 * time.Second
	staleAfter     = 45 * time.Second
)

// ErrAlreadyRunning signals a live daemon holds the lock.
var ErrAlreadyRunning = fmt.Errorf("daemon is already running")

// Lock is the advisory single-instance lock: a lock file carrying the
// pid, refreshed while the daemon lives, plus a sibling pid file for
// humans.
type Lock struct {
	lockPath   string
	pidPath    string
	socketPath string
	logger     *slog.Logger
}

// NewLock creates an unacquired Lock over the daemon's lock, pid, and
// socket paths.
func NewLock(lockPath, pidPath, socketPath string, logger *slog.Logger) *Lock {
	return &Lock{lockPath: lockPath, pidPath: pidPath, socketPath: socketPath, logger: logger}
}

// Acquire takes the lock or returns ErrAlreadyRunning. An existing lock
// is honored when the socket still answers; a dead socket with an
// expired heartbeat is a crashed daemon and gets taken over.
func (l *Lock) Acquire() error {
	if info, err := os.Stat(l.lockPath); err == nil {
		if l.socketAlive() {
			return ErrAlreadyRunning
		}
		if time.Since(info.ModTime()) < staleAfter {
			// Dead socket but fresh heartbeat: another process may be
			// mid-startup. Refuse rather than race it.
			return ErrAlreadyRunning
		}
		l.logger.Warn("taking over stale daemon lock",
			"lock", l.lockPath, "heartbeat_age", time.Since(info.ModTime()).Truncate(time.Second))
		os.Remove(l.lockPath)
		os.Remove(l.socketPath)
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(l.lockPath, []byte(pid+"\n"), 0o600); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.WriteFile(l.pidPath, []byte(pid+"\n"), 0o644); err != nil {
		os.Remove(l.lockPath)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Heartbeat refreshes the lock file mtime until ctx is cancelled.
func (l *Lock) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if err := os.Chtimes(l.lockPath, now, now); err != nil {
				l.logger.Warn("lock heartbeat failed", "error", err)
			}
		}
	}
}

// Release deletes the lock and pid files. Safe to call more than once.
func (l *Lock) Release() {
	os.Remove(l.lockPath)
	os.Remove(l.pidPath)
}

func (l *Lock) socketAlive() bool {
	conn, err := net.DialTimeout("unix", l.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
