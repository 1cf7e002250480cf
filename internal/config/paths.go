// Package config resolves the daemon's on-disk layout. Durable
// configuration values live in the store's config table; this package
// only knows where files go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome overrides the root directory. Default is ~/.hiboss.
const EnvHome = "HIBOSS_HOME"

// Paths is the resolved directory layout.
type Paths struct {
	Root      string // <root>
	DaemonDir string // <root>/.daemon
	DB        string // <root>/.daemon/hiboss.db
	Socket    string // <root>/.daemon/daemon.sock
	Lock      string // <root>/.daemon/daemon.lock
	Pid       string // <root>/.daemon/daemon.pid
	Log       string // <root>/.daemon/daemon.log
	LogDir    string // <root>/.daemon/log_history
	AgentsDir string // <root>/agents
	MediaDir  string // <root>/media
	Policy    string // <root>/permissions.json
	BossFile  string // <root>/BOSS.md
}

// Resolve computes the layout from HIBOSS_HOME or the user home dir.
// Nothing is created; call EnsureDirs for that.
func Resolve() (Paths, error) {
	root := os.Getenv(EnvHome)
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("resolve home dir: %w", err)
		}
		root = filepath.Join(home, ".hiboss")
	}
	return ResolveAt(root), nil
}

// ResolveAt computes the layout under an explicit root. Used by tests.
func ResolveAt(root string) Paths {
	daemon := filepath.Join(root, ".daemon")
	return Paths{
		Root:      root,
		DaemonDir: daemon,
		DB:        filepath.Join(daemon, "hiboss.db"),
		Socket:    filepath.Join(daemon, "daemon.sock"),
		Lock:      filepath.Join(daemon, "daemon.lock"),
		Pid:       filepath.Join(daemon, "daemon.pid"),
		Log:       filepath.Join(daemon, "daemon.log"),
		LogDir:    filepath.Join(daemon, "log_history"),
		AgentsDir: filepath.Join(root, "agents"),
		MediaDir:  filepath.Join(root, "media"),
		Policy:    filepath.Join(root, "permissions.json"),
		BossFile:  filepath.Join(root, "BOSS.md"),
	}
}

// AgentHome is the per-agent directory for instruction files and
// internal space.
func (p Paths) AgentHome(name string) string {
	return filepath.Join(p.AgentsDir, name)
}

// EnsureDirs creates the directory tree. The daemon dir is private: it
// holds the database and the socket.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.AgentsDir, p.MediaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	for _, dir := range []string{p.DaemonDir, p.LogDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
