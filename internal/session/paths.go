package session

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory, mainly for tests and packaging.
const HomeEnv = "SMSD_HOME"

// BaseDir returns $SMSD_HOME or ~/.smsd.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".smsd")
}

// GlobalConfigPath is the file holding default_session.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

func sessionsDir() string {
	return filepath.Join(BaseDir(), "sessions")
}

// Layout locates the files of one session:
//
//	sessions/<name>/
//	  config.toml  .env  smsd.db  daemon.sock  LOCK
//	  logs/smsd.log
type Layout struct {
	Name string
	Dir  string
}

// For returns the layout of the named session under BaseDir.
func For(name string) Layout {
	return Layout{Name: name, Dir: filepath.Join(sessionsDir(), name)}
}

func (l Layout) file(elem ...string) string {
	return filepath.Join(append([]string{l.Dir}, elem...)...)
}

func (l Layout) Socket() string   { return l.file("daemon.sock") }
func (l Layout) Lock() string     { return l.file("LOCK") }
func (l Layout) Database() string { return l.file("smsd.db") }
func (l Layout) Settings() string { return l.file("config.toml") }
func (l Layout) Env() string      { return l.file(".env") }
func (l Layout) LogDir() string   { return l.file("logs") }
func (l Layout) Log() string      { return l.file("logs", "smsd.log") }

// Ensure creates the session and log directories, owner-only.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.LogDir(), 0700); err != nil {
		return err
	}
	// MkdirAll leaves existing directories alone; tighten a pre-created one.
	return os.Chmod(l.Dir, 0700)
}
