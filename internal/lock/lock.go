// Package lock guarantees that a single daemon owns a session's message store.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrHeld matches any HeldError.
var ErrHeld = errors.New("session lock held")

// HeldError is returned when another process holds the session lock.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("session lock held (%s)", e.Path)
	}
	return fmt.Sprintf("session lock held by PID %d (%s)", e.PID, e.Path)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrHeld
}

// Owner is the record the holder writes into the lock file.
type Owner struct {
	PID   int       `json:"pid"`
	Since time.Time `json:"since"`
}

// Lock is an acquired session lock. The flock lives as long as file is open.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on path, creating the file
// and its directory as needed.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		held := &HeldError{Path: path}
		if owner, err := ReadOwner(path); err == nil {
			held.PID = owner.PID
		}
		return nil, held
	}

	owner := Owner{PID: os.Getpid(), Since: time.Now().UTC().Truncate(time.Second)}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

func writeOwner(f *os.File, owner Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return json.NewEncoder(f).Encode(owner)
}

func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file. Safe on a nil or released
// Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Unlink while still holding the flock so a new daemon never locks a
	// file that is about to disappear.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadOwner reads the owner record at path. It does not check whether the
// lock is still held.
func ReadOwner(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return Owner{}, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return o, nil
}
