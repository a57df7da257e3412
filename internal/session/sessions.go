package session

import (
	"errors"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/voipsms/smsd/internal/lock"
)

const probeTimeout = 200 * time.Millisecond

// Info describes one session directory.
type Info struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

// List returns the sessions under BaseDir sorted by name. A session is
// running when its daemon socket accepts connections.
func List() ([]Info, error) {
	entries, err := os.ReadDir(sessionsDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sessions []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		layout := For(e.Name())
		info := Info{Name: layout.Name, Path: layout.Dir}
		if conn, err := net.DialTimeout("unix", layout.Socket(), probeTimeout); err == nil {
			_ = conn.Close()
			info.Running = true
			if owner, err := lock.ReadOwner(layout.Lock()); err == nil {
				info.PID = owner.PID
			}
		}
		sessions = append(sessions, info)
	}
	slices.SortFunc(sessions, func(a, b Info) int {
		return strings.Compare(a.Name, b.Name)
	})
	return sessions, nil
}
