package sync

import (
	"time"

	"github.com/voipsms/smsd/internal/voipms"
)

// MaxWindowDays is the widest date range getSMS accepts.
const MaxWindowDays = 90

// Window is one date range fetched in a single request. Consecutive windows
// share their boundary: To of one window is From of the next.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Days returns the window length in whole days.
func (w Window) Days() int {
	return int(w.To.Sub(w.From).Hours() / 24)
}

// Windows partitions [floor, now] into consecutive windows of at most
// maxDays days, oldest first. The last window ends at now. A floor at or
// after now yields a single empty window at now.
func Windows(floor, now time.Time, maxDays int) []Window {
	if maxDays <= 0 {
		maxDays = MaxWindowDays
	}
	if !floor.Before(now) {
		return []Window{{From: now, To: now}}
	}

	var windows []Window
	from := floor
	for {
		to := from.AddDate(0, 0, maxDays)
		if !to.Before(now) {
			break
		}
		windows = append(windows, Window{From: from, To: to})
		from = to
	}
	return append(windows, Window{From: from, To: now})
}

// startOfDay truncates t to midnight in the provider zone, the granularity
// getSMS filters on.
func startOfDay(t time.Time) time.Time {
	t = t.In(voipms.Zone)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, voipms.Zone)
}
