package sync

import (
	"testing"
	"time"

	"github.com/voipsms/smsd/internal/voipms"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, voipms.Zone)
}

func TestWindowsSplitsAt90Days(t *testing.T) {
	floor := date(2024, 1, 1)
	now := date(2024, 4, 15)

	windows := Windows(floor, now, MaxWindowDays)
	if len(windows) != 2 {
		t.Fatalf("got %d windows, want 2", len(windows))
	}
	want := []Window{
		{From: date(2024, 1, 1), To: date(2024, 3, 31)},
		{From: date(2024, 3, 31), To: date(2024, 4, 15)},
	}
	for i := range want {
		if !windows[i].From.Equal(want[i].From) || !windows[i].To.Equal(want[i].To) {
			t.Errorf("window %d = [%s, %s], want [%s, %s]", i,
				windows[i].From.Format(time.DateOnly), windows[i].To.Format(time.DateOnly),
				want[i].From.Format(time.DateOnly), want[i].To.Format(time.DateOnly))
		}
	}
	if windows[0].Days() != 90 {
		t.Errorf("first window = %d days, want 90", windows[0].Days())
	}
}

func TestWindowsCoverInterval(t *testing.T) {
	floor := date(2023, 2, 14)
	for _, days := range []int{0, 1, 89, 90, 91, 179, 180, 181, 365, 1000} {
		now := floor.AddDate(0, 0, days).Add(13*time.Hour + 7*time.Minute)
		windows := Windows(floor, now, MaxWindowDays)
		if len(windows) == 0 {
			t.Fatalf("%d days: no windows", days)
		}
		if !windows[0].From.Equal(floor) {
			t.Errorf("%d days: first window starts %s, want floor", days, windows[0].From)
		}
		if last := windows[len(windows)-1]; !last.To.Equal(now) {
			t.Errorf("%d days: last window ends %s, want now", days, last.To)
		}
		for i, w := range windows {
			if w.To.Before(w.From) {
				t.Errorf("%d days: window %d is inverted", days, i)
			}
			if w.To.Sub(w.From) > MaxWindowDays*24*time.Hour {
				t.Errorf("%d days: window %d spans %s", days, i, w.To.Sub(w.From))
			}
			if i > 0 && !windows[i-1].To.Equal(w.From) {
				t.Errorf("%d days: gap or overlap between windows %d and %d", days, i-1, i)
			}
		}
	}
}

func TestWindowsFloorAfterNow(t *testing.T) {
	now := date(2024, 1, 1)
	windows := Windows(now.AddDate(0, 0, 3), now, MaxWindowDays)
	if len(windows) != 1 {
		t.Fatalf("got %d windows, want 1", len(windows))
	}
	if !windows[0].From.Equal(now) || !windows[0].To.Equal(now) {
		t.Errorf("window = %+v, want empty window at now", windows[0])
	}
}

func TestStartOfDay(t *testing.T) {
	// 03:30 UTC is still the previous day at UTC-5.
	got := startOfDay(time.Date(2024, 5, 2, 3, 30, 0, 0, time.UTC))
	if want := date(2024, 5, 1); !got.Equal(want) {
		t.Errorf("startOfDay = %s, want %s", got, want)
	}
}
