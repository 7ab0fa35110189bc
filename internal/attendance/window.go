package attendance

import (
	"context"
	"fmt"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/metrics"
)

// Window is the span of sighting timestamps observed for one event.
type Window struct {
	Min time.Time
	Max time.Time
}

func (w *Window) include(t time.Time) {
	if t.Before(w.Min) {
		w.Min = t
	}
	if t.After(w.Max) {
		w.Max = t
	}
}

// ExpandEventWindow widens the stored start and end of an event so they cover
// w. It reports whether the event was patched. Stored values are never
// narrowed.
func (s *Service) ExpandEventWindow(ctx context.Context, eventID string, w Window) (bool, error) {
	ev, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		metrics.WindowUpdate("error")
		return false, fmt.Errorf("load event %s: %w", eventID, err)
	}

	newStart := w.Min
	if ev.StartTime != nil && ev.StartTime.Before(newStart) {
		newStart = *ev.StartTime
	}
	newEnd := w.Max
	if ev.EndTime != nil && ev.EndTime.After(newEnd) {
		newEnd = *ev.EndTime
	}

	startSame := ev.StartTime != nil && ev.StartTime.Equal(newStart)
	endSame := ev.EndTime != nil && ev.EndTime.Equal(newEnd)
	if startSame && endSame {
		metrics.WindowUpdate("unchanged")
		return false, nil
	}

	if err := s.events.UpdateWindow(ctx, eventID, newStart, newEnd); err != nil {
		metrics.WindowUpdate("error")
		return false, fmt.Errorf("update window for event %s: %w", eventID, err)
	}
	metrics.WindowUpdate("updated")
	return true, nil
}
