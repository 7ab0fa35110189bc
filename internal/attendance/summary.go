package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/metrics"
	"gitea.jw6.us/james/beaconattend/internal/store"
)

// Calculate recomputes and stores the attendance summary for one user and
// event from the full scan history.
func (s *Service) Calculate(ctx context.Context, userID, eventID string) (*store.AttendanceSummary, error) {
	ev, err := s.events.GetByID(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}

	scans, err := s.scans.ListForPair(ctx, userID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}

	summary := summarize(ev, userID, scans, s.intervalFor(ev), s.now())
	if err := s.summaries.Upsert(ctx, summary); err != nil {
		return nil, fmt.Errorf("store summary: %w", err)
	}
	return &summary, nil
}

// summarize derives the summary for one pair. An empty history yields the
// zero summary.
func summarize(ev *store.Event, userID string, scans []store.Scan, interval time.Duration, now time.Time) store.AttendanceSummary {
	summary := store.AttendanceSummary{
		UserID:       userID,
		EventID:      ev.ID,
		CalculatedAt: now,
	}
	if len(scans) == 0 {
		return summary
	}

	first, last := scans[0].ScanTime, scans[0].ScanTime
	for _, sc := range scans[1:] {
		if sc.ScanTime.Before(first) {
			first = sc.ScanTime
		}
		if sc.ScanTime.After(last) {
			last = sc.ScanTime
		}
	}

	eventStart, eventEnd := first, last
	if ev.StartTime != nil {
		eventStart = *ev.StartTime
	}
	if ev.EndTime != nil {
		eventEnd = *ev.EndTime
	}

	expected := 1
	if n := int(eventEnd.Sub(eventStart) / interval); n > expected {
		expected = n
	}
	present := len(scans)

	pct := float64(present) / float64(expected) * 100
	if pct > 100 {
		pct = 100
	}

	summary.TotalScans = expected
	summary.PresentScans = present
	summary.AttendancePercentage = pct
	summary.FirstSeen = &first
	summary.LastSeen = &last
	summary.TotalDuration = last.Sub(first)
	return summary
}

// RecalcFailure records a user whose summary could not be recomputed.
type RecalcFailure struct {
	UserID string
	Err    error
}

// RecalcReport is the result of recalculating every attendee of an event.
type RecalcReport struct {
	EventID   string
	Successes []store.AttendanceSummary
	Failures  []RecalcFailure
}

// RecalculateEvent recomputes the summary of every user with at least one scan
// for the event. Individual failures are collected in the report; an error is
// returned only when the attendees cannot be listed.
func (s *Service) RecalculateEvent(ctx context.Context, eventID string) (*RecalcReport, error) {
	scans, err := s.scans.ListForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list scans for event %s: %w", eventID, err)
	}

	report := &RecalcReport{EventID: eventID}
	seen := make(map[string]struct{})
	for _, sc := range scans {
		if _, ok := seen[sc.UserID]; ok {
			continue
		}
		seen[sc.UserID] = struct{}{}

		summary, err := s.Calculate(ctx, sc.UserID, eventID)
		metrics.Recalculation(err == nil)
		if err != nil {
			report.Failures = append(report.Failures, RecalcFailure{UserID: sc.UserID, Err: err})
			continue
		}
		report.Successes = append(report.Successes, *summary)
	}
	return report, nil
}

// EventStats summarises raw attendance for an event.
type EventStats struct {
	TotalRegistered int
	TotalAttended   int
	AttendanceRate  float64
	TotalCheckins   int
	SyncedRecords   int
	RealtimeRecords int
}

// EventStats counts registrations and scans for an event. AttendanceRate is
// the share of registered users with at least one scan.
func (s *Service) EventStats(ctx context.Context, eventID string) (*EventStats, error) {
	if _, err := s.events.GetByID(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}

	registered, err := s.registrations.ListRegisteredUsers(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	scans, err := s.scans.ListForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}

	stats := &EventStats{
		TotalRegistered: len(registered),
		TotalCheckins:   len(scans),
	}
	attendees := make(map[string]struct{})
	for _, sc := range scans {
		attendees[sc.UserID] = struct{}{}
		if sc.Synced {
			stats.SyncedRecords++
		} else {
			stats.RealtimeRecords++
		}
	}
	stats.TotalAttended = len(attendees)
	if stats.TotalRegistered > 0 {
		stats.AttendanceRate = float64(stats.TotalAttended) / float64(stats.TotalRegistered)
	}
	return stats, nil
}
