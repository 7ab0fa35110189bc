package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/store"
)

func TestCalculateWithoutObservedWindow(t *testing.T) {
	f := newFixture(t, true)
	for _, ts := range []int64{10, 20, 30} {
		if _, _, err := f.st.Scans.InsertUnlessRecent(context.Background(), store.Scan{
			UserID: f.user.ID, EventID: f.event.ID, ScanTime: ms(ts), IsPresent: true,
		}, ms(ts)); err != nil {
			t.Fatalf("seed scan: %v", err)
		}
	}

	sum, err := f.svc.Calculate(context.Background(), f.user.ID, f.event.ID)
	if err != nil {
		t.Fatalf("Calculate returned error: %v", err)
	}
	if sum.TotalScans != 1 || sum.PresentScans != 3 || sum.AttendancePercentage != 100 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if !sum.FirstSeen.Equal(ms(10)) || !sum.LastSeen.Equal(ms(30)) {
		t.Fatalf("unexpected first/last seen: %v %v", sum.FirstSeen, sum.LastSeen)
	}
	if sum.TotalDuration != 20*time.Millisecond {
		t.Fatalf("expected 20ms observed span, got %v", sum.TotalDuration)
	}
	if !sum.CalculatedAt.Equal(fixedNow) {
		t.Fatalf("expected calculatedAt %v, got %v", fixedNow, sum.CalculatedAt)
	}

	stored, err := f.st.Summaries.Get(context.Background(), f.user.ID, f.event.ID)
	if err != nil {
		t.Fatalf("expected stored summary: %v", err)
	}
	if stored.AttendancePercentage != 100 {
		t.Fatalf("unexpected stored summary: %+v", stored)
	}
}

func TestCalculateZeroSummaryIsStored(t *testing.T) {
	f := newFixture(t, true)

	sum, err := f.svc.Calculate(context.Background(), f.user.ID, f.event.ID)
	if err != nil {
		t.Fatalf("Calculate returned error: %v", err)
	}
	if sum.TotalScans != 0 || sum.PresentScans != 0 || sum.AttendancePercentage != 0 || sum.FirstSeen != nil || sum.LastSeen != nil || sum.TotalDuration != 0 {
		t.Fatalf("expected zero summary, got %+v", sum)
	}
	if _, err := f.st.Summaries.Get(context.Background(), f.user.ID, f.event.ID); err != nil {
		t.Fatalf("expected zero summary to be upserted: %v", err)
	}
}

func TestCalculateMissingEvent(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.svc.Calculate(context.Background(), f.user.ID, "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	start := ms(0)
	hour := ms(60 * 60 * 1000)
	tenMinutes := 10

	scansAt := func(minutes ...int) []store.Scan {
		var out []store.Scan
		for _, m := range minutes {
			out = append(out, store.Scan{ScanTime: start.Add(time.Duration(m) * time.Minute)})
		}
		return out
	}

	tests := []struct {
		name     string
		event    store.Event
		scans    []store.Scan
		expected int
		present  int
		pct      float64
		duration time.Duration
	}{
		{
			name:     "partial attendance over observed hour",
			event:    store.Event{StartTime: &start, EndTime: &hour},
			scans:    scansAt(0, 5, 10),
			expected: 12,
			present:  3,
			pct:      25,
			duration: 10 * time.Minute,
		},
		{
			name:     "over scanning capped",
			event:    store.Event{StartTime: &start, EndTime: &hour},
			scans:    scansAt(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13),
			expected: 12,
			present:  14,
			pct:      100,
			duration: 13 * time.Minute,
		},
		{
			name:     "exactly expected",
			event:    store.Event{StartTime: &start, EndTime: &hour},
			scans:    scansAt(0, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55),
			expected: 12,
			present:  12,
			pct:      100,
			duration: 55 * time.Minute,
		},
		{
			name:     "event interval overrides default",
			event:    store.Event{StartTime: &start, EndTime: &hour, ScanIntervalMinutes: &tenMinutes},
			scans:    scansAt(0, 30),
			expected: 6,
			present:  2,
			pct:      float64(2) / 6 * 100,
			duration: 30 * time.Minute,
		},
		{
			name:     "window falls back to scans",
			event:    store.Event{},
			scans:    scansAt(40, 0, 20),
			expected: 8,
			present:  3,
			pct:      37.5,
			duration: 40 * time.Minute,
		},
	}

	f := newFixture(t, true)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summarize(&tt.event, "u1", tt.scans, f.svc.intervalFor(&tt.event), fixedNow)
			if got.TotalScans != tt.expected || got.PresentScans != tt.present {
				t.Fatalf("expected %d/%d, got %d/%d", tt.present, tt.expected, got.PresentScans, got.TotalScans)
			}
			if got.AttendancePercentage != tt.pct {
				t.Fatalf("expected %.4f%%, got %.4f%%", tt.pct, got.AttendancePercentage)
			}
			if got.TotalDuration != tt.duration {
				t.Fatalf("expected observed span %v, got %v", tt.duration, got.TotalDuration)
			}
			if got.AttendancePercentage < 0 || got.AttendancePercentage > 100 {
				t.Fatalf("percentage out of bounds: %v", got.AttendancePercentage)
			}
			if (got.AttendancePercentage == 100) != (got.PresentScans >= got.TotalScans) {
				t.Fatalf("100%% must coincide with present >= expected: %+v", got)
			}
		})
	}
}

func TestRecalculateEventCollectsFailures(t *testing.T) {
	f := newFixture(t, true)
	other := f.mem.PutUser(store.User{BLEIdentifier: "ble-grace", Email: "grace@example.com"})
	f.mem.PutRegistration(store.Registration{UserID: other.ID, EventID: f.event.ID, Status: store.RegistrationRegistered})

	_, err := f.svc.Ingest(context.Background(), []Sighting{
		f.sighting(0),
		{DeviceIdentifier: "ble-grace", EventRef: f.event.ID, Timestamp: ms(600000)},
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	f.st.Summaries = failingSummaries{fail: other.ID, SummaryRepository: f.st.Summaries}
	f.rebuild()

	report, err := f.svc.RecalculateEvent(context.Background(), f.event.ID)
	if err != nil {
		t.Fatalf("RecalculateEvent returned error: %v", err)
	}
	if len(report.Successes) != 1 || report.Successes[0].UserID != f.user.ID {
		t.Fatalf("unexpected successes: %+v", report.Successes)
	}
	if len(report.Failures) != 1 || report.Failures[0].UserID != other.ID {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
	// Window 0..600000 spans two intervals; one scan each.
	if got := report.Successes[0]; got.TotalScans != 2 || got.AttendancePercentage != 50 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

type failingSummaries struct {
	store.SummaryRepository
	fail string
}

func (f failingSummaries) Upsert(ctx context.Context, s store.AttendanceSummary) error {
	if s.UserID == f.fail {
		return errors.New("write conflict")
	}
	return f.SummaryRepository.Upsert(ctx, s)
}

func TestEventStats(t *testing.T) {
	f := newFixture(t, true)
	other := f.mem.PutUser(store.User{BLEIdentifier: "ble-grace", Email: "grace@example.com"})
	f.mem.PutRegistration(store.Registration{UserID: other.ID, EventID: f.event.ID, Status: store.RegistrationRegistered})

	if _, err := f.svc.Ingest(context.Background(), []Sighting{f.sighting(0)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := f.svc.Record(context.Background(), RecordInput{UserID: f.user.ID, EventRef: f.event.ID}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	stats, err := f.svc.EventStats(context.Background(), f.event.ID)
	if err != nil {
		t.Fatalf("EventStats returned error: %v", err)
	}
	want := EventStats{TotalRegistered: 2, TotalAttended: 1, AttendanceRate: 0.5, TotalCheckins: 2, SyncedRecords: 1, RealtimeRecords: 1}
	if *stats != want {
		t.Fatalf("expected %+v, got %+v", want, *stats)
	}

	if _, err := f.svc.EventStats(context.Background(), "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}
