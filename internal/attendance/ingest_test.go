package attendance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gitea.jw6.us/james/beaconattend/internal/store"
)

func TestIngestFirstSeenWithinBatch(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.svc.Ingest(context.Background(), []Sighting{f.sighting(0), f.sighting(100000)})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if res.Processed != 2 || res.Successful != 1 || res.Duplicates != 1 || res.Errors != 0 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if res.Results[0].Outcome != OutcomeSuccess || res.Results[1].Outcome != OutcomeDuplicate {
		t.Fatalf("unexpected outcomes: %+v", res.Results)
	}
	if res.Results[0].AttendanceID != res.Results[1].AttendanceID {
		t.Fatal("expected duplicate to reference the first scan")
	}

	scans := f.mem.Scans()
	if len(scans) != 1 {
		t.Fatalf("expected one scan row, got %d", len(scans))
	}
	sc := scans[0]
	if !sc.ScanTime.Equal(ms(0)) {
		t.Fatalf("expected scanTime 0, got %v", sc.ScanTime)
	}
	if !sc.Synced || sc.SyncedAt == nil || !sc.SyncedAt.Equal(fixedNow) || !sc.IsPresent {
		t.Fatalf("unexpected synced flags: %+v", sc)
	}
	if sc.DeviceID != "unknown" || sc.ScannerSource != nil {
		t.Fatalf("expected unknown device, got %q", sc.DeviceID)
	}
}

func TestIngestResubmissionIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	other := f.mem.PutUser(store.User{BLEIdentifier: "ble-grace", Email: "grace@example.com"})
	f.mem.PutRegistration(store.Registration{UserID: other.ID, EventID: f.event.ID, Status: store.RegistrationRegistered})

	batch := []Sighting{
		f.sighting(1000),
		{DeviceIdentifier: "ble-grace", EventRef: f.event.ID, Timestamp: ms(2000)},
		{DeviceIdentifier: "ble-nobody", EventRef: f.event.ID, Timestamp: ms(3000)},
	}

	first, err := f.svc.Ingest(context.Background(), batch)
	if err != nil {
		t.Fatalf("first Ingest returned error: %v", err)
	}
	rows := len(f.mem.Scans())

	second, err := f.svc.Ingest(context.Background(), batch)
	if err != nil {
		t.Fatalf("second Ingest returned error: %v", err)
	}
	if first.Successful != 2 || second.Successful != 0 || second.Duplicates != first.Successful {
		t.Fatalf("expected duplicates to mirror first successes: first=%+v second=%+v", first, second)
	}
	if got := len(f.mem.Scans()); got != rows {
		t.Fatalf("expected %d rows after resubmission, got %d", rows, got)
	}
}

func TestIngestAtMostOneSyncedScanPerPair(t *testing.T) {
	f := newFixture(t, true)
	for i := 0; i < 5; i++ {
		batch := []Sighting{f.sighting(int64(i) * 60000), f.sighting(int64(i)*60000 + 1)}
		if _, err := f.svc.Ingest(context.Background(), batch); err != nil {
			t.Fatalf("Ingest returned error: %v", err)
		}
	}

	synced := 0
	for _, sc := range f.mem.Scans() {
		if sc.UserID == f.user.ID && sc.EventID == f.event.ID && sc.Synced {
			synced++
		}
	}
	if synced != 1 {
		t.Fatalf("expected exactly one synced scan, got %d", synced)
	}
}

func TestIngestRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture) Sighting
		kind    ErrorKind
		message string
	}{
		{
			name: "unknown identifier",
			setup: func(f *fixture) Sighting {
				return Sighting{DeviceIdentifier: "ble-ghost", EventRef: f.event.ID, Timestamp: ms(1)}
			},
			kind:    KindUserNotFound,
			message: "User not found",
		},
		{
			name: "unknown event",
			setup: func(f *fixture) Sighting {
				return Sighting{DeviceIdentifier: f.user.BLEIdentifier, EventRef: "Nope", Timestamp: ms(1)}
			},
			kind:    KindEventNotFound,
			message: "Event not found",
		},
		{
			name: "unregistered user",
			setup: func(f *fixture) Sighting {
				u := f.mem.PutUser(store.User{BLEIdentifier: "ble-walkin", Email: "walkin@example.com"})
				return Sighting{DeviceIdentifier: u.BLEIdentifier, EventRef: f.event.ID, Timestamp: ms(1)}
			},
			kind:    KindNotRegistered,
			message: "User not registered for event",
		},
		{
			name: "cancelled registration",
			setup: func(f *fixture) Sighting {
				f.mem.PutRegistration(store.Registration{UserID: f.user.ID, EventID: f.event.ID, Status: store.RegistrationCancelled})
				return f.sighting(1)
			},
			kind:    KindNotRegistered,
			message: "User not registered for event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			res, err := f.svc.Ingest(context.Background(), []Sighting{tt.setup(f)})
			if err != nil {
				t.Fatalf("Ingest returned error: %v", err)
			}
			if res.Errors != 1 || res.Successful != 0 || res.Processed != 1 {
				t.Fatalf("unexpected counts: %+v", res)
			}
			got := res.Results[0]
			if got.Outcome != OutcomeError || got.Err == nil {
				t.Fatalf("expected error outcome, got %+v", got)
			}
			if got.Err.Kind != tt.kind || got.Err.Message != tt.message {
				t.Fatalf("expected %s %q, got %s %q", tt.kind, tt.message, got.Err.Kind, got.Err.Message)
			}
			if len(f.mem.Scans()) != 0 {
				t.Fatal("expected no scan to be inserted")
			}
			if len(res.Windows) != 0 {
				t.Fatal("expected rejected sightings not to touch any window")
			}
		})
	}
}

func TestIngestResolvesEventByName(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.svc.Ingest(context.Background(), []Sighting{
		{DeviceIdentifier: f.user.BLEIdentifier, EventRef: "Hackathon", Timestamp: ms(5)},
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if res.Successful != 1 || res.Results[0].EventID != f.event.ID {
		t.Fatalf("expected name to resolve to %s, got %+v", f.event.ID, res.Results[0])
	}
}

// Batch sync accepts sightings for closed events so offline scanners can
// backfill; only the live recorder checks IsActive.
func TestIngestIgnoresEventActivity(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.svc.Ingest(context.Background(), []Sighting{f.sighting(42)})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if res.Successful != 1 {
		t.Fatalf("expected inactive event to accept batch sightings, got %+v", res)
	}
}

func TestIngestRecordsSourceTagAndSignal(t *testing.T) {
	f := newFixture(t, true)
	rssi := -61.5
	s := f.sighting(7)
	s.SourceTag = "door-east"
	s.SignalStrength = &rssi

	if _, err := f.svc.Ingest(context.Background(), []Sighting{s}); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	sc := f.mem.Scans()[0]
	if sc.DeviceID != "door-east" || sc.ScannerSource == nil || *sc.ScannerSource != "door-east" {
		t.Fatalf("expected source tag as device id, got %+v", sc)
	}
	if sc.SignalStrength == nil || *sc.SignalStrength != rssi {
		t.Fatalf("expected signal strength %v, got %v", rssi, sc.SignalStrength)
	}
}

func TestIngestWindowIsMonotonic(t *testing.T) {
	f := newFixture(t, true)
	other := f.mem.PutUser(store.User{BLEIdentifier: "ble-grace", Email: "grace@example.com"})
	f.mem.PutRegistration(store.Registration{UserID: other.ID, EventID: f.event.ID, Status: store.RegistrationRegistered})

	batches := [][]Sighting{
		{f.sighting(50000), f.sighting(60000)},
		{{DeviceIdentifier: "ble-grace", EventRef: f.event.ID, Timestamp: ms(20000)}},
		{f.sighting(90000)},
		{f.sighting(55000)},
	}
	lo, hi := int64(50000), int64(60000)
	for i, batch := range batches {
		if _, err := f.svc.Ingest(context.Background(), batch); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		for _, s := range batch {
			if s.Timestamp.UnixMilli() < lo {
				lo = s.Timestamp.UnixMilli()
			}
			if s.Timestamp.UnixMilli() > hi {
				hi = s.Timestamp.UnixMilli()
			}
		}
		ev, err := f.st.Events.GetByID(context.Background(), f.event.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if ev.StartTime == nil || ev.EndTime == nil {
			t.Fatalf("batch %d: expected window to be set", i)
		}
		if ev.StartTime.UnixMilli() > lo || ev.EndTime.UnixMilli() < hi {
			t.Fatalf("batch %d: window %d-%d does not cover %d-%d", i, ev.StartTime.UnixMilli(), ev.EndTime.UnixMilli(), lo, hi)
		}
	}
}

type failingUsers struct {
	err error
}

func (f failingUsers) GetByID(context.Context, string) (*store.User, error) { return nil, f.err }
func (f failingUsers) GetByBLEIdentifier(context.Context, string) (*store.User, error) {
	return nil, f.err
}

func TestIngestAbortsWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t, true)
	f.st.Users = failingUsers{err: fmt.Errorf("get user by identifier: %w: dial tcp: refused", store.ErrUnavailable)}
	f.rebuild()

	_, err := f.svc.Ingest(context.Background(), []Sighting{f.sighting(1)})
	if !store.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestIngestReportsUnexpectedErrorsPerRecord(t *testing.T) {
	f := newFixture(t, true)
	f.st.Users = failingUsers{err: errors.New("malformed identifier")}
	f.rebuild()

	res, err := f.svc.Ingest(context.Background(), []Sighting{f.sighting(1)})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if res.Errors != 1 || res.Results[0].Err.Kind != KindUnknown || res.Results[0].Err.Message != "malformed identifier" {
		t.Fatalf("unexpected result: %+v", res.Results[0])
	}
}

func TestIngestStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.svc.Ingest(ctx, []Sighting{f.sighting(1)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(f.mem.Scans()) != 0 {
		t.Fatal("expected nothing recorded")
	}
}

func TestTouchedEventsSorted(t *testing.T) {
	res := &BatchResult{Windows: map[string]Window{"b": {}, "a": {}, "c": {}}}
	got := res.TouchedEvents()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected order: %v", got)
	}
}
