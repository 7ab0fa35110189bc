package attendance

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/metrics"
	"gitea.jw6.us/james/beaconattend/internal/store"
)

// Sighting is one detection of a broadcast identifier reported by a scanner.
type Sighting struct {
	DeviceIdentifier string
	// EventRef is the raw event value sent by the scanner, an id or a name.
	EventRef       string
	Timestamp      time.Time
	SourceTag      string
	SignalStrength *float64
}

// Outcome classifies the processing of one sighting.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// ErrorKind classifies a rejected sighting.
type ErrorKind string

const (
	KindUserNotFound  ErrorKind = "UserNotFound"
	KindEventNotFound ErrorKind = "EventNotFound"
	KindNotRegistered ErrorKind = "NotRegistered"
	KindUnknown       ErrorKind = "Unknown"
	// KindInvalidRecord marks a record rejected before ingestion because a
	// required field was missing.
	KindInvalidRecord ErrorKind = "InvalidRecord"
)

// RecordError describes why a single sighting was rejected.
type RecordError struct {
	Kind    ErrorKind
	Message string
}

func (e *RecordError) Error() string { return e.Message }

var (
	errUserNotFound  = &RecordError{Kind: KindUserNotFound, Message: "User not found"}
	errEventNotFound = &RecordError{Kind: KindEventNotFound, Message: "Event not found"}
	errNotRegistered = &RecordError{Kind: KindNotRegistered, Message: "User not registered for event"}
)

// RecordResult is the outcome of one sighting, in input order.
type RecordResult struct {
	DeviceIdentifier string
	EventID          string
	Outcome          Outcome
	AttendanceID     string
	Err              *RecordError
}

// BatchResult aggregates a whole batch. Windows holds the observed span per
// event touched by a successful or duplicate sighting.
type BatchResult struct {
	Processed  int
	Successful int
	Duplicates int
	Errors     int
	Results    []RecordResult
	Windows    map[string]Window
}

// TouchedEvents returns the ids of events with successful or duplicate
// sightings, sorted.
func (b *BatchResult) TouchedEvents() []string {
	ids := make([]string, 0, len(b.Windows))
	for id := range b.Windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *BatchResult) add(r RecordResult, ts time.Time) {
	b.Processed++
	b.Results = append(b.Results, r)
	switch r.Outcome {
	case OutcomeSuccess:
		b.Successful++
	case OutcomeDuplicate:
		b.Duplicates++
	default:
		b.Errors++
		metrics.RecordOutcome(string(r.Err.Kind))
		return
	}
	metrics.RecordOutcome(string(r.Outcome))

	if w, ok := b.Windows[r.EventID]; ok {
		w.include(ts)
		b.Windows[r.EventID] = w
	} else {
		b.Windows[r.EventID] = Window{Min: ts, Max: ts}
	}
}

// Ingest processes sightings sequentially so later sightings observe the
// inserts of earlier ones. Rejected sightings are reported in the result and
// never stop the batch. A store outage or a cancelled context aborts the
// batch with an error; sightings already recorded stay recorded.
//
// Once all sightings are processed the observed window of every touched event
// is expanded. Window failures are logged and do not fail the batch.
func (s *Service) Ingest(ctx context.Context, sightings []Sighting) (*BatchResult, error) {
	metrics.ObserveBatch(len(sightings))
	result := &BatchResult{
		Results: make([]RecordResult, 0, len(sightings)),
		Windows: make(map[string]Window),
	}

	for _, sighting := range sightings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.ingestOne(ctx, sighting)
		if err != nil {
			return nil, err
		}
		result.add(rec, sighting.Timestamp)
	}

	for _, eventID := range result.TouchedEvents() {
		if _, err := s.ExpandEventWindow(ctx, eventID, result.Windows[eventID]); err != nil {
			log.Printf("[WARN] expand window for event %s: %v", eventID, err)
		}
	}
	return result, nil
}

// ingestOne returns an error only when the whole batch must stop.
func (s *Service) ingestOne(ctx context.Context, sighting Sighting) (RecordResult, error) {
	res := RecordResult{DeviceIdentifier: sighting.DeviceIdentifier, Outcome: OutcomeError}

	user, err := s.users.GetByBLEIdentifier(ctx, sighting.DeviceIdentifier)
	if err != nil {
		return s.reject(ctx, res, err, errUserNotFound)
	}

	ev, err := s.ResolveEvent(ctx, candidateRefs(sighting.EventRef)...)
	if err != nil {
		return s.reject(ctx, res, err, errEventNotFound)
	}
	res.EventID = ev.ID

	reg, err := s.registrations.Get(ctx, user.ID, ev.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return s.reject(ctx, res, err, nil)
	}
	if !reg.Active() {
		res.Err = errNotRegistered
		return res, nil
	}

	syncedAt := s.now()
	scan := store.Scan{
		UserID:         user.ID,
		EventID:        ev.ID,
		ScanTime:       sighting.Timestamp,
		DeviceID:       unknownDevice,
		SignalStrength: sighting.SignalStrength,
		IsPresent:      true,
		Synced:         true,
		SyncedAt:       &syncedAt,
	}
	if sighting.SourceTag != "" {
		source := sighting.SourceTag
		scan.DeviceID = source
		scan.ScannerSource = &source
	}

	stored, inserted, err := s.scans.InsertFirstSeen(ctx, scan)
	if err != nil {
		return s.reject(ctx, res, err, nil)
	}
	res.AttendanceID = stored.ID
	if inserted {
		res.Outcome = OutcomeSuccess
	} else {
		res.Outcome = OutcomeDuplicate
	}
	return res, nil
}

// reject classifies err for one sighting. notFound is used when err is
// store.ErrNotFound or ErrEventNotFound; anything else becomes KindUnknown.
// Outages and cancellation are returned as batch-fatal.
func (s *Service) reject(ctx context.Context, res RecordResult, err error, notFound *RecordError) (RecordResult, error) {
	if store.IsUnavailable(err) || ctx.Err() != nil {
		return res, err
	}
	if notFound != nil && (errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrEventNotFound)) {
		res.Err = notFound
		return res, nil
	}
	res.Err = &RecordError{Kind: KindUnknown, Message: err.Error()}
	return res, nil
}
