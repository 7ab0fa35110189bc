package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/store"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrEventNotFound  = errors.New("event not found")
	ErrEventNotActive = errors.New("event is not active")
	ErrNotRegistered  = errors.New("user not registered for event")
)

// RecordInput is a live check-in from a device.
type RecordInput struct {
	UserID string
	// EventRef is an event id, or a name when no id matches.
	EventRef  string
	Timestamp *time.Time
	SourceTag string
}

// LookupUser resolves a broadcast identifier.
func (s *Service) LookupUser(ctx context.Context, identifier string) (*store.User, error) {
	u, err := s.users.GetByBLEIdentifier(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// Record stores a live check-in and returns the attendance id. A check-in
// within RecentWindow before the timestamp of an existing one for the same
// pair returns the existing id instead of creating a new scan.
func (s *Service) Record(ctx context.Context, in RecordInput) (string, error) {
	ts := s.now()
	if in.Timestamp != nil {
		ts = *in.Timestamp
	}

	ev, err := s.ResolveEvent(ctx, candidateRefs(in.EventRef)...)
	if err != nil {
		return "", err
	}
	if !ev.IsActive {
		return "", ErrEventNotActive
	}

	reg, err := s.registrations.Get(ctx, in.UserID, ev.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load registration: %w", err)
	}
	if !reg.Active() {
		return "", ErrNotRegistered
	}

	scan := store.Scan{
		UserID:    in.UserID,
		EventID:   ev.ID,
		ScanTime:  ts,
		DeviceID:  unknownDevice,
		IsPresent: true,
	}
	if in.SourceTag != "" {
		source := in.SourceTag
		scan.DeviceID = source
		scan.ScannerSource = &source
	}

	stored, _, err := s.scans.InsertUnlessRecent(ctx, scan, ts.Add(-RecentWindow))
	if err != nil {
		return "", fmt.Errorf("record attendance: %w", err)
	}
	return stored.ID, nil
}
