package store

import (
	"context"
	"time"
)

// UserRepository resolves users owned by the identity store.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetByBLEIdentifier(ctx context.Context, identifier string) (*User, error)
}

// EventRepository resolves events and patches their observed window.
type EventRepository interface {
	GetByID(ctx context.Context, id string) (*Event, error)
	// FindByName returns the first event whose name matches exactly.
	FindByName(ctx context.Context, name string) (*Event, error)
	ListActive(ctx context.Context, limit int) ([]Event, error)
	// UpdateWindow sets the observed start and end. Implementations must
	// never move StartTime later or EndTime earlier.
	UpdateWindow(ctx context.Context, id string, start, end time.Time) error
}

// RegistrationRepository is the registration ledger.
type RegistrationRepository interface {
	Get(ctx context.Context, userID, eventID string) (*Registration, error)
	ListRegisteredUsers(ctx context.Context, eventID string) ([]User, error)
}

// ScanRepository stores attendance scans. The conditional inserts check and
// write atomically for the (user, event) pair.
type ScanRepository interface {
	// InsertFirstSeen inserts scan unless any scan already exists for the
	// pair. It returns the stored or pre-existing scan and whether it inserted.
	InsertFirstSeen(ctx context.Context, scan Scan) (*Scan, bool, error)
	// InsertUnlessRecent inserts scan unless a scan for the pair has
	// ScanTime after since. It returns the stored or pre-existing scan and
	// whether it inserted.
	InsertUnlessRecent(ctx context.Context, scan Scan, since time.Time) (*Scan, bool, error)
	ListForPair(ctx context.Context, userID, eventID string) ([]Scan, error)
	ListForEvent(ctx context.Context, eventID string) ([]Scan, error)
}

// SummaryRepository stores derived attendance summaries.
type SummaryRepository interface {
	Upsert(ctx context.Context, summary AttendanceSummary) error
	Get(ctx context.Context, userID, eventID string) (*AttendanceSummary, error)
	ListForEvent(ctx context.Context, eventID string) ([]AttendanceSummary, error)
}

// APIKeyRepository handles scanner credential storage.
type APIKeyRepository interface {
	Create(ctx context.Context, key APIKey) (*APIKey, error)
	GetByID(ctx context.Context, id string) (*APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}
