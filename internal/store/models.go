package store

import "time"

// User is a person whose device broadcasts a BLE identifier.
type User struct {
	ID            string
	BLEIdentifier string
	Email         string
	Name          string
	CreatedAt     time.Time
}

// Event is something attendance is recorded for. StartTime and EndTime are
// observed from scan timestamps rather than scheduled.
type Event struct {
	ID                  string
	Name                string
	Description         *string
	IsActive            bool
	StartTime           *time.Time
	EndTime             *time.Time
	ScanIntervalMinutes *int
	CreatedAt           time.Time
}

// RegistrationStatus is the state of a user's registration for an event.
type RegistrationStatus string

const (
	RegistrationRegistered RegistrationStatus = "registered"
	RegistrationCancelled  RegistrationStatus = "cancelled"
)

// Registration links a user to an event. There is exactly one per pair.
type Registration struct {
	UserID       string
	EventID      string
	Status       RegistrationStatus
	RegisteredAt time.Time
}

// Active reports whether attendance may be recorded against the registration.
func (r *Registration) Active() bool {
	return r != nil && r.Status == RegistrationRegistered
}

// Scan is a single recorded sighting of a user at an event.
type Scan struct {
	ID             string
	UserID         string
	EventID        string
	ScanTime       time.Time
	DeviceID       string
	ScannerSource  *string
	SignalStrength *float64
	IsPresent      bool
	Synced         bool
	SyncedAt       *time.Time
}

// AttendanceSummary is the cached percentage calculation for a user/event pair.
type AttendanceSummary struct {
	UserID               string
	EventID              string
	TotalScans           int
	PresentScans         int
	AttendancePercentage float64
	FirstSeen            *time.Time
	LastSeen             *time.Time
	TotalDuration        time.Duration
	CalculatedAt         time.Time
}

// APIKey is a scanner credential. Only a bcrypt hash of the secret is kept.
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
