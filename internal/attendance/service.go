// Package attendance turns scanner sightings into attendance records and
// per-user attendance percentages.
package attendance

import (
	"time"

	"gitea.jw6.us/james/beaconattend/internal/store"
)

const (
	// DefaultScanInterval is the expected gap between two sightings of a present user.
	DefaultScanInterval = 5 * time.Minute
	// RecentWindow suppresses repeated live check-ins for the same user and event.
	RecentWindow = 5 * time.Minute
	// unknownDevice is stored when a scanner does not identify itself.
	unknownDevice = "unknown"
)

// Service hosts the ingestion, window, calculation and recording operations.
type Service struct {
	users         store.UserRepository
	events        store.EventRepository
	registrations store.RegistrationRepository
	scans         store.ScanRepository
	summaries     store.SummaryRepository

	interval time.Duration
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithScanInterval overrides the default expected scan interval. Events with
// their own interval still take precedence.
func WithScanInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the service to the repositories of st.
func NewService(st *store.Store, opts ...Option) *Service {
	s := &Service{
		users:         st.Users,
		events:        st.Events,
		registrations: st.Registrations,
		scans:         st.Scans,
		summaries:     st.Summaries,
		interval:      DefaultScanInterval,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// intervalFor returns the expected scan interval for ev.
func (s *Service) intervalFor(ev *store.Event) time.Duration {
	if ev != nil && ev.ScanIntervalMinutes != nil && *ev.ScanIntervalMinutes > 0 {
		return time.Duration(*ev.ScanIntervalMinutes) * time.Minute
	}
	return s.interval
}
