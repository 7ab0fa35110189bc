package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pairKey struct {
	userID  string
	eventID string
}

// MemStore is a thread-safe in-memory backend for every repository. It backs
// the memory driver and the package tests of the attendance pipeline.
type MemStore struct {
	mu sync.RWMutex

	users         map[string]User
	events        map[string]Event
	registrations map[pairKey]Registration
	scans         []Scan
	summaries     map[pairKey]AttendanceSummary
	apiKeys       map[string]APIKey
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:         make(map[string]User),
		events:        make(map[string]Event),
		registrations: make(map[pairKey]Registration),
		summaries:     make(map[pairKey]AttendanceSummary),
		apiKeys:       make(map[string]APIKey),
	}
}

// Ping always succeeds.
func (m *MemStore) Ping(context.Context) error { return nil }

// PutUser inserts or replaces a user. Missing ids are generated.
func (m *MemStore) PutUser(u User) User {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
	return u
}

// PutEvent inserts or replaces an event. Missing ids are generated.
func (m *MemStore) PutEvent(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.events[e.ID] = copyEvent(e)
	m.mu.Unlock()
	return e
}

// PutRegistration inserts or replaces the registration for its pair.
func (m *MemStore) PutRegistration(r Registration) {
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.registrations[pairKey{r.UserID, r.EventID}] = r
	m.mu.Unlock()
}

// Scans returns a snapshot of every stored scan in insertion order.
func (m *MemStore) Scans() []Scan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Scan, len(m.scans))
	copy(out, m.scans)
	return out
}

func copyEvent(e Event) Event {
	if e.StartTime != nil {
		t := *e.StartTime
		e.StartTime = &t
	}
	if e.EndTime != nil {
		t := *e.EndTime
		e.EndTime = &t
	}
	return e
}

type memUsers struct{ m *MemStore }

func (r memUsers) GetByID(_ context.Context, id string) (*User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	u, ok := r.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r memUsers) GetByBLEIdentifier(_ context.Context, identifier string) (*User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, u := range r.m.users {
		if u.BLEIdentifier == identifier {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

type memEvents struct{ m *MemStore }

func (r memEvents) GetByID(_ context.Context, id string) (*Event, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	e, ok := r.m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	e = copyEvent(e)
	return &e, nil
}

func (r memEvents) FindByName(_ context.Context, name string) (*Event, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var found *Event
	for _, e := range r.m.events {
		if e.Name != name {
			continue
		}
		if found == nil || e.CreatedAt.Before(found.CreatedAt) || (e.CreatedAt.Equal(found.CreatedAt) && e.ID < found.ID) {
			e := copyEvent(e)
			found = &e
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (r memEvents) ListActive(_ context.Context, limit int) ([]Event, error) {
	r.m.mu.RLock()
	var events []Event
	for _, e := range r.m.events {
		if e.IsActive {
			events = append(events, copyEvent(e))
		}
	}
	r.m.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r memEvents) UpdateWindow(_ context.Context, id string, start, end time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.StartTime == nil || start.Before(*e.StartTime) {
		e.StartTime = &start
	}
	if e.EndTime == nil || end.After(*e.EndTime) {
		e.EndTime = &end
	}
	r.m.events[id] = e
	return nil
}

type memRegistrations struct{ m *MemStore }

func (r memRegistrations) Get(_ context.Context, userID, eventID string) (*Registration, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	reg, ok := r.m.registrations[pairKey{userID, eventID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &reg, nil
}

func (r memRegistrations) ListRegisteredUsers(_ context.Context, eventID string) ([]User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var regs []Registration
	for key, reg := range r.m.registrations {
		if key.eventID == eventID && reg.Active() {
			regs = append(regs, reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].RegisteredAt.Before(regs[j].RegisteredAt) })

	users := make([]User, 0, len(regs))
	for _, reg := range regs {
		if u, ok := r.m.users[reg.UserID]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

type memScans struct{ m *MemStore }

func (r memScans) InsertFirstSeen(_ context.Context, scan Scan) (*Scan, bool, error) {
	return r.insertGuarded(scan, func(Scan) bool { return true })
}

func (r memScans) InsertUnlessRecent(_ context.Context, scan Scan, since time.Time) (*Scan, bool, error) {
	return r.insertGuarded(scan, func(s Scan) bool { return s.ScanTime.After(since) })
}

func (r memScans) insertGuarded(scan Scan, blocks func(Scan) bool) (*Scan, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, s := range r.m.scans {
		if s.UserID == scan.UserID && s.EventID == scan.EventID && blocks(s) {
			return &s, false, nil
		}
	}
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	r.m.scans = append(r.m.scans, scan)
	return &scan, true, nil
}

func (r memScans) ListForPair(_ context.Context, userID, eventID string) ([]Scan, error) {
	return r.filter(func(s Scan) bool { return s.UserID == userID && s.EventID == eventID }), nil
}

func (r memScans) ListForEvent(_ context.Context, eventID string) ([]Scan, error) {
	return r.filter(func(s Scan) bool { return s.EventID == eventID }), nil
}

func (r memScans) filter(keep func(Scan) bool) []Scan {
	r.m.mu.RLock()
	var out []Scan
	for _, s := range r.m.scans {
		if keep(s) {
			out = append(out, s)
		}
	}
	r.m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScanTime.Before(out[j].ScanTime) })
	return out
}

type memSummaries struct{ m *MemStore }

func (r memSummaries) Upsert(_ context.Context, s AttendanceSummary) error {
	r.m.mu.Lock()
	r.m.summaries[pairKey{s.UserID, s.EventID}] = s
	r.m.mu.Unlock()
	return nil
}

func (r memSummaries) Get(_ context.Context, userID, eventID string) (*AttendanceSummary, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	s, ok := r.m.summaries[pairKey{userID, eventID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r memSummaries) ListForEvent(_ context.Context, eventID string) ([]AttendanceSummary, error) {
	r.m.mu.RLock()
	var out []AttendanceSummary
	for key, s := range r.m.summaries {
		if key.eventID == eventID {
			out = append(out, s)
		}
	}
	r.m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttendancePercentage != out[j].AttendancePercentage {
			return out[i].AttendancePercentage > out[j].AttendancePercentage
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

type memAPIKeys struct{ m *MemStore }

func (r memAPIKeys) Create(_ context.Context, key APIKey) (*APIKey, error) {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	r.m.mu.Lock()
	r.m.apiKeys[key.ID] = key
	r.m.mu.Unlock()
	return &key, nil
}

func (r memAPIKeys) GetByID(_ context.Context, id string) (*APIKey, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	k, ok := r.m.apiKeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (r memAPIKeys) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	k, ok := r.m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = &at
	r.m.apiKeys[id] = k
	return nil
}
