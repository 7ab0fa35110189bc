package attendance

import (
	"testing"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/store"
)

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	mem   *store.MemStore
	st    *store.Store
	svc   *Service
	user  store.User
	event store.Event
}

// newFixture seeds one user registered for one event.
func newFixture(t *testing.T, active bool) *fixture {
	t.Helper()
	mem := store.NewMemStore()
	user := mem.PutUser(store.User{BLEIdentifier: "ble-ada", Email: "ada@example.com", Name: "Ada"})
	event := mem.PutEvent(store.Event{Name: "Hackathon", IsActive: active})
	mem.PutRegistration(store.Registration{UserID: user.ID, EventID: event.ID, Status: store.RegistrationRegistered})

	st := store.NewMemory(mem)
	return &fixture{
		mem:   mem,
		st:    st,
		svc:   NewService(st, WithClock(func() time.Time { return fixedNow })),
		user:  user,
		event: event,
	}
}

func (f *fixture) rebuild(opts ...Option) {
	f.svc = NewService(f.st, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func ms(n int64) time.Time {
	return time.UnixMilli(n).UTC()
}

func (f *fixture) sighting(ts int64) Sighting {
	return Sighting{DeviceIdentifier: f.user.BLEIdentifier, EventRef: f.event.ID, Timestamp: ms(ts)}
}
