package attendance

import (
	"context"
	"errors"

	"gitea.jw6.us/james/beaconattend/internal/store"
)

// EventRef identifies an event either by id or by exact name.
type EventRef interface {
	eventRef()
}

// EventByID references an event by its id.
type EventByID string

// EventByName references the first event with exactly this name.
type EventByName string

func (EventByID) eventRef()   {}
func (EventByName) eventRef() {}

// candidateRefs expands a raw scanner value into the lookups to try, in order.
func candidateRefs(raw string) []EventRef {
	return []EventRef{EventByID(raw), EventByName(raw)}
}

// ResolveEvent tries each reference in order and returns the first event
// found. It returns ErrEventNotFound when none resolves; other store failures
// are returned as is.
func (s *Service) ResolveEvent(ctx context.Context, refs ...EventRef) (*store.Event, error) {
	for _, ref := range refs {
		var (
			ev  *store.Event
			err error
		)
		switch r := ref.(type) {
		case EventByID:
			if r == "" {
				continue
			}
			ev, err = s.events.GetByID(ctx, string(r))
		case EventByName:
			if r == "" {
				continue
			}
			ev, err = s.events.FindByName(ctx, string(r))
		default:
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, ErrEventNotFound
}
