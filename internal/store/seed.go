package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Seed is the on-disk fixture format for the memory driver. API keys carry the
// bcrypt hash printed by the apikey command, never the plaintext.
type Seed struct {
	Users         []User         `json:"users"`
	Events        []Event        `json:"events"`
	Registrations []Registration `json:"registrations"`
	APIKeys       []APIKey       `json:"apiKeys"`
}

// LoadSeed reads a JSON seed file into mem.
func LoadSeed(mem *MemStore, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return mem.Apply(seed)
}

// Apply loads every record of seed, validating references between them.
func (m *MemStore) Apply(seed Seed) error {
	for _, u := range seed.Users {
		if u.BLEIdentifier == "" {
			return fmt.Errorf("seed user %q: missing bleIdentifier", u.ID)
		}
		m.PutUser(u)
	}
	for _, e := range seed.Events {
		m.PutEvent(e)
	}
	for _, r := range seed.Registrations {
		m.mu.RLock()
		_, userOK := m.users[r.UserID]
		_, eventOK := m.events[r.EventID]
		m.mu.RUnlock()
		if !userOK || !eventOK {
			return fmt.Errorf("seed registration %s/%s: unknown user or event", r.UserID, r.EventID)
		}
		if r.Status == "" {
			r.Status = RegistrationRegistered
		}
		m.PutRegistration(r)
	}
	keys := memAPIKeys{m}
	for _, k := range seed.APIKeys {
		if k.ID == "" || k.KeyHash == "" {
			return fmt.Errorf("seed api key %q: id and keyHash are required", k.Name)
		}
		if k.CreatedAt.IsZero() {
			k.CreatedAt = time.Now().UTC()
		}
		if _, err := keys.Create(context.Background(), k); err != nil {
			return err
		}
	}
	return nil
}
