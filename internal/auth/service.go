package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/metrics"
	"gitea.jw6.us/james/beaconattend/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// HeaderAPIKey carries the scanner credential.
const HeaderAPIKey = "x-api-key"

const keyPrefix = "att_"

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
)

// KeyVerifier checks a presented API key and returns its record.
type KeyVerifier interface {
	Verify(ctx context.Context, key string) (*store.APIKey, error)
}

// Service verifies scanner API keys against the key repository.
type Service struct {
	keys store.APIKeyRepository
	now  func() time.Time
}

func NewService(keys store.APIKeyRepository) *Service {
	return &Service{keys: keys, now: time.Now}
}

// Verify parses key, loads its record and compares the secret with the
// stored bcrypt hash. Any mismatch is reported as ErrInvalidKey; store
// failures are returned wrapped.
func (s *Service) Verify(ctx context.Context, key string) (*store.APIKey, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	id, secret, ok := ParseKey(key)
	if !ok {
		return nil, ErrInvalidKey
	}

	rec, err := s.keys.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if !rec.IsActive {
		return nil, ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.KeyHash), []byte(secret)); err != nil {
		return nil, ErrInvalidKey
	}

	if err := s.keys.TouchLastUsed(ctx, rec.ID, s.now()); err != nil {
		log.Printf("[WARN] update last_used_at for api key %s: %v", rec.ID, err)
	}
	return rec, nil
}

// ParseKey splits "att_<id>.<secret>".
func ParseKey(key string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return "", "", false
	}
	id, secret, found = strings.Cut(rest, ".")
	if !found || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// GeneratedKey is a freshly issued credential. Plaintext is shown once and
// never stored.
type GeneratedKey struct {
	Record    store.APIKey
	Plaintext string
}

// GenerateKey creates a key record for id with a random secret.
func GenerateKey(id, name string) (*GeneratedKey, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}
	return &GeneratedKey{
		Record: store.APIKey{
			ID:       id,
			Name:     name,
			KeyHash:  string(hash),
			IsActive: true,
		},
		Plaintext: keyPrefix + id + "." + secret,
	}, nil
}

// RequireAPIKey rejects requests without a valid x-api-key header and stores
// the verified key in the request context.
func RequireAPIKey(verifier KeyVerifier, deny func(w http.ResponseWriter, r *http.Request, status int, message string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := verifier.Verify(r.Context(), strings.TrimSpace(r.Header.Get(HeaderAPIKey)))
			switch {
			case errors.Is(err, ErrMissingKey):
				metrics.AuthFailure("missing")
				deny(w, r, http.StatusUnauthorized, "Missing API key")
				return
			case errors.Is(err, ErrInvalidKey):
				metrics.AuthFailure("invalid")
				deny(w, r, http.StatusUnauthorized, "Invalid API key")
				return
			case err != nil:
				metrics.AuthFailure("error")
				deny(w, r, http.StatusInternalServerError, "internal server error")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}
