package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/beaconattend/internal/auth"
	"gitea.jw6.us/james/beaconattend/internal/checkin"
	"gitea.jw6.us/james/beaconattend/internal/config"
	httperrors "gitea.jw6.us/james/beaconattend/internal/http/errors"
	"gitea.jw6.us/james/beaconattend/internal/http/ratelimit"
	"gitea.jw6.us/james/beaconattend/internal/metrics"
	"gitea.jw6.us/james/beaconattend/internal/store"
)

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "dev"

// NewRouter wires the health, metrics and check-in routes.
func NewRouter(cfg *config.Config, store *store.Store, verifier auth.KeyVerifier, checkins *checkin.Handler) http.Handler {
	r := chi.NewRouter()

	// Buckets are per API key, falling back to the client IP.
	scannerRateLimiter := ratelimit.New(
		rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, 5*time.Minute, cfg.TrustedProxies,
		ratelimit.WithKeyFunc(func(r *http.Request) string {
			if key, ok := auth.APIKeyFromContext(r.Context()); ok {
				return key.ID
			}
			return ""
		}),
		ratelimit.WithLimitedHandler(func(w http.ResponseWriter, r *http.Request) {
			httperrors.JSONError(w, r, http.StatusTooManyRequests, "Rate limit exceeded")
		}),
	)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", auth.HeaderAPIKey},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httperrors.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UnixMilli(),
			"version":   Version,
		})
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAPIKey(verifier, httperrors.JSONError))
		r.Use(scannerRateLimiter.Middleware())
		checkins.Routes(r)
	})

	return r
}
