package store

import (
	"context"
	"time"

	"gitea.jw6.us/james/beaconattend/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool represents the subset of pgxpool.Pool used by the repositories and
// the migration runner. Tests supply lightweight mocks.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Store aggregates the repositories used by the attendance pipeline.
type Store struct {
	health pinger

	Users         UserRepository
	Events        EventRepository
	Registrations RegistrationRepository
	Scans         ScanRepository
	Summaries     SummaryRepository
	APIKeys       APIKeyRepository
}

// New wires the PostgreSQL repositories around a shared pool.
func New(pool PgxPool) *Store {
	return &Store{
		health:        pool,
		Users:         &userRepo{pool: pool},
		Events:        &eventRepo{pool: pool},
		Registrations: &registrationRepo{pool: pool},
		Scans:         &scanRepo{pool: pool},
		Summaries:     &summaryRepo{pool: pool},
		APIKeys:       &apiKeyRepo{pool: pool},
	}
}

// NewMemory wires every repository to a single in-memory backend.
func NewMemory(mem *MemStore) *Store {
	return &Store{
		health:        mem,
		Users:         memUsers{mem},
		Events:        memEvents{mem},
		Registrations: memRegistrations{mem},
		Scans:         memScans{mem},
		Summaries:     memSummaries{mem},
		APIKeys:       memAPIKeys{mem},
	}
}

// HealthCheck verifies that the underlying store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.health == nil {
		return nil
	}
	defer observeDB(ctx, "db.healthcheck")()
	return s.health.Ping(ctx)
}

// observeDB times a repository operation; use as defer observeDB(ctx, op)().
func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
