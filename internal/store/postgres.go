package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// validID reports whether id can be compared against a UUID column. Anything
// else cannot match a row, so lookups short-circuit to ErrNotFound.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// userRepo implements UserRepository.
type userRepo struct {
	pool PgxPool
}

const userColumns = `id::text, ble_identifier, email, name, created_at`

func scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.BLEIdentifier, &u.Email, &u.Name, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*User, error) {
	defer observeDB(ctx, "db.users.get_by_id")()
	if !validID(id) {
		return nil, ErrNotFound
	}
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	return u, wrapErr("get user", err)
}

func (r *userRepo) GetByBLEIdentifier(ctx context.Context, identifier string) (*User, error) {
	defer observeDB(ctx, "db.users.get_by_ble_identifier")()
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE ble_identifier=$1`, identifier))
	return u, wrapErr("get user by identifier", err)
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool PgxPool
}

const eventColumns = `id::text, name, description, is_active, start_time, end_time, scan_interval_minutes, created_at`

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	if err := row.Scan(&e.ID, &e.Name, &e.Description, &e.IsActive, &e.StartTime, &e.EndTime, &e.ScanIntervalMinutes, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *eventRepo) GetByID(ctx context.Context, id string) (*Event, error) {
	defer observeDB(ctx, "db.events.get_by_id")()
	if !validID(id) {
		return nil, ErrNotFound
	}
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id=$1`, id))
	return e, wrapErr("get event", err)
}

func (r *eventRepo) FindByName(ctx context.Context, name string) (*Event, error) {
	defer observeDB(ctx, "db.events.find_by_name")()
	const q = `SELECT ` + eventColumns + ` FROM events WHERE name=$1 ORDER BY created_at ASC, id ASC LIMIT 1`
	e, err := scanEvent(r.pool.QueryRow(ctx, q, name))
	return e, wrapErr("find event by name", err)
}

func (r *eventRepo) ListActive(ctx context.Context, limit int) ([]Event, error) {
	defer observeDB(ctx, "db.events.list_active")()
	const q = `SELECT ` + eventColumns + ` FROM events WHERE is_active ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, wrapErr("list active events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapErr("scan event", err)
		}
		events = append(events, *e)
	}
	return events, wrapErr("list active events", rows.Err())
}

func (r *eventRepo) UpdateWindow(ctx context.Context, id string, start, end time.Time) error {
	defer observeDB(ctx, "db.events.update_window")()
	if !validID(id) {
		return ErrNotFound
	}
	const q = `UPDATE events
SET start_time = LEAST(COALESCE(start_time, $2), $2),
    end_time = GREATEST(COALESCE(end_time, $3), $3)
WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, id, start, end)
	if err != nil {
		return wrapErr("update event window", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// registrationRepo implements RegistrationRepository.
type registrationRepo struct {
	pool PgxPool
}

func (r *registrationRepo) Get(ctx context.Context, userID, eventID string) (*Registration, error) {
	defer observeDB(ctx, "db.registrations.get")()
	if !validID(userID) || !validID(eventID) {
		return nil, ErrNotFound
	}
	const q = `SELECT user_id::text, event_id::text, status, registered_at
FROM event_registrations WHERE user_id=$1 AND event_id=$2`
	var reg Registration
	var status string
	err := r.pool.QueryRow(ctx, q, userID, eventID).Scan(&reg.UserID, &reg.EventID, &status, &reg.RegisteredAt)
	if err != nil {
		return nil, wrapErr("get registration", err)
	}
	reg.Status = RegistrationStatus(status)
	return &reg, nil
}

func (r *registrationRepo) ListRegisteredUsers(ctx context.Context, eventID string) ([]User, error) {
	defer observeDB(ctx, "db.registrations.list_registered_users")()
	if !validID(eventID) {
		return nil, nil
	}
	const q = `SELECT u.id::text, u.ble_identifier, u.email, u.name, u.created_at
FROM event_registrations r
JOIN users u ON u.id = r.user_id
WHERE r.event_id=$1 AND r.status='registered'
ORDER BY r.registered_at ASC`
	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, wrapErr("list registered users", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrapErr("scan user", err)
		}
		users = append(users, *u)
	}
	return users, wrapErr("list registered users", rows.Err())
}

// scanRepo implements ScanRepository.
type scanRepo struct {
	pool PgxPool
}

const scanColumns = `id::text, user_id::text, event_id::text, scan_time, device_id, scanner_source, signal_strength, is_present, synced, synced_at`

func scanScan(row rowScanner) (*Scan, error) {
	var s Scan
	if err := row.Scan(&s.ID, &s.UserID, &s.EventID, &s.ScanTime, &s.DeviceID, &s.ScannerSource, &s.SignalStrength, &s.IsPresent, &s.Synced, &s.SyncedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *scanRepo) InsertFirstSeen(ctx context.Context, scan Scan) (*Scan, bool, error) {
	defer observeDB(ctx, "db.scans.insert_first_seen")()
	const existing = `SELECT ` + scanColumns + ` FROM attendance
WHERE user_id=$1 AND event_id=$2
ORDER BY scan_time ASC LIMIT 1`
	return r.insertGuarded(ctx, scan, existing, scan.UserID, scan.EventID)
}

func (r *scanRepo) InsertUnlessRecent(ctx context.Context, scan Scan, since time.Time) (*Scan, bool, error) {
	defer observeDB(ctx, "db.scans.insert_unless_recent")()
	const existing = `SELECT ` + scanColumns + ` FROM attendance
WHERE user_id=$1 AND event_id=$2 AND scan_time > $3
ORDER BY scan_time DESC LIMIT 1`
	return r.insertGuarded(ctx, scan, existing, scan.UserID, scan.EventID, since)
}

// insertGuarded runs the existence query and the insert under a
// transaction-scoped advisory lock on the user/event pair, so concurrent
// submissions for the same pair cannot both observe "no scan".
func (r *scanRepo) insertGuarded(ctx context.Context, scan Scan, existingQuery string, args ...any) (*Scan, bool, error) {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, wrapErr("begin scan insert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1 || ':' || $2, 0))`, scan.UserID, scan.EventID); err != nil {
		return nil, false, wrapErr("lock scan pair", err)
	}

	found, err := scanScan(tx.QueryRow(ctx, existingQuery, args...))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, false, wrapErr("commit scan lookup", err)
		}
		return found, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, wrapErr("find existing scan", err)
	}

	const insert = `INSERT INTO attendance (id, user_id, event_id, scan_time, device_id, scanner_source, signal_strength, is_present, synced, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := tx.Exec(ctx, insert, scan.ID, scan.UserID, scan.EventID, scan.ScanTime, scan.DeviceID, scan.ScannerSource, scan.SignalStrength, scan.IsPresent, scan.Synced, scan.SyncedAt); err != nil {
		return nil, false, wrapErr("insert scan", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, wrapErr("commit scan insert", err)
	}
	return &scan, true, nil
}

func (r *scanRepo) ListForPair(ctx context.Context, userID, eventID string) ([]Scan, error) {
	defer observeDB(ctx, "db.scans.list_for_pair")()
	if !validID(userID) || !validID(eventID) {
		return nil, nil
	}
	const q = `SELECT ` + scanColumns + ` FROM attendance WHERE user_id=$1 AND event_id=$2 ORDER BY scan_time ASC`
	return r.list(ctx, "list scans for pair", q, userID, eventID)
}

func (r *scanRepo) ListForEvent(ctx context.Context, eventID string) ([]Scan, error) {
	defer observeDB(ctx, "db.scans.list_for_event")()
	if !validID(eventID) {
		return nil, nil
	}
	const q = `SELECT ` + scanColumns + ` FROM attendance WHERE event_id=$1 ORDER BY scan_time ASC`
	return r.list(ctx, "list scans for event", q, eventID)
}

func (r *scanRepo) list(ctx context.Context, op, q string, args ...any) ([]Scan, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		scans = append(scans, *s)
	}
	return scans, wrapErr(op, rows.Err())
}

// summaryRepo implements SummaryRepository.
type summaryRepo struct {
	pool PgxPool
}

const summaryColumns = `user_id::text, event_id::text, total_scans, present_scans, attendance_percentage, first_seen, last_seen, total_duration_ms, calculated_at`

func scanSummary(row rowScanner) (*AttendanceSummary, error) {
	var s AttendanceSummary
	var durationMS int64
	if err := row.Scan(&s.UserID, &s.EventID, &s.TotalScans, &s.PresentScans, &s.AttendancePercentage, &s.FirstSeen, &s.LastSeen, &durationMS, &s.CalculatedAt); err != nil {
		return nil, err
	}
	s.TotalDuration = time.Duration(durationMS) * time.Millisecond
	return &s, nil
}

func (r *summaryRepo) Upsert(ctx context.Context, s AttendanceSummary) error {
	defer observeDB(ctx, "db.summaries.upsert")()
	const q = `INSERT INTO attendance_summaries (user_id, event_id, total_scans, present_scans, attendance_percentage, first_seen, last_seen, total_duration_ms, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, event_id) DO UPDATE SET
    total_scans = EXCLUDED.total_scans,
    present_scans = EXCLUDED.present_scans,
    attendance_percentage = EXCLUDED.attendance_percentage,
    first_seen = EXCLUDED.first_seen,
    last_seen = EXCLUDED.last_seen,
    total_duration_ms = EXCLUDED.total_duration_ms,
    calculated_at = EXCLUDED.calculated_at`
	_, err := r.pool.Exec(ctx, q, s.UserID, s.EventID, s.TotalScans, s.PresentScans, s.AttendancePercentage, s.FirstSeen, s.LastSeen, s.TotalDuration.Milliseconds(), s.CalculatedAt)
	return wrapErr("upsert summary", err)
}

func (r *summaryRepo) Get(ctx context.Context, userID, eventID string) (*AttendanceSummary, error) {
	defer observeDB(ctx, "db.summaries.get")()
	if !validID(userID) || !validID(eventID) {
		return nil, ErrNotFound
	}
	const q = `SELECT ` + summaryColumns + ` FROM attendance_summaries WHERE user_id=$1 AND event_id=$2`
	s, err := scanSummary(r.pool.QueryRow(ctx, q, userID, eventID))
	return s, wrapErr("get summary", err)
}

func (r *summaryRepo) ListForEvent(ctx context.Context, eventID string) ([]AttendanceSummary, error) {
	defer observeDB(ctx, "db.summaries.list_for_event")()
	if !validID(eventID) {
		return nil, nil
	}
	const q = `SELECT ` + summaryColumns + ` FROM attendance_summaries WHERE event_id=$1 ORDER BY attendance_percentage DESC, user_id ASC`
	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, wrapErr("list summaries", err)
	}
	defer rows.Close()

	var out []AttendanceSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, wrapErr("scan summary", err)
		}
		out = append(out, *s)
	}
	return out, wrapErr("list summaries", rows.Err())
}

// apiKeyRepo implements APIKeyRepository.
type apiKeyRepo struct {
	pool PgxPool
}

func (r *apiKeyRepo) Create(ctx context.Context, key APIKey) (*APIKey, error) {
	defer observeDB(ctx, "db.api_keys.create")()
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	const q = `INSERT INTO api_keys (id, name, key_hash, is_active)
VALUES ($1, $2, $3, $4)
RETURNING created_at`
	if err := r.pool.QueryRow(ctx, q, key.ID, key.Name, key.KeyHash, key.IsActive).Scan(&key.CreatedAt); err != nil {
		return nil, wrapErr("create api key", err)
	}
	return &key, nil
}

func (r *apiKeyRepo) GetByID(ctx context.Context, id string) (*APIKey, error) {
	defer observeDB(ctx, "db.api_keys.get_by_id")()
	if !validID(id) {
		return nil, ErrNotFound
	}
	const q = `SELECT id::text, name, key_hash, is_active, created_at, last_used_at FROM api_keys WHERE id=$1`
	var k APIKey
	if err := r.pool.QueryRow(ctx, q, id).Scan(&k.ID, &k.Name, &k.KeyHash, &k.IsActive, &k.CreatedAt, &k.LastUsedAt); err != nil {
		return nil, wrapErr("get api key", err)
	}
	return &k, nil
}

func (r *apiKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	defer observeDB(ctx, "db.api_keys.touch_last_used")()
	tag, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return wrapErr("touch api key", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch api key %s: %w", id, ErrNotFound)
	}
	return nil
}
