package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates a missing record.
var ErrNotFound = errors.New("record not found")

// ErrUnavailable indicates the backing store could not be reached. Callers
// treat it as fatal for the whole request.
var ErrUnavailable = errors.New("store unavailable")

// IsUnavailable reports whether err stems from a connectivity failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// wrapErr maps driver errors onto the package sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
