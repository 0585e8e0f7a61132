// Package storage provides the pluggable lease-record backends the election
// engine arbitrates leadership through. Every implementation satisfies the
// same contract: an atomic acquire over an absent or expired record, an
// owner-fenced renewal, and unconditional release.
package storage

import (
	"context"
	"errors"
	"time"
)

// RecordKey is the well-known identifier of the single lease record a
// backend arbitrates. At most one record exists per backend at any time.
const RecordKey = "current-leader"

// ErrInvalidTable is returned when a table prefix contains characters that
// are unsafe to interpolate into DDL.
var ErrInvalidTable = errors.New("table prefix must contain only lowercase letters, numbers, and underscores, and start with a letter")

// Record is the shared lease record: who holds the lease and until when.
type Record struct {
	Owner     string
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the lease had lapsed before the given instant.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// Backend arbitrates the single shared lease record.
//
// TryAcquire and Renew report a lost race as (false, nil); an error means the
// operation itself failed, which callers treat the same as a loss. Nothing a
// backend returns is fatal to an election run.
type Backend interface {
	// TryAcquire claims the lease for nodeID iff no record exists or the
	// existing record expired before now. Exactly one of any set of callers
	// racing for an absent or expired record succeeds; the rest see false
	// and an unchanged record.
	TryAcquire(ctx context.Context, nodeID string, now time.Time) (bool, error)

	// Renew extends the lease iff the current record is owned by nodeID.
	// On failure the record is left untouched.
	Renew(ctx context.Context, nodeID string, now time.Time) (bool, error)

	// Release deletes the record unconditionally. Idempotent.
	Release(ctx context.Context) error

	// Reset clears all backend state at the start of a run, creating any
	// storage the backend needs on the way.
	Reset(ctx context.Context) error

	// Get returns the current record, or nil when none exists. Whether an
	// expired record is still visible depends on the implementation.
	Get(ctx context.Context) (*Record, error)

	// Close releases run-scoped resources the backend owns. Connections
	// passed in at construction stay open; they belong to the caller.
	Close() error
}
