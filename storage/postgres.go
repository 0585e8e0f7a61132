package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	takeoverLeaseSQL = `
UPDATE %s_lease
SET owner = $1, expires_at = $2, updated_at = $3
WHERE id = $4 AND expires_at < $5;`

	insertLeaseSQL = `
INSERT INTO %s_lease (id, owner, expires_at, updated_at)
VALUES ($1, $2, $3, $4);`

	renewLeaseSQL = `
UPDATE %s_lease
SET expires_at = $1, updated_at = $2
WHERE id = $3 AND owner = $4;`

	deleteLeaseSQL = `
DELETE FROM %s_lease
WHERE id = $1;`

	getLeaseSQL = `
SELECT owner, expires_at, updated_at
FROM %s_lease
WHERE id = $1;`
)

// Postgres arbitrates the lease record with conditional writes: a takeover
// update that only matches an expired record, then a plain insert whose
// uniqueness conflict signals a lost race. Expiry instants are stored as
// epoch milliseconds and compared against the caller's clock.
type Postgres struct {
	db            *sql.DB
	prefix        string
	leaseDuration time.Duration
}

// Compile-time check that Postgres satisfies the Backend contract.
var _ Backend = (*Postgres)(nil)

// NewPostgres creates a backend over the given connection pool. The pool is
// owned by the caller and survives Close.
func NewPostgres(db *sql.DB, prefix string, leaseDuration time.Duration) (*Postgres, error) {
	if err := ValidateTablePrefix(prefix); err != nil {
		return nil, fmt.Errorf("invalid table prefix %q: %w", prefix, err)
	}

	return &Postgres{
		db:            db,
		prefix:        prefix,
		leaseDuration: leaseDuration,
	}, nil
}

// TryAcquire first tries to take over an expired record with a conditional
// update, then falls back to inserting a fresh one. Row locking serializes
// the update, and the primary key serializes the insert, so exactly one of
// any set of racing callers wins.
func (p *Postgres) TryAcquire(ctx context.Context, nodeID string, now time.Time) (bool, error) {
	var (
		query     = fmt.Sprintf(takeoverLeaseSQL, p.prefix)
		expiresAt = now.Add(p.leaseDuration).UnixMilli()
		res, err  = p.db.ExecContext(ctx, query, nodeID, expiresAt, now.UnixMilli(), RecordKey, now.UnixMilli())
	)
	if err != nil {
		return false, fmt.Errorf("failed to take over lease: %w", err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if updated > 0 {
		return true, nil
	}

	// No expired record to take over, so try to create one. A racing insert
	// surfaces as a uniqueness conflict, which means the lease went to
	// someone else, not that anything is broken.
	query = fmt.Sprintf(insertLeaseSQL, p.prefix)
	if _, err := p.db.ExecContext(ctx, query, RecordKey, nodeID, expiresAt, now.UnixMilli()); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert lease: %w", err)
	}

	return true, nil
}

// Renew extends the record's expiry iff it is still owned by nodeID.
func (p *Postgres) Renew(ctx context.Context, nodeID string, now time.Time) (bool, error) {
	var (
		query     = fmt.Sprintf(renewLeaseSQL, p.prefix)
		expiresAt = now.Add(p.leaseDuration).UnixMilli()
		res, err  = p.db.ExecContext(ctx, query, expiresAt, now.UnixMilli(), RecordKey, nodeID)
	)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return updated > 0, nil
}

// Release deletes the record. Deleting an absent record is not an error.
func (p *Postgres) Release(ctx context.Context) error {
	var query = fmt.Sprintf(deleteLeaseSQL, p.prefix)
	if _, err := p.db.ExecContext(ctx, query, RecordKey); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

// Reset creates the lease table if needed and removes any leftover record.
func (p *Postgres) Reset(ctx context.Context) error {
	if err := Migrate(p.db, p.prefix); err != nil {
		return err
	}
	return p.Release(ctx)
}

// Get retrieves the current record, expired or not.
func (p *Postgres) Get(ctx context.Context) (*Record, error) {
	var (
		query     = fmt.Sprintf(getLeaseSQL, p.prefix)
		owner     string
		expiresAt int64
		updatedAt int64
		err       = p.db.QueryRowContext(ctx, query, RecordKey).Scan(&owner, &expiresAt, &updatedAt)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	return &Record{
		Owner:     owner,
		ExpiresAt: time.UnixMilli(expiresAt),
		UpdatedAt: time.UnixMilli(updatedAt),
	}, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (p *Postgres) Close() error {
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
