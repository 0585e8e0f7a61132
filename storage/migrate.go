package storage

import (
	"database/sql"
	"fmt"
	"regexp"
)

var validTablePrefix = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var createLeaseTableSQL = `
CREATE TABLE IF NOT EXISTS %s_lease (
    id            VARCHAR   NOT NULL,
    owner         VARCHAR   NOT NULL,
    expires_at    BIGINT    NOT NULL,
    updated_at    BIGINT    NOT NULL,

    PRIMARY KEY (id)
);`

// ValidateTablePrefix reports whether prefix is safe to interpolate into DDL.
func ValidateTablePrefix(prefix string) error {
	if !validTablePrefix.MatchString(prefix) {
		return ErrInvalidTable
	}
	return nil
}

// Migrate creates the lease table for the given prefix if it does not exist.
func Migrate(db *sql.DB, prefix string) error {
	if err := ValidateTablePrefix(prefix); err != nil {
		return fmt.Errorf("invalid table prefix %q: %w", prefix, err)
	}

	var query = fmt.Sprintf(createLeaseTableSQL, prefix)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create lease table: %w", err)
	}

	return nil
}
