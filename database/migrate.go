package database

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned when a table prefix is not a safe PostgreSQL identifier.
var ErrInvalidName = errors.New("invalid name: must start with a lowercase letter and contain only lowercase letters, digits and underscores")

var validNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var (
	createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_ring_events (
    id            BIGSERIAL     PRIMARY KEY,
    event_type    VARCHAR       NOT NULL,
    member_id     VARCHAR       NOT NULL,
    addr          VARCHAR       NOT NULL,
    ring_size     INTEGER       NOT NULL,
    occurred_at   TIMESTAMPTZ   NOT NULL
);`

	createEventsMemberIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_ring_events (member_id, occurred_at);`
)

// ValidateName checks that name can be used as a table prefix. The table
// suffix is appended, so the prefix leaves room for it within PostgreSQL's
// 63 character identifier limit.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}

	if len(name) > 40 {
		return errors.New("name must be 40 characters or less")
	}

	if !validNamePattern.MatchString(name) {
		return ErrInvalidName
	}

	return nil
}

// Migrate creates the ring events table with its indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := ValidateName(tableName); err != nil {
		return err
	}

	if err := createEventsTable(db, tableName); err != nil {
		return err
	}

	if err := createEventsMemberIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createEventsTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createEventsTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create ring events table: %w", err)
	}
	return nil
}

func createEventsMemberIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_ring_events_member_idx", tableName)
		query     = fmt.Sprintf(createEventsMemberIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create ring events index: %w", err)
	}
	return nil
}
