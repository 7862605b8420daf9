package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	insertEventSQL = `
INSERT INTO %s_ring_events (event_type, member_id, addr, ring_size, occurred_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id;`

	listEventsSQL = `
SELECT id, event_type, member_id, addr, ring_size, occurred_at
FROM (
    SELECT id, event_type, member_id, addr, ring_size, occurred_at
    FROM %s_ring_events
    ORDER BY id DESC
    LIMIT $1
) latest
ORDER BY id ASC;`

	listMemberEventsSQL = `
SELECT id, event_type, member_id, addr, ring_size, occurred_at
FROM %s_ring_events
WHERE member_id = $1
ORDER BY id ASC;`

	deleteEventsBeforeSQL = `
DELETE FROM %s_ring_events
WHERE occurred_at < $1;`
)

// InsertEvent appends an event and sets its ID.
func (q *Queries) InsertEvent(ctx context.Context, event *EventRecord) error {
	var query = fmt.Sprintf(insertEventSQL, q.tableName)
	var err = q.db.QueryRowContext(ctx, query,
		event.EventType, event.MemberID, event.Addr, event.RingSize, event.OccurredAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert ring event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent limit events, oldest first.
func (q *Queries) ListEvents(ctx context.Context, limit int) ([]*EventRecord, error) {
	var (
		query     = fmt.Sprintf(listEventsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, limit)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ring events: %w", err)
	}
	return scanEvents(rows)
}

// ListMemberEvents returns every event recorded for memberID, oldest first.
// Ids are reused, so the result may span several memberships.
func (q *Queries) ListMemberEvents(ctx context.Context, memberID string) ([]*EventRecord, error) {
	var (
		query     = fmt.Sprintf(listMemberEventsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, memberID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events of member %s: %w", memberID, err)
	}
	return scanEvents(rows)
}

// DeleteEventsBefore removes events older than before and returns how many were removed.
func (q *Queries) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	var query = fmt.Sprintf(deleteEventsBeforeSQL, q.tableName)
	result, err := q.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ring events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted ring events: %w", err)
	}
	return deleted, nil
}

func scanEvents(rows *sql.Rows) ([]*EventRecord, error) {
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var event EventRecord
		if err := rows.Scan(&event.ID, &event.EventType, &event.MemberID, &event.Addr, &event.RingSize, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan ring event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}
