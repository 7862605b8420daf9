package tankring

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"go-tankring/database"
)

// Journal records ring events in PostgreSQL. It is write-only from the
// broker's point of view; the ring is never rebuilt from it.
type Journal struct {
	queries *database.Queries
}

var _ Observer = (*Journal)(nil)

// NewJournal migrates the <name>_ring_events table and returns a journal
// writing to it.
func NewJournal(db *sql.DB, name string) (*Journal, error) {
	if err := database.Migrate(db, name); err != nil {
		return nil, fmt.Errorf("failed to migrate journal %s: %w", name, err)
	}

	return &Journal{
		queries: database.NewQueries(db, name),
	}, nil
}

// ObserveRingEvent appends event to the journal.
func (j *Journal) ObserveRingEvent(ctx context.Context, event RingEvent) error {
	var record = &database.EventRecord{
		EventType:  string(event.Type),
		MemberID:   event.MemberID,
		Addr:       event.Addr.String(),
		RingSize:   event.RingSize,
		OccurredAt: event.At,
	}

	if err := j.queries.InsertEvent(ctx, record); err != nil {
		return fmt.Errorf("failed to journal %s of %s: %w", event.Type, event.MemberID, err)
	}

	return nil
}

// Recent returns the last limit events, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]RingEvent, error) {
	var records, err = j.queries.ListEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return toRingEvents(records)
}

// MemberHistory returns every event recorded for memberID, oldest first.
func (j *Journal) MemberHistory(ctx context.Context, memberID string) ([]RingEvent, error) {
	var records, err = j.queries.ListMemberEvents(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return toRingEvents(records)
}

// Prune deletes events older than before.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	var deleted, err = j.queries.DeleteEventsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return deleted, nil
}

func toRingEvents(records []*database.EventRecord) ([]RingEvent, error) {
	var events = make([]RingEvent, len(records))
	for i, record := range records {
		var addr, err = netip.ParseAddrPort(record.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse address of event %d: %w", record.ID, err)
		}

		events[i] = RingEvent{
			Type:     EventType(record.EventType),
			MemberID: record.MemberID,
			Addr:     addr,
			RingSize: record.RingSize,
			At:       record.OccurredAt,
		}
	}
	return events, nil
}
