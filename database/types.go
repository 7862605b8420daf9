package database

import "time"

// EventRecord represents one ring change in the journal.
type EventRecord struct {
	ID         int64
	EventType  string
	MemberID   string
	Addr       string
	RingSize   int
	OccurredAt time.Time
}
