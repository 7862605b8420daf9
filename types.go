package tankring

import (
	"context"
	"net/netip"
	"time"

	"go-tankring/protocol"
	"go-tankring/secure"
)

// Member is a ring participant as tracked by the broker.
type Member struct {
	ID       string
	Addr     netip.AddrPort
	LastSeen time.Time
}

// EventType classifies a ring change.
type EventType string

const (
	EventJoin    EventType = "join"
	EventRefresh EventType = "refresh"
	EventLeave   EventType = "leave"
	EventEvict   EventType = "evict"
)

// RingEvent describes one membership change, after it was applied.
type RingEvent struct {
	Type     EventType      `json:"type"`
	MemberID string         `json:"member_id"`
	Addr     netip.AddrPort `json:"addr"`
	RingSize int            `json:"ring_size"`
	At       time.Time      `json:"at"`
}

// Observer receives ring events. Errors are logged by the broker and
// never affect the protocol.
type Observer interface {
	ObserveRingEvent(ctx context.Context, event RingEvent) error
}

// Conn is the message transport the broker talks through.
// *secure.Channel satisfies it.
type Conn interface {
	Send(to netip.AddrPort, msg protocol.Message) error
	Receive(ctx context.Context) (secure.Inbound, bool, error)
}

// job is one unit of work for the worker pool.
type job struct {
	inbound secure.Inbound

	// evictBefore is set on lease evictions: the member is only removed
	// if it has still not been seen since this instant.
	evictBefore time.Time
}

func (j job) synthetic() bool {
	return !j.evictBefore.IsZero()
}
