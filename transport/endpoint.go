// Package transport provides best-effort datagram endpoints.
//
// Delivery is not guaranteed: datagrams may be dropped, duplicated or
// reordered. Callers that need liveness rely on leases, not on
// retransmission.
package transport

import (
	"errors"
	"net/netip"
	"time"
)

// MaxDatagramSize is the largest payload a single datagram can carry.
const MaxDatagramSize = 65507

// ErrClosed is returned by operations on a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

// Datagram is a raw payload together with the address it came from.
type Datagram struct {
	From    netip.AddrPort
	Payload []byte
}

// Endpoint sends and receives datagrams keyed by peer address.
type Endpoint interface {
	// LocalAddr returns the address peers use to reach this endpoint.
	LocalAddr() netip.AddrPort

	// Send transmits payload to the given address. A nil error does not
	// mean the datagram was delivered.
	Send(to netip.AddrPort, payload []byte) error

	// Receive waits at most timeout for the next datagram.
	// ok is false when the window elapsed without traffic.
	Receive(timeout time.Duration) (d Datagram, ok bool, err error)

	// Close releases the endpoint. Pending and later calls return ErrClosed.
	Close() error
}
