package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"
)

// UDPEndpoint is an Endpoint backed by a UDP socket.
type UDPEndpoint struct {
	conn *net.UDPConn
	addr netip.AddrPort
	buf  []byte
}

// ListenUDP binds a UDP endpoint to addr. A zero port picks an ephemeral one.
func ListenUDP(addr netip.AddrPort) (*UDPEndpoint, error) {
	var conn, err = net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	var local = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &UDPEndpoint{
		conn: conn,
		addr: normalize(local),
		buf:  make([]byte, MaxDatagramSize),
	}, nil
}

// LocalAddr returns the bound address.
func (u *UDPEndpoint) LocalAddr() netip.AddrPort {
	return u.addr
}

// Send writes payload as one datagram.
func (u *UDPEndpoint) Send(to netip.AddrPort, payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(payload), MaxDatagramSize)
	}
	if _, err := u.conn.WriteToUDPAddrPort(payload, to); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to send to %s: %w", to, err)
	}
	return nil
}

// Receive reads one datagram, waiting at most timeout.
// Must not be called concurrently.
func (u *UDPEndpoint) Receive(timeout time.Duration) (Datagram, bool, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, false, ErrClosed
		}
		return Datagram{}, false, fmt.Errorf("failed to set read deadline: %w", err)
	}

	var n, from, err = u.conn.ReadFromUDPAddrPort(u.buf)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return Datagram{}, false, nil
		case errors.Is(err, net.ErrClosed):
			return Datagram{}, false, ErrClosed
		}
		return Datagram{}, false, fmt.Errorf("failed to read datagram: %w", err)
	}

	var payload = make([]byte, n)
	copy(payload, u.buf[:n])
	return Datagram{From: normalize(from), Payload: payload}, true, nil
}

// Close closes the socket.
func (u *UDPEndpoint) Close() error {
	return u.conn.Close()
}

// normalize strips IPv4-in-IPv6 mapping so the same peer always maps to
// the same key.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
