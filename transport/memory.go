package transport

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

const memoryInboxSize = 256

// Network is an in-process datagram fabric. Endpoints created from the
// same Network can reach each other; anything else is silently dropped.
type Network struct {
	mu        sync.RWMutex
	endpoints map[netip.AddrPort]*MemoryEndpoint
	nextPort  uint16
	tap       func(from, to netip.AddrPort, payload []byte)
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[netip.AddrPort]*MemoryEndpoint),
		nextPort:  40000,
	}
}

// Tap registers fn to observe every datagram handed to the network,
// including ones that are dropped.
func (n *Network) Tap(fn func(from, to netip.AddrPort, payload []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tap = fn
}

// Listen creates an endpoint at addr. A zero addr picks 127.0.0.1 and a
// free port.
func (n *Network) Listen(addr netip.AddrPort) (*MemoryEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !addr.IsValid() {
		for {
			n.nextPort++
			addr = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), n.nextPort)
			if _, taken := n.endpoints[addr]; !taken {
				break
			}
		}
	}

	if _, taken := n.endpoints[addr]; taken {
		return nil, fmt.Errorf("address %s already in use", addr)
	}

	var ep = &MemoryEndpoint{
		network: n,
		addr:    addr,
		inbox:   make(chan Datagram, memoryInboxSize),
		closed:  make(chan struct{}),
	}
	n.endpoints[addr] = ep
	return ep, nil
}

func (n *Network) deliver(from, to netip.AddrPort, payload []byte) {
	n.mu.RLock()
	var (
		target, found = n.endpoints[to]
		tap           = n.tap
	)
	n.mu.RUnlock()

	var data = make([]byte, len(payload))
	copy(data, payload)

	if tap != nil {
		tap(from, to, data)
	}
	if !found {
		return
	}

	select {
	case <-target.closed:
	case target.inbox <- Datagram{From: from, Payload: data}:
	default:
		// inbox full: drop, like a saturated socket buffer
	}
}

func (n *Network) remove(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// MemoryEndpoint is an Endpoint attached to a Network.
type MemoryEndpoint struct {
	network   *Network
	addr      netip.AddrPort
	inbox     chan Datagram
	closed    chan struct{}
	closeOnce sync.Once
}

// LocalAddr returns the endpoint address.
func (m *MemoryEndpoint) LocalAddr() netip.AddrPort {
	return m.addr
}

// Send hands payload to the network.
func (m *MemoryEndpoint) Send(to netip.AddrPort, payload []byte) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(payload), MaxDatagramSize)
	}
	m.network.deliver(m.addr, to, payload)
	return nil
}

// Receive waits at most timeout for the next datagram.
func (m *MemoryEndpoint) Receive(timeout time.Duration) (Datagram, bool, error) {
	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.closed:
		return Datagram{}, false, ErrClosed
	case d := <-m.inbox:
		return d, true, nil
	case <-timer.C:
		return Datagram{}, false, nil
	}
}

// Close detaches the endpoint from the network.
func (m *MemoryEndpoint) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.network.remove(m.addr)
	})
	return nil
}
