// Package secure wraps a datagram endpoint with public-key exchange and
// per-message encryption.
//
// Every peer starts Unknown. The first Send to an Unknown peer parks the
// message and announces our public key; the message goes out sealed once
// the peer's key arrives. Messages are sealed to the recipient's
// Curve25519 key with an anonymous NaCl box, so only the recipient's
// private key opens them.
package secure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"go-tankring/protocol"
	"go-tankring/transport"
)

var (
	// ErrChannelBroken wraps every error after a fatal transport or crypto failure.
	ErrChannelBroken = errors.New("secure channel broken")

	// ErrMessageTooLarge is returned when an encoded message exceeds the size bound.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrMalformedFrame is returned when a datagram cannot be parsed or opened.
	ErrMalformedFrame = errors.New("malformed frame")
)

const keySize = 32

type frameType string

const (
	frameKeyExchange frameType = "key_exchange"
	frameSealed      frameType = "sealed"
)

// frame is the datagram payload. Key exchanges travel as a plain protocol
// envelope; everything else as a sealed box (base64 in JSON).
type frame struct {
	Type   frameType       `json:"type"`
	Plain  json.RawMessage `json:"plain,omitempty"`
	Sealed []byte          `json:"sealed,omitempty"`
}

// Inbound is a decrypted message tagged with its sender.
type Inbound struct {
	From    netip.AddrPort
	Message protocol.Message
}

// Channel encrypts outgoing and decrypts incoming protocol messages.
// Send is safe for concurrent use; Receive must be called from one goroutine.
type Channel struct {
	endpoint   transport.Endpoint
	options    options
	publicKey  *[keySize]byte
	privateKey *[keySize]byte

	mu        sync.Mutex
	knownKeys map[netip.AddrPort]*[keySize]byte
	pending   map[netip.AddrPort]protocol.Message
	broken    error
}

// NewChannel generates a fresh keypair and wraps endpoint.
func NewChannel(endpoint transport.Endpoint, opts ...Option) (*Channel, error) {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var publicKey, privateKey, err = box.GenerateKey(options.random)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	return &Channel{
		endpoint:   endpoint,
		options:    options,
		publicKey:  publicKey,
		privateKey: privateKey,
		knownKeys:  make(map[netip.AddrPort]*[keySize]byte),
		pending:    make(map[netip.AddrPort]protocol.Message),
	}, nil
}

// LocalAddr returns the address of the wrapped endpoint.
func (c *Channel) LocalAddr() netip.AddrPort {
	return c.endpoint.LocalAddr()
}

// PublicKey returns a copy of this channel's public key.
func (c *Channel) PublicKey() []byte {
	var key = make([]byte, keySize)
	copy(key, c.publicKey[:])
	return key
}

// Err returns the fatal error that broke the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Established reports whether peer's key is known and nothing is parked
// for it, i.e. everything sent to peer so far has left sealed.
func (c *Channel) Established(peer netip.AddrPort) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var _, known = c.knownKeys[peer]
	var _, parked = c.pending[peer]
	return known && !parked
}

// Close closes the wrapped endpoint.
func (c *Channel) Close() error {
	return c.endpoint.Close()
}

// Send encrypts msg for the peer at to. If the peer's key is not yet
// known, msg replaces any message already parked for that peer and a key
// exchange is sent instead.
func (c *Channel) Send(to netip.AddrPort, msg protocol.Message) error {
	c.mu.Lock()
	if c.broken != nil {
		var err = c.broken
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrChannelBroken, err)
	}
	var peerKey, known = c.knownKeys[to]
	if !known {
		c.pending[to] = msg
	}
	c.mu.Unlock()

	if !known {
		c.options.logger.Debug("peer key unknown, starting key exchange",
			"peer", to,
			"kind", msg.Kind())
		return c.sendKeyExchange(to, false)
	}

	return c.sendSealed(to, peerKey, msg)
}

// Receive returns the next decrypted message. Key exchanges are handled
// internally and never returned. ok is false when the poll window elapsed
// without a message for the caller.
func (c *Channel) Receive(ctx context.Context) (Inbound, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Inbound{}, false, err
		}
		if err := c.Err(); err != nil {
			return Inbound{}, false, fmt.Errorf("%w: %w", ErrChannelBroken, err)
		}

		var d, ok, err = c.endpoint.Receive(c.options.pollInterval)
		if err != nil {
			return Inbound{}, false, c.fail(fmt.Errorf("failed to receive: %w", err))
		}
		if !ok {
			return Inbound{}, false, nil
		}

		var in, deliver, handleErr = c.handle(d)
		if handleErr != nil {
			return Inbound{}, false, handleErr
		}
		if deliver {
			return in, true, nil
		}
	}
}

// handle processes one datagram. deliver is false when the datagram was
// consumed internally.
func (c *Channel) handle(d transport.Datagram) (in Inbound, deliver bool, err error) {
	var f frame
	if err := json.Unmarshal(d.Payload, &f); err != nil {
		return Inbound{}, false, c.fail(fmt.Errorf("%w from %s: %v", ErrMalformedFrame, d.From, err))
	}

	switch f.Type {
	case frameKeyExchange:
		var msg, err = protocol.Decode(f.Plain)
		if err != nil {
			return Inbound{}, false, c.fail(fmt.Errorf("%w from %s: %w", ErrMalformedFrame, d.From, err))
		}
		var kx, isKeyExchange = msg.(protocol.KeyExchange)
		if !isKeyExchange {
			c.options.logger.Warn("dropping unencrypted message",
				"peer", d.From,
				"kind", msg.Kind())
			return Inbound{}, false, nil
		}
		return Inbound{}, false, c.handleKeyExchange(d.From, kx)

	case frameSealed:
		var plain, opened = box.OpenAnonymous(nil, f.Sealed, c.publicKey, c.privateKey)
		if !opened {
			return Inbound{}, false, c.fail(fmt.Errorf("%w from %s: cannot open sealed box", ErrMalformedFrame, d.From))
		}
		if len(plain) > c.options.maxMessageSize {
			c.options.logger.Warn("dropping oversized message",
				"peer", d.From,
				"size", len(plain),
				"limit", c.options.maxMessageSize)
			return Inbound{}, false, nil
		}
		var msg, err = protocol.Decode(plain)
		if err != nil {
			return Inbound{}, false, c.fail(fmt.Errorf("%w from %s: %w", ErrMalformedFrame, d.From, err))
		}
		return Inbound{From: d.From, Message: msg}, true, nil

	default:
		return Inbound{}, false, c.fail(fmt.Errorf("%w from %s: unknown frame type %q", ErrMalformedFrame, d.From, f.Type))
	}
}

// handleKeyExchange records the peer key and then either flushes the
// parked message or, for an initiating exchange, answers with our key.
// Replies are never answered, which keeps two peers from bouncing keys.
func (c *Channel) handleKeyExchange(from netip.AddrPort, kx protocol.KeyExchange) error {
	if len(kx.PublicKey) != keySize {
		return c.fail(fmt.Errorf("%w from %s: public key of %d bytes", ErrMalformedFrame, from, len(kx.PublicKey)))
	}

	var key = new([keySize]byte)
	copy(key[:], kx.PublicKey)

	c.mu.Lock()
	c.knownKeys[from] = key
	var parked, hasParked = c.pending[from]
	delete(c.pending, from)
	c.mu.Unlock()

	c.options.logger.Debug("peer key recorded",
		"peer", from,
		"reply", kx.Reply,
		"flushing", hasParked)

	if hasParked {
		return c.sendSealed(from, key, parked)
	}
	if kx.Reply {
		return nil
	}
	return c.sendKeyExchange(from, true)
}

func (c *Channel) sendKeyExchange(to netip.AddrPort, reply bool) error {
	var plain, err = protocol.Encode(protocol.KeyExchange{PublicKey: c.PublicKey(), Reply: reply})
	if err != nil {
		return c.fail(err)
	}
	return c.transmit(to, frame{Type: frameKeyExchange, Plain: plain})
}

func (c *Channel) sendSealed(to netip.AddrPort, peerKey *[keySize]byte, msg protocol.Message) error {
	var plain, err = protocol.Encode(msg)
	if err != nil {
		return c.fail(err)
	}
	if len(plain) > c.options.maxMessageSize {
		return c.fail(fmt.Errorf("%w: %s is %d bytes, limit %d", ErrMessageTooLarge, msg.Kind(), len(plain), c.options.maxMessageSize))
	}

	sealed, err := box.SealAnonymous(nil, plain, peerKey, c.options.random)
	if err != nil {
		return c.fail(fmt.Errorf("failed to seal message: %w", err))
	}
	return c.transmit(to, frame{Type: frameSealed, Sealed: sealed})
}

func (c *Channel) transmit(to netip.AddrPort, f frame) error {
	var data, err = json.Marshal(f)
	if err != nil {
		return c.fail(fmt.Errorf("failed to encode frame: %w", err))
	}
	if err := c.endpoint.Send(to, data); err != nil {
		return c.fail(fmt.Errorf("failed to send to %s: %w", to, err))
	}
	return nil
}

// fail marks the channel broken. The first failure wins.
func (c *Channel) fail(err error) error {
	c.mu.Lock()
	if c.broken == nil {
		c.broken = err
	}
	c.mu.Unlock()

	c.options.logger.Error("secure channel failure", "error", err)
	return fmt.Errorf("%w: %w", ErrChannelBroken, err)
}
