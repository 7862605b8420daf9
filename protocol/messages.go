// Package protocol defines the closed set of messages exchanged between
// the broker, ring members and operators, and their wire encoding.
package protocol

import (
	"net/netip"
	"time"
)

// Kind names a message type on the wire.
type Kind string

const (
	KindRegisterRequest        Kind = "register_request"
	KindRegisterResponse       Kind = "register_response"
	KindDeregisterRequest      Kind = "deregister_request"
	KindNeighborUpdate         Kind = "neighbor_update"
	KindToken                  Kind = "token"
	KindNameResolutionRequest  Kind = "name_resolution_request"
	KindNameResolutionResponse Kind = "name_resolution_response"
	KindHandoff                Kind = "handoff"
	KindKeyExchange            Kind = "key_exchange"
	KindPoison                 Kind = "poison"
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	isMessage()
}

// Neighbors is a member's view of its two ring neighbors.
// A zero address means "no neighbor".
type Neighbors struct {
	Left  netip.AddrPort `json:"left"`
	Right netip.AddrPort `json:"right"`
}

// RegisterRequest asks the broker to join the ring, or refreshes the
// sender's lease if it is already a member.
type RegisterRequest struct{}

// RegisterResponse acknowledges a join.
type RegisterResponse struct {
	ID            string        `json:"id"`
	Neighbors     Neighbors     `json:"neighbors"`
	LeaseDuration time.Duration `json:"lease_duration"`
}

// DeregisterRequest removes a member from the ring. HadToken tells the
// broker the leaving member was holding the token.
type DeregisterRequest struct {
	ID       string `json:"id"`
	HadToken bool   `json:"had_token"`
}

// NeighborUpdate repairs a member's view of the ring. A zero Left or
// Right leaves that side unchanged. Isolated clears both sides: the
// receiver is the only member left.
type NeighborUpdate struct {
	Left     netip.AddrPort `json:"left"`
	Right    netip.AddrPort `json:"right"`
	Isolated bool           `json:"isolated,omitempty"`
}

// Token grants its receiver the exclusive capability.
type Token struct{}

// NameResolutionRequest asks for the address currently bound to TargetID.
type NameResolutionRequest struct {
	TargetID  string `json:"target_id"`
	RequestID string `json:"request_id"`
}

// NameResolutionResponse answers a NameResolutionRequest. Addr is zero
// when the id is unknown.
type NameResolutionResponse struct {
	Addr      netip.AddrPort `json:"addr"`
	RequestID string         `json:"request_id"`
}

// Direction selects a ring edge.
type Direction string

const (
	Left  Direction = "left"
	Right Direction = "right"
)

// Valid reports whether d names an edge.
func (d Direction) Valid() bool {
	return d == Left || d == Right
}

// Handoff carries an opaque unit of work across a ring edge. Members send
// it to the broker with Direction set; the broker forwards it to the
// neighbor on that side with From set to the sender's id.
type Handoff struct {
	Direction Direction `json:"direction"`
	From      string    `json:"from,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
}

// KeyExchange announces the sender's public key. It is the only message
// that travels unencrypted. Reply marks an answer to a peer's exchange;
// replies are not answered again.
type KeyExchange struct {
	PublicKey []byte `json:"public_key"`
	Reply     bool   `json:"reply,omitempty"`
}

// Poison asks the broker to shut down.
type Poison struct{}

// Unknown is produced when decoding a kind this package does not define.
type Unknown struct {
	Name Kind
}

func (RegisterRequest) Kind() Kind        { return KindRegisterRequest }
func (RegisterResponse) Kind() Kind       { return KindRegisterResponse }
func (DeregisterRequest) Kind() Kind      { return KindDeregisterRequest }
func (NeighborUpdate) Kind() Kind         { return KindNeighborUpdate }
func (Token) Kind() Kind                  { return KindToken }
func (NameResolutionRequest) Kind() Kind  { return KindNameResolutionRequest }
func (NameResolutionResponse) Kind() Kind { return KindNameResolutionResponse }
func (Handoff) Kind() Kind                { return KindHandoff }
func (KeyExchange) Kind() Kind            { return KindKeyExchange }
func (Poison) Kind() Kind                 { return KindPoison }
func (u Unknown) Kind() Kind              { return u.Name }

func (RegisterRequest) isMessage()        {}
func (RegisterResponse) isMessage()       {}
func (DeregisterRequest) isMessage()      {}
func (NeighborUpdate) isMessage()         {}
func (Token) isMessage()                  {}
func (NameResolutionRequest) isMessage()  {}
func (NameResolutionResponse) isMessage() {}
func (Handoff) isMessage()                {}
func (KeyExchange) isMessage()            {}
func (Poison) isMessage()                 {}
func (Unknown) isMessage()                {}
