package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when data is not a protocol envelope.
var ErrMalformed = errors.New("malformed message")

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode serializes m into its wire envelope.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}

	var env = envelope{Kind: m.Kind()}
	if _, unknown := m.(Unknown); !unknown {
		var body, err = json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", m.Kind(), err)
		}
		env.Body = body
	}

	var data, err = json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire envelope. Kinds this package does not define
// decode to Unknown without error.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	switch env.Kind {
	case KindRegisterRequest:
		return decodeBody[RegisterRequest](env)
	case KindRegisterResponse:
		return decodeBody[RegisterResponse](env)
	case KindDeregisterRequest:
		return decodeBody[DeregisterRequest](env)
	case KindNeighborUpdate:
		return decodeBody[NeighborUpdate](env)
	case KindToken:
		return decodeBody[Token](env)
	case KindNameResolutionRequest:
		return decodeBody[NameResolutionRequest](env)
	case KindNameResolutionResponse:
		return decodeBody[NameResolutionResponse](env)
	case KindHandoff:
		return decodeBody[Handoff](env)
	case KindKeyExchange:
		return decodeBody[KeyExchange](env)
	case KindPoison:
		return decodeBody[Poison](env)
	default:
		return Unknown{Name: env.Kind}, nil
	}
}

func decodeBody[T Message](env envelope) (Message, error) {
	var m T
	if len(env.Body) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(env.Body, &m); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, env.Kind, err)
	}
	return m, nil
}
