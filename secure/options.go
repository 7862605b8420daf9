package secure

import (
	"crypto/rand"
	"io"
	"log/slog"
	"time"
)

// DefaultMaxMessageSize bounds the encoded plaintext of a single message.
const DefaultMaxMessageSize = 4864

// options configures a Channel (internal only).
type options struct {
	maxMessageSize int
	pollInterval   time.Duration
	random         io.Reader
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxMessageSize: DefaultMaxMessageSize,
		pollInterval:   100 * time.Millisecond,
		random:         rand.Reader,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Channel.
type Option func(*options)

// WithMaxMessageSize sets the largest encoded message the channel will seal.
func WithMaxMessageSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.maxMessageSize = size
		}
	}
}

// WithPollInterval sets how long a single Receive waits on the transport.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRandom sets the entropy source for key generation and sealing.
func WithRandom(r io.Reader) Option {
	return func(o *options) {
		if r != nil {
			o.random = r
		}
	}
}

// WithLogger sets the logger for the channel.
// If the logger is nil, the channel will use a no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}
		o.logger = logger
	}
}
