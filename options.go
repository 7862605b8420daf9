package tankring

import (
	"io"
	"log/slog"
	"time"
)

// DefaultIDPrefix is prepended to the sequence number of every member id.
const DefaultIDPrefix = "tank"

// options configures the Broker behavior (internal only).
type options struct {
	leaseDuration   time.Duration
	observerTimeout time.Duration
	workers         int
	queueSize       int
	idPrefix        string
	now             func() time.Time
	observers       []Observer
	logger          *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		leaseDuration:   10 * time.Second,
		observerTimeout: 5 * time.Second,
		workers:         10,
		queueSize:       64,
		idPrefix:        DefaultIDPrefix,
		now:             time.Now,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// sweepInterval is how often the lease monitor runs.
func (o options) sweepInterval() time.Duration {
	return 2 * o.leaseDuration
}

// Option is a functional option for configuring a Broker.
type Option func(*options)

// WithLeaseDuration sets how long a member may stay silent before it is
// evicted. Members learn this value when they register.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseDuration = d
		}
	}
}

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize sets how many received messages may wait for a worker.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithIDPrefix sets the prefix of assigned member ids.
func WithIDPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.idPrefix = prefix
		}
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObserverTimeout bounds how long a single observer call may hold a
// worker. Observers must honor their context for this to take effect.
// DEFAULT: 5s
func WithObserverTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.observerTimeout = d
		}
	}
}

// WithObserver adds an observer for ring events. May be given more than once.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithLogger sets the logger for the broker.
// If the logger is nil, the broker will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
