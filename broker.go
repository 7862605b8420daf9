package tankring

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go-tankring/protocol"
	"go-tankring/secure"
)

// ErrAlreadyStarted is returned when Run is called a second time.
var ErrAlreadyStarted = errors.New("broker already started")

// Broker assigns ring positions, repairs neighbors on membership changes,
// evicts members whose lease expired and keeps the token alive when its
// holder leaves.
type Broker struct {
	conn    Conn
	options options
	jobs    chan job

	// mu guards ring and names. Reads share; structural changes exclude.
	mu    sync.RWMutex
	ring  *Registry
	names map[string]netip.AddrPort

	runMu   sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// NewBroker creates a broker that talks through conn.
func NewBroker(conn Conn, opts ...Option) *Broker {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Broker{
		conn:    conn,
		options: options,
		jobs:    make(chan job, options.queueSize),
		ring:    NewRegistry(),
		names:   make(map[string]netip.AddrPort),
	}
}

// LeaseDuration returns the lease handed to members at registration.
func (b *Broker) LeaseDuration() time.Duration {
	return b.options.leaseDuration
}

// Members returns the current ring in order.
func (b *Broker) Members() []Member {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ring.Members()
}

// Resolve returns the address bound to id.
func (b *Broker) Resolve(id string) (netip.AddrPort, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var addr, ok = b.names[id]
	return addr, ok
}

// String returns a visual representation of the ring.
func (b *Broker) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ring.String()
}

// Run receives and dispatches messages until ctx is cancelled, Stop is
// called or a Poison message arrives. Work already queued is finished
// before Run returns. A non-nil error means the connection failed.
// Run may be called once.
func (b *Broker) Run(ctx context.Context) error {
	b.runMu.Lock()
	if b.started {
		b.runMu.Unlock()
		return ErrAlreadyStarted
	}
	var runCtx, cancel = context.WithCancel(ctx)
	b.started = true
	b.cancel = cancel
	if b.stopped {
		cancel()
	}
	b.runMu.Unlock()
	defer cancel()

	b.options.logger.Info("broker started",
		"lease_duration", b.options.leaseDuration,
		"workers", b.options.workers)

	// Handlers outlive the stop signal so queued work can finish.
	var (
		workCtx = context.WithoutCancel(runCtx)
		workers sync.WaitGroup
		monitor sync.WaitGroup
	)
	for range b.options.workers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range b.jobs {
				b.handle(workCtx, j)
			}
		}()
	}

	monitor.Add(1)
	go func() {
		defer monitor.Done()
		newLeaseMonitor(b).run(runCtx)
	}()

	var err = b.receiveLoop(runCtx)

	cancel()
	monitor.Wait()
	close(b.jobs)
	workers.Wait()

	b.options.logger.Info("broker stopped", "members", len(b.Members()))
	return err
}

// Stop asks the broker to shut down. It does not wait. A Stop before Run
// makes Run return right away.
func (b *Broker) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	b.stopped = true
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Broker) receiveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var in, ok, err = b.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive: %w", err)
		}
		if !ok {
			continue
		}

		if !b.submit(ctx, job{inbound: in}) {
			return nil
		}
	}
}

// submit queues j for the worker pool. Returns false if ctx ended first.
func (b *Broker) submit(ctx context.Context, j job) bool {
	select {
	case <-ctx.Done():
		return false
	case b.jobs <- j:
		return true
	}
}

// handle dispatches one message to its handler.
func (b *Broker) handle(ctx context.Context, j job) {
	var from = j.inbound.From

	switch msg := j.inbound.Message.(type) {
	case protocol.RegisterRequest:
		b.register(ctx, from)
	case protocol.DeregisterRequest:
		if j.synthetic() {
			b.options.logger.Debug("evicting member", "member_id", msg.ID)
		}
		b.deregister(ctx, msg.ID, msg.HadToken, j.evictBefore)
	case protocol.NameResolutionRequest:
		b.resolveName(from, msg)
	case protocol.Handoff:
		b.routeHandoff(from, msg)
	case protocol.Poison:
		b.options.logger.Info("poison received, shutting down", "from", from)
		b.Stop()
	case protocol.Unknown:
		b.options.logger.Warn("dropping message of unknown kind",
			"kind", msg.Kind(),
			"from", from)
	case nil:
		b.options.logger.Warn("dropping empty message", "from", from)
	default:
		b.options.logger.Warn("dropping message not meant for the broker",
			"kind", msg.Kind(),
			"from", from)
	}
}

// send delivers msg and logs failures. A fatal channel error surfaces
// through the receive loop.
func (b *Broker) send(to netip.AddrPort, msg protocol.Message) {
	if !to.IsValid() {
		return
	}
	if err := b.conn.Send(to, msg); err != nil {
		b.options.logger.Error("failed to send message",
			"to", to,
			"kind", msg.Kind(),
			"error", err)
	}
}

// emit hands event to every observer, each under its own deadline.
func (b *Broker) emit(ctx context.Context, event RingEvent) {
	for _, observer := range b.options.observers {
		var observeCtx, cancel = context.WithTimeout(ctx, b.options.observerTimeout)
		var err = observer.ObserveRingEvent(observeCtx, event)
		cancel()
		if err != nil {
			b.options.logger.Warn("ring event observer failed",
				"event", event.Type,
				"member_id", event.MemberID,
				"error", err)
		}
	}
}

var _ Conn = (*secure.Channel)(nil)
