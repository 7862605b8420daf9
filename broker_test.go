package tankring

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"go-tankring/protocol"
	"go-tankring/secure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	to  netip.AddrPort
	msg protocol.Message
}

// fakeConn records everything the broker sends and feeds it inbound
// messages from a channel.
type fakeConn struct {
	mu    sync.Mutex
	sent  []sentMessage
	inbox chan secure.Inbound
	err   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan secure.Inbound, 16)}
}

func (c *fakeConn) Send(to netip.AddrPort, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{to: to, msg: msg})
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (secure.Inbound, bool, error) {
	c.mu.Lock()
	var err = c.err
	c.mu.Unlock()
	if err != nil {
		return secure.Inbound{}, false, err
	}

	select {
	case <-ctx.Done():
		return secure.Inbound{}, false, ctx.Err()
	case in := <-c.inbox:
		return in, true, nil
	case <-time.After(10 * time.Millisecond):
		return secure.Inbound{}, false, nil
	}
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// to returns the messages sent to addr, in order.
func (c *fakeConn) to(addr netip.AddrPort) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, s := range c.sent {
		if s.to == addr {
			out = append(out, s.msg)
		}
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []RingEvent
	err    error
}

func (o *recordingObserver) ObserveRingEvent(_ context.Context, event RingEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return o.err
}

func (o *recordingObserver) types() []EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out = make([]EventType, len(o.events))
	for i, e := range o.events {
		out[i] = e.Type
	}
	return out
}

// stalledObserver blocks every call until its context ends.
type stalledObserver struct {
	mu    sync.Mutex
	calls int
}

func (o *stalledObserver) ObserveRingEvent(ctx context.Context, _ RingEvent) error {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (o *stalledObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func TestBroker(t *testing.T) {
	const lease = 10 * time.Second

	var (
		addrA = netip.MustParseAddrPort("10.0.0.1:5001")
		addrB = netip.MustParseAddrPort("10.0.0.2:5002")
		addrC = netip.MustParseAddrPort("10.0.0.3:5003")
		addrD = netip.MustParseAddrPort("10.0.0.4:5004")

		newCtx = func() context.Context {
			return context.Background()
		}
		newClock = func() *fakeClock {
			return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
		}
		newBroker = func(conn Conn, opts ...Option) *Broker {
			return NewBroker(conn, append([]Option{WithLeaseDuration(lease)}, opts...)...)
		}
		deliver = func(b *Broker, from netip.AddrPort, msg protocol.Message) {
			b.handle(newCtx(), job{inbound: secure.Inbound{From: from, Message: msg}})
		}
		memberIDs = func(b *Broker) []string {
			var ids []string
			for _, m := range b.Members() {
				ids = append(ids, m.ID)
			}
			return ids
		}
	)

	t.Run("should give the first member an id, no neighbors and the token", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)

		// Act
		deliver(broker, addrA, protocol.RegisterRequest{})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.RegisterResponse{ID: "tank1", LeaseDuration: lease},
			protocol.Token{},
		}, conn.to(addrA))
		assert.Equal(t, []string{"tank1"}, memberIDs(broker))
	})

	t.Run("should wire up neighbors as members join", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrB, protocol.RegisterRequest{})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.RegisterResponse{
				ID:            "tank2",
				Neighbors:     protocol.Neighbors{Left: addrA, Right: addrA},
				LeaseDuration: lease,
			},
		}, conn.to(addrB))
		assert.Equal(t, []protocol.Message{
			protocol.NeighborUpdate{Left: addrB, Right: addrB},
		}, conn.to(addrA), "ring of two needs a single update with both sides")

		// Act
		conn.reset()
		deliver(broker, addrC, protocol.RegisterRequest{})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.RegisterResponse{
				ID:            "tank3",
				Neighbors:     protocol.Neighbors{Left: addrB, Right: addrA},
				LeaseDuration: lease,
			},
		}, conn.to(addrC))
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Right: addrC}}, conn.to(addrB))
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Left: addrC}}, conn.to(addrA))
		assert.Equal(t, []string{"tank1", "tank2", "tank3"}, memberIDs(broker))
	})

	t.Run("should treat a second registration from the same address as a refresh", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			clock  = newClock()
			broker = newBroker(conn, WithClock(clock.Now))
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		conn.reset()
		clock.Advance(3 * time.Second)

		// Act
		deliver(broker, addrA, protocol.RegisterRequest{})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.RegisterResponse{
				ID:            "tank1",
				Neighbors:     protocol.Neighbors{Left: addrB, Right: addrB},
				LeaseDuration: lease,
			},
		}, conn.to(addrA))
		assert.Empty(t, conn.to(addrB), "a refresh must not touch neighbors")
		assert.Len(t, broker.Members(), 2)
		assert.Equal(t, clock.Now(), broker.Members()[0].LastSeen)
	})

	t.Run("should reconnect neighbors when a member leaves", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		deliver(broker, addrC, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrB, protocol.DeregisterRequest{ID: "tank2"})

		// Assert
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Right: addrC}}, conn.to(addrA))
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Left: addrA}}, conn.to(addrC))
		assert.Empty(t, conn.to(addrB))
		assert.Equal(t, []string{"tank1", "tank3"}, memberIDs(broker))

		var _, ok = broker.Resolve("tank2")
		assert.False(t, ok, "name should be unbound after leaving")
	})

	t.Run("should reuse the smallest free id", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		deliver(broker, addrC, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.DeregisterRequest{ID: "tank2"})
		conn.reset()

		// Act
		deliver(broker, addrD, protocol.RegisterRequest{})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.RegisterResponse{
				ID:            "tank2",
				Neighbors:     protocol.Neighbors{Left: addrC, Right: addrA},
				LeaseDuration: lease,
			},
		}, conn.to(addrD))

		var resolved, ok = broker.Resolve("tank2")
		require.True(t, ok)
		assert.Equal(t, addrD, resolved)
	})

	t.Run("should pass the token on when its holder leaves", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		deliver(broker, addrC, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrA, protocol.DeregisterRequest{ID: "tank1", HadToken: true})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.NeighborUpdate{Left: addrC},
			protocol.Token{},
		}, conn.to(addrB), "new first member gets its repair and then the token")
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Right: addrB}}, conn.to(addrC))
	})

	t.Run("should not send a token when a holder leaves an empty ring", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrA, protocol.DeregisterRequest{ID: "tank1", HadToken: true})

		// Assert
		assert.Zero(t, conn.count())
		assert.Empty(t, broker.Members())
	})

	t.Run("should isolate the survivor when the ring shrinks to one", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrB, protocol.DeregisterRequest{ID: "tank2"})

		// Assert
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Isolated: true}}, conn.to(addrA))
	})

	t.Run("should ignore deregistration of an unknown id", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrB, protocol.DeregisterRequest{ID: "tank42", HadToken: true})

		// Assert
		assert.Zero(t, conn.count())
		assert.Len(t, broker.Members(), 1)
	})

	t.Run("should resolve names and echo the request id", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrD, protocol.NameResolutionRequest{TargetID: "tank2", RequestID: "r-1"})
		deliver(broker, addrD, protocol.NameResolutionRequest{TargetID: "tank9", RequestID: "r-2"})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.NameResolutionResponse{Addr: addrB, RequestID: "r-1"},
			protocol.NameResolutionResponse{RequestID: "r-2"},
		}, conn.to(addrD))
	})

	t.Run("should drop name requests too large to answer", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrD, protocol.NameResolutionRequest{TargetID: "tank1", RequestID: strings.Repeat("x", 6000)})
		deliver(broker, addrD, protocol.NameResolutionRequest{TargetID: strings.Repeat("t", maxNameField+1), RequestID: "r-1"})
		deliver(broker, addrD, protocol.NameResolutionRequest{TargetID: "tank1", RequestID: strings.Repeat("r", maxNameField)})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.NameResolutionResponse{Addr: addrA, RequestID: strings.Repeat("r", maxNameField)},
		}, conn.to(addrD))
	})

	t.Run("should forward handoffs to the requested neighbor", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn    = newFakeConn()
			broker  = newBroker(conn)
			payload = []byte("work item")
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		deliver(broker, addrC, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrB, protocol.Handoff{Direction: protocol.Right, Payload: payload})
		deliver(broker, addrB, protocol.Handoff{Direction: protocol.Left, Payload: payload})

		// Assert
		assert.Equal(t, []protocol.Message{
			protocol.Handoff{Direction: protocol.Right, From: "tank2", Payload: payload},
		}, conn.to(addrC))
		assert.Equal(t, []protocol.Message{
			protocol.Handoff{Direction: protocol.Left, From: "tank2", Payload: payload},
		}, conn.to(addrA))
	})

	t.Run("should drop handoffs that cannot be routed", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		conn.reset()

		// Act
		deliver(broker, addrA, protocol.Handoff{Direction: protocol.Right})
		deliver(broker, addrA, protocol.Handoff{Direction: "up"})
		deliver(broker, addrD, protocol.Handoff{Direction: protocol.Left})
		deliver(broker, addrA, protocol.Handoff{
			Direction: protocol.Left,
			Payload:   []byte(strings.Repeat("x", maxHandoffPayload+1)),
		})

		// Assert
		assert.Zero(t, conn.count())
	})

	t.Run("should drop unknown and misdirected messages", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = newBroker(conn)
		)

		// Act
		deliver(broker, addrA, protocol.Unknown{Name: "bogus"})
		deliver(broker, addrA, protocol.Token{})
		deliver(broker, addrA, nil)

		// Assert
		assert.Zero(t, conn.count())
		assert.Empty(t, broker.Members())
	})

	t.Run("should report ring events to observers", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn     = newFakeConn()
			observer = &recordingObserver{err: errors.New("observer down")}
			broker   = newBroker(conn, WithObserver(observer))
		)

		// Act
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.DeregisterRequest{ID: "tank2"})

		// Assert
		assert.Equal(t, []EventType{EventJoin, EventJoin, EventRefresh, EventLeave}, observer.types())
		assert.Len(t, broker.Members(), 1, "observer errors must not affect the ring")
		assert.Equal(t, 1, observer.events[3].RingSize)
		assert.Equal(t, addrB, observer.events[3].Addr)
	})

	t.Run("should give up on an observer that does not return", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn     = newFakeConn()
			observer = &stalledObserver{}
			broker   = newBroker(conn, WithObserver(observer), WithObserverTimeout(20*time.Millisecond))
		)

		// Act
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})

		// Assert
		assert.Equal(t, 2, observer.count())
		assert.Equal(t, []string{"tank1", "tank2"}, memberIDs(broker))
		assert.Len(t, conn.to(addrB), 1)
	})
}

func TestBrokerLeases(t *testing.T) {
	const lease = 10 * time.Second

	var (
		addrA = netip.MustParseAddrPort("10.0.0.1:5001")
		addrB = netip.MustParseAddrPort("10.0.0.2:5002")
		addrC = netip.MustParseAddrPort("10.0.0.3:5003")

		newCtx = func() context.Context {
			return context.Background()
		}
		newClock = func() *fakeClock {
			return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
		}
		deliver = func(b *Broker, from netip.AddrPort, msg protocol.Message) {
			b.handle(newCtx(), job{inbound: secure.Inbound{From: from, Message: msg}})
		}
	)

	t.Run("should leave members alone while their lease is valid", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			clock  = newClock()
			broker = NewBroker(conn, WithLeaseDuration(lease), WithClock(clock.Now))
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		clock.Advance(lease - time.Second)

		// Act
		var queued = broker.sweepNow(newCtx())

		// Assert
		assert.Zero(t, queued)
		assert.Len(t, broker.Members(), 1)
	})

	t.Run("should evict silent members and repair the ring", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn     = newFakeConn()
			clock    = newClock()
			observer = &recordingObserver{}
			broker   = NewBroker(conn,
				WithLeaseDuration(lease),
				WithClock(clock.Now),
				WithObserver(observer))
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		deliver(broker, addrC, protocol.RegisterRequest{})
		clock.Advance(lease + time.Second)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrC, protocol.RegisterRequest{})
		conn.reset()

		// Act
		var queued = broker.sweepNow(newCtx())
		var handled = broker.drainJobs(newCtx())

		// Assert
		assert.Equal(t, 1, queued)
		assert.Equal(t, 1, handled)
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Right: addrC}}, conn.to(addrA))
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Left: addrA}}, conn.to(addrC))
		assert.Len(t, broker.Members(), 2)
		assert.Equal(t, EventEvict, observer.types()[len(observer.types())-1])
	})

	t.Run("should lose the token when its holder is evicted", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			clock  = newClock()
			broker = NewBroker(conn, WithLeaseDuration(lease), WithClock(clock.Now))
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		deliver(broker, addrB, protocol.RegisterRequest{})
		clock.Advance(lease + time.Second)
		deliver(broker, addrB, protocol.RegisterRequest{})
		conn.reset()

		// Act
		broker.sweepNow(newCtx())
		broker.drainJobs(newCtx())

		// Assert
		assert.Equal(t, []protocol.Message{protocol.NeighborUpdate{Isolated: true}}, conn.to(addrB),
			"eviction does not know whether the member held the token")
	})

	t.Run("should skip the eviction if the member renews before it runs", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			clock  = newClock()
			broker = NewBroker(conn, WithLeaseDuration(lease), WithClock(clock.Now))
		)
		deliver(broker, addrA, protocol.RegisterRequest{})
		clock.Advance(lease + time.Second)
		require.Equal(t, 1, broker.sweepNow(newCtx()))

		// Act
		deliver(broker, addrA, protocol.RegisterRequest{})
		broker.drainJobs(newCtx())

		// Assert
		assert.Len(t, broker.Members(), 1)
	})
}

func TestBrokerRun(t *testing.T) {
	var (
		addrA = netip.MustParseAddrPort("10.0.0.1:5001")

		newCtx = func() context.Context {
			return context.Background()
		}
		start = func(b *Broker, ctx context.Context) <-chan error {
			var done = make(chan error, 1)
			go func() {
				done <- b.Run(ctx)
			}()
			return done
		}
	)

	t.Run("should process inbound messages through the worker pool", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn        = newFakeConn()
			broker      = NewBroker(conn, WithWorkers(2))
			ctx, cancel = context.WithCancel(newCtx())
		)
		defer cancel()
		var done = start(broker, ctx)

		// Act
		conn.inbox <- secure.Inbound{From: addrA, Message: protocol.RegisterRequest{}}

		// Assert
		assert.Eventually(t, func() bool {
			return len(conn.to(addrA)) == 2
		}, time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("broker did not stop")
		}
	})

	t.Run("should keep serving while an observer stalls", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			addrB       = netip.MustParseAddrPort("10.0.0.2:5002")
			conn        = newFakeConn()
			broker      = NewBroker(conn, WithWorkers(1), WithObserver(&stalledObserver{}), WithObserverTimeout(50*time.Millisecond))
			ctx, cancel = context.WithCancel(newCtx())
		)
		defer cancel()
		var done = start(broker, ctx)

		// Act
		conn.inbox <- secure.Inbound{From: addrA, Message: protocol.RegisterRequest{}}
		conn.inbox <- secure.Inbound{From: addrB, Message: protocol.RegisterRequest{}}

		// Assert
		assert.Eventually(t, func() bool {
			return len(conn.to(addrB)) == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Len(t, broker.Members(), 2)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("broker did not stop")
		}
	})

	t.Run("should shut down on poison", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = NewBroker(conn)
			done   = start(broker, newCtx())
		)

		// Act
		conn.inbox <- secure.Inbound{From: addrA, Message: protocol.Poison{}}

		// Assert
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("broker did not stop after poison")
		}
	})

	t.Run("should return the connection error", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = NewBroker(conn)
			boom   = errors.New("boom")
		)
		conn.fail(boom)

		// Act
		var err = broker.Run(newCtx())

		// Assert
		assert.ErrorIs(t, err, boom)
	})

	t.Run("should refuse to run twice", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = NewBroker(conn)
			done   = start(broker, newCtx())
		)
		assert.Eventually(t, func() bool {
			broker.runMu.Lock()
			defer broker.runMu.Unlock()
			return broker.started
		}, time.Second, 5*time.Millisecond)

		// Act
		var err = broker.Run(newCtx())

		// Assert
		assert.ErrorIs(t, err, ErrAlreadyStarted)

		broker.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("broker did not stop")
		}
	})

	t.Run("should return at once when stopped before running", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			conn   = newFakeConn()
			broker = NewBroker(conn)
		)
		broker.Stop()

		// Act
		var done = start(broker, newCtx())

		// Assert
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("broker ran after being stopped")
		}
		assert.ErrorIs(t, broker.Run(newCtx()), ErrAlreadyStarted)
	})
}
