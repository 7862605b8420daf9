package tankring

import (
	"context"
	"net/netip"
	"time"

	"go-tankring/protocol"
	"go-tankring/secure"
)

// leaseMonitor periodically looks for members whose lease ran out and
// queues their removal through the regular worker pool.
type leaseMonitor struct {
	broker *Broker
}

func newLeaseMonitor(b *Broker) *leaseMonitor {
	return &leaseMonitor{broker: b}
}

// run sweeps once per sweep interval until ctx is cancelled.
func (m *leaseMonitor) run(ctx context.Context) {
	var ticker = time.NewTicker(m.broker.options.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep queues a synthetic deregistration for every stale member and
// returns how many were queued. Staleness is checked again when the job
// runs, so a member that renews in between stays.
func (m *leaseMonitor) sweep(ctx context.Context) int {
	var (
		opts      = m.broker.options
		threshold = opts.now().Add(-opts.leaseDuration)
		stale     []Member
	)

	m.broker.mu.RLock()
	for _, id := range m.broker.ring.CollectStale(threshold) {
		var member, _ = m.broker.ring.MemberAt(m.broker.ring.IndexOfID(id))
		stale = append(stale, member)
	}
	m.broker.mu.RUnlock()

	var queued = 0
	for _, member := range stale {
		opts.logger.Info("lease expired",
			"member_id", member.ID,
			"addr", member.Addr,
			"last_seen", member.LastSeen)

		var j = job{
			inbound: secure.Inbound{
				From:    netip.AddrPort{},
				Message: protocol.DeregisterRequest{ID: member.ID},
			},
			evictBefore: threshold,
		}
		if !m.broker.submit(ctx, j) {
			return queued
		}
		queued++
	}

	return queued
}
