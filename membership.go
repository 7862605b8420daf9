package tankring

import (
	"context"
	"net/netip"
	"time"

	"go-tankring/protocol"
)

const (
	// maxHandoffPayload keeps a forwarded handoff within the secure
	// channel's message bound once the sender id is added.
	maxHandoffPayload = 3072

	// maxNameField bounds the ids echoed back in a name resolution
	// response, for the same reason.
	maxNameField = 256
)

// register adds the sender to the ring, or refreshes its lease if it is
// already a member. The first member of an empty ring gets the token.
func (b *Broker) register(ctx context.Context, from netip.AddrPort) {
	var now = b.options.now()

	b.mu.Lock()
	var (
		index     = b.ring.IndexOfAddr(from)
		refreshed = index != -1
	)
	if refreshed {
		b.ring.UpdateLastSeen(index, now)
	} else {
		index = b.ring.Add(b.ring.NextID(b.options.idPrefix), from, now)
	}
	var member, _ = b.ring.MemberAt(index)
	var (
		id    = member.ID
		left  = b.ring.LeftNeighbor(index)
		right = b.ring.RightNeighbor(index)
		size  = b.ring.Size()
	)
	b.names[id] = from
	b.mu.Unlock()

	if refreshed {
		b.send(from, registerResponse(id, left, right, b.options.leaseDuration))
		b.options.logger.Debug("lease refreshed", "member_id", id, "addr", from)
		b.emit(ctx, RingEvent{Type: EventRefresh, MemberID: id, Addr: from, RingSize: size, At: now})
		return
	}

	b.options.logger.Info("member joined",
		"member_id", id,
		"addr", from,
		"ring_size", size)

	// Neighbors are updated before the registrant is answered.
	switch {
	case !left.IsValid():
		// alone in the ring, nobody to repair
	case left == right:
		b.send(left, protocol.NeighborUpdate{Left: from, Right: from})
	default:
		b.send(left, protocol.NeighborUpdate{Right: from})
		b.send(right, protocol.NeighborUpdate{Left: from})
	}

	b.send(from, registerResponse(id, left, right, b.options.leaseDuration))

	if size == 1 {
		b.options.logger.Info("token issued to first member", "member_id", id)
		b.send(from, protocol.Token{})
	}

	b.emit(ctx, RingEvent{Type: EventJoin, MemberID: id, Addr: from, RingSize: size, At: now})
}

func registerResponse(id string, left, right netip.AddrPort, lease time.Duration) protocol.RegisterResponse {
	return protocol.RegisterResponse{
		ID:            id,
		Neighbors:     protocol.Neighbors{Left: left, Right: right},
		LeaseDuration: lease,
	}
}

// deregister removes id from the ring and reconnects its neighbors. If
// the member held the token it is handed to the member now at index 0.
// A non-zero evictBefore marks a lease eviction, which is skipped if the
// member was seen again in the meantime.
func (b *Broker) deregister(ctx context.Context, id string, hadToken bool, evictBefore time.Time) {
	var evicting = !evictBefore.IsZero()

	b.mu.Lock()
	var index = b.ring.IndexOfID(id)
	if index == -1 {
		b.mu.Unlock()
		b.options.logger.Warn("deregistration of unknown member ignored", "member_id", id)
		return
	}
	var member, _ = b.ring.MemberAt(index)
	if evicting && !member.LastSeen.Before(evictBefore) {
		b.mu.Unlock()
		b.options.logger.Debug("eviction skipped, lease was refreshed", "member_id", id)
		return
	}

	var (
		left  = b.ring.LeftNeighbor(index)
		right = b.ring.RightNeighbor(index)
	)
	b.ring.Remove(index)
	delete(b.names, id)

	var (
		size   = b.ring.Size()
		holder netip.AddrPort
	)
	if hadToken && size > 0 {
		var first, _ = b.ring.MemberAt(0)
		holder = first.Addr
	}
	b.mu.Unlock()

	var eventType = EventLeave
	if evicting {
		eventType = EventEvict
	}
	b.options.logger.Info("member removed",
		"member_id", id,
		"addr", member.Addr,
		"reason", eventType,
		"had_token", hadToken,
		"ring_size", size)

	switch {
	case !left.IsValid():
		// ring is now empty
	case left == right:
		b.send(left, protocol.NeighborUpdate{Isolated: true})
	default:
		b.send(left, protocol.NeighborUpdate{Right: right})
		b.send(right, protocol.NeighborUpdate{Left: left})
	}

	if holder.IsValid() {
		b.options.logger.Info("token reassigned", "from", id, "to", holder)
		b.send(holder, protocol.Token{})
	}

	b.emit(ctx, RingEvent{Type: eventType, MemberID: id, Addr: member.Addr, RingSize: size, At: b.options.now()})
}

// resolveName answers with the address bound to the target id, or a zero
// address if there is none.
func (b *Broker) resolveName(from netip.AddrPort, req protocol.NameResolutionRequest) {
	if len(req.TargetID) > maxNameField || len(req.RequestID) > maxNameField {
		b.options.logger.Warn("dropping oversized name resolution request",
			"from", from,
			"target_id_size", len(req.TargetID),
			"request_id_size", len(req.RequestID))
		return
	}

	b.mu.RLock()
	var addr = b.names[req.TargetID]
	b.mu.RUnlock()

	if !addr.IsValid() {
		b.options.logger.Debug("name resolution miss", "target_id", req.TargetID, "request_id", req.RequestID)
	}

	b.send(from, protocol.NameResolutionResponse{
		Addr:      addr,
		RequestID: req.RequestID,
	})
}

// routeHandoff forwards a handoff to the sender's neighbor on the
// requested side.
func (b *Broker) routeHandoff(from netip.AddrPort, h protocol.Handoff) {
	if !h.Direction.Valid() {
		b.options.logger.Warn("dropping handoff with bad direction", "from", from, "direction", h.Direction)
		return
	}
	if len(h.Payload) > maxHandoffPayload {
		b.options.logger.Warn("dropping oversized handoff", "from", from, "size", len(h.Payload))
		return
	}

	b.mu.RLock()
	var index = b.ring.IndexOfAddr(from)
	if index == -1 {
		b.mu.RUnlock()
		b.options.logger.Warn("dropping handoff from non-member", "from", from)
		return
	}
	var (
		sender, _ = b.ring.MemberAt(index)
		target    netip.AddrPort
	)
	if h.Direction == protocol.Left {
		target = b.ring.LeftNeighbor(index)
	} else {
		target = b.ring.RightNeighbor(index)
	}
	b.mu.RUnlock()

	if !target.IsValid() {
		b.options.logger.Debug("dropping handoff, no neighbor", "member_id", sender.ID, "direction", h.Direction)
		return
	}

	b.send(target, protocol.Handoff{
		Direction: h.Direction,
		From:      sender.ID,
		Payload:   h.Payload,
	})
}
