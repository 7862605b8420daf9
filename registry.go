package tankring

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Registry is the ordered ring of members. Index arithmetic wraps: the
// right neighbor of the last member is the first and vice versa.
//
// Registry does no locking; the broker guards it.
type Registry struct {
	members []Member
}

// NewRegistry creates an empty ring.
func NewRegistry() *Registry {
	return &Registry{
		members: make([]Member, 0),
	}
}

// Size returns the number of members.
func (r *Registry) Size() int {
	return len(r.members)
}

// Add appends a member and returns its index. If addr is already present
// its LastSeen is refreshed instead and the existing index is returned.
func (r *Registry) Add(id string, addr netip.AddrPort, now time.Time) int {
	if index := r.IndexOfAddr(addr); index != -1 {
		r.members[index].LastSeen = now
		return index
	}

	r.members = append(r.members, Member{
		ID:       id,
		Addr:     addr,
		LastSeen: now,
	})
	return len(r.members) - 1
}

// Remove deletes the member at index, keeping the order of the rest.
// Returns false if index is out of range.
func (r *Registry) Remove(index int) bool {
	if !r.valid(index) {
		return false
	}
	r.members = append(r.members[:index], r.members[index+1:]...)
	return true
}

// IndexOfID returns the index of the member with the given id, or -1.
func (r *Registry) IndexOfID(id string) int {
	for i := range r.members {
		if r.members[i].ID == id {
			return i
		}
	}
	return -1
}

// IndexOfAddr returns the index of the member at addr, or -1.
func (r *Registry) IndexOfAddr(addr netip.AddrPort) int {
	for i := range r.members {
		if r.members[i].Addr == addr {
			return i
		}
	}
	return -1
}

// MemberAt returns the member at index.
func (r *Registry) MemberAt(index int) (Member, bool) {
	if !r.valid(index) {
		return Member{}, false
	}
	return r.members[index], true
}

// LeftNeighbor returns the address counter-clockwise of index.
// Returns the zero address when the ring has fewer than 2 members.
func (r *Registry) LeftNeighbor(index int) netip.AddrPort {
	if !r.valid(index) || len(r.members) < 2 {
		return netip.AddrPort{}
	}
	return r.members[(index-1+len(r.members))%len(r.members)].Addr
}

// RightNeighbor returns the address clockwise of index.
// Returns the zero address when the ring has fewer than 2 members.
func (r *Registry) RightNeighbor(index int) netip.AddrPort {
	if !r.valid(index) || len(r.members) < 2 {
		return netip.AddrPort{}
	}
	return r.members[(index+1)%len(r.members)].Addr
}

// UpdateLastSeen refreshes the lease of the member at index.
func (r *Registry) UpdateLastSeen(index int, now time.Time) bool {
	if !r.valid(index) {
		return false
	}
	r.members[index].LastSeen = now
	return true
}

// CollectStale returns the ids of members last seen before threshold.
// It does not remove them.
func (r *Registry) CollectStale(threshold time.Time) []string {
	var stale = make([]string, 0)
	for _, m := range r.members {
		if m.LastSeen.Before(threshold) {
			stale = append(stale, m.ID)
		}
	}
	return stale
}

// NextID returns the smallest prefix+n (n >= 1) not held by any member.
func (r *Registry) NextID(prefix string) string {
	var taken = make(map[string]bool, len(r.members))
	for _, m := range r.members {
		taken[m.ID] = true
	}
	for n := 1; ; n++ {
		var id = prefix + strconv.Itoa(n)
		if !taken[id] {
			return id
		}
	}
}

// Members returns a copy of the ring in order.
func (r *Registry) Members() []Member {
	var out = make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

func (r *Registry) valid(index int) bool {
	return index >= 0 && index < len(r.members)
}

// String returns a visual representation of the ring.
func (r *Registry) String() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Ring: %d members\n", len(r.members)))
	if len(r.members) == 0 {
		b.WriteString("[Empty Ring]\n")
		return b.String()
	}

	for i, m := range r.members {
		b.WriteString(fmt.Sprintf("  #%-3d %-10s %-22s left:%-22s right:%s\n",
			i, m.ID, m.Addr, r.LeftNeighbor(i), r.RightNeighbor(i)))
	}
	return b.String()
}
