package courier

// GroupAddress names a set of replica endpoints with a leader hint.
//
// Invariants:
//   - The leader hint is an index into members, or -1 when unknown.
//   - Reply handlers mutate the hint concurrently with callers picking a
//     target; every read takes a consistent (members, leader) snapshot
//     under the mutex. Callers never observe a leader outside members.

import (
	"math/rand"
	"sync"
)

type GroupAddress struct {
	mu         sync.Mutex
	name       string
	members    []Address
	leaderIdx  int
	autoUpdate bool
	rng        *rand.Rand
}

// NewGroup creates an empty group. updateLeaderAutomatically
// controls whether reply handling may rewrite the leader hint from
// forward hints and forwarded replies.
func NewGroup(name string, updateLeaderAutomatically bool) *GroupAddress {
	return &GroupAddress{
		name:       name,
		leaderIdx:  -1,
		autoUpdate: updateLeaderAutomatically,
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
}

func (g *GroupAddress) Name() string { return g.name }

// UpdateLeaderAutomatically reports whether reply handling may move the
// leader hint. Immutable after construction, so no lock.
func (g *GroupAddress) UpdateLeaderAutomatically() bool { return g.autoUpdate }

// AddMember appends addr if not already present.
func (g *GroupAddress) AddMember(addr Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.indexOfLocked(addr) < 0 {
		g.members = append(g.members, addr)
	}
}

// Members returns a snapshot of the member list.
func (g *GroupAddress) Members() []Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Address, len(g.members))
	copy(out, g.members)
	return out
}

// Leader returns the current leader hint, or an invalid address when
// unknown.
func (g *GroupAddress) Leader() Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.leaderIdx < 0 || g.leaderIdx >= len(g.members) {
		return Address{}
	}
	return g.members[g.leaderIdx]
}

// PossibleLeader returns the leader hint when known, otherwise a random
// member (and records it as the new hint, so subsequent calls stay on one
// target until a reply corrects it).
func (g *GroupAddress) PossibleLeader() Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return Address{}
	}
	if g.leaderIdx < 0 || g.leaderIdx >= len(g.members) {
		g.leaderIdx = g.rng.Intn(len(g.members))
	}
	return g.members[g.leaderIdx]
}

// RandomMember returns a uniformly random member.
func (g *GroupAddress) RandomMember() Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return Address{}
	}
	return g.members[g.rng.Intn(len(g.members))]
}

// SetLeader records addr as the leader hint, adding it to the member list
// if it is not yet present.
func (g *GroupAddress) SetLeader(addr Address) {
	if addr.Type() != HostTypeIPv4 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.indexOfLocked(addr)
	if i < 0 {
		g.members = append(g.members, addr)
		i = len(g.members) - 1
	}
	g.leaderIdx = i
}

// LeaderForward rotates the leader hint to the next member. Called when a
// call to the presumed leader terminated without a reply, so the next
// attempt tries a different replica.
func (g *GroupAddress) LeaderForward() Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return Address{}
	}
	g.leaderIdx = (g.leaderIdx + 1) % len(g.members)
	return g.members[g.leaderIdx]
}

func (g *GroupAddress) indexOfLocked(addr Address) int {
	for i, m := range g.members {
		if m.Equal(addr) {
			return i
		}
	}
	return -1
}
