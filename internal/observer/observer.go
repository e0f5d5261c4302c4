// Package observer implements the subscriber sets behind VAs, DataFlows and
// Events.
//
// A Set stores each member together with the generation at which it was
// added. Broadcasts iterate over a snapshot taken under the lock and call the
// members outside of it, so a member may subscribe, unsubscribe or read the
// observed object from inside its callback. A member whose delivery returns
// ErrGone is pruned, but only if it was not removed and re-added in the
// meantime.
package observer

import (
	"errors"
	"fmt"
	"sync"
)

// ErrGone is returned by a delivery to a subscriber that can no longer be
// reached (typically the connection of a remote process went away). The
// subscriber is then removed from the set without an explicit unsubscribe.
var ErrGone = errors.New("observer: subscriber gone")

type member[L comparable] struct {
	l   L
	gen uint64
}

// Set is a concurrency-safe set of subscribers, kept in subscription order.
// The zero value is ready to use.
type Set[L comparable] struct {
	mu      sync.Mutex
	members []member[L]
	gen     uint64
}

// Entry is one member of a snapshot.
type Entry[L comparable] struct {
	Listener   L
	Generation uint64
}

// Add inserts l. It returns false if l is already a member.
func (s *Set[L]) Add(l L) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if m.l == l {
			return false
		}
	}
	s.gen++
	s.members = append(s.members, member[L]{l: l, gen: s.gen})
	return true
}

// Remove deletes l. It returns false if l was not a member.
func (s *Set[L]) Remove(l L) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.members {
		if m.l == l {
			s.members = append(s.members[:i:i], s.members[i+1:]...)
			return true
		}
	}
	return false
}

// Prune removes l only if it is still the registration of generation gen.
func (s *Set[L]) Prune(l L, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.members {
		if m.l == l && m.gen == gen {
			s.members = append(s.members[:i:i], s.members[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether l is a member.
func (s *Set[L]) Contains(l L) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if m.l == l {
			return true
		}
	}
	return false
}

// Len returns the number of members.
func (s *Set[L]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Clear removes every member and returns how many there were.
func (s *Set[L]) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.members)
	s.members = nil
	return n
}

// Snapshot returns a copy of the current members.
func (s *Set[L]) Snapshot() []Entry[L] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry[L], len(s.members))
	for i, m := range s.members {
		out[i] = Entry[L]{Listener: m.l, Generation: m.gen}
	}
	return out
}

// Broadcast calls deliver for every member of a snapshot of the set.
//
// A delivery returning ErrGone (possibly wrapped) prunes the member. Any other
// error, and any panic, is passed to report; neither stops the broadcast.
// It returns the number of members pruned.
func (s *Set[L]) Broadcast(deliver func(L) error, report func(L, error)) int {
	pruned := 0
	for _, e := range s.Snapshot() {
		err := safeCall(deliver, e.Listener)
		switch {
		case err == nil:
		case errors.Is(err, ErrGone):
			if s.Prune(e.Listener, e.Generation) {
				pruned++
			}
		case report != nil:
			report(e.Listener, err)
		}
	}
	return pruned
}

func safeCall[L any](deliver func(L) error, l L) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer: subscriber panicked: %v", r)
		}
	}()
	return deliver(l)
}
