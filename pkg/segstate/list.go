package segstate

import "kvlog/pkg/types"

// List is a slot-indexed doubly-linked list: an intrusive per-state list
// reimplemented as parallel next/prev arrays since Go values have no stable
// address to embed a link in. PushBack, Remove, Front and Len are O(1);
// Each and DrainInto visit every member.
type List struct {
	next []types.Slot
	prev []types.Slot
	head types.Slot
	tail types.Slot
	size int
}

// NewList allocates a List able to hold slots in [0, capacity).
func NewList(capacity int) *List {
	next := make([]types.Slot, capacity)
	prev := make([]types.Slot, capacity)
	for i := range next {
		next[i] = types.InvalidSlot
		prev[i] = types.InvalidSlot
	}
	return &List{
		next: next,
		prev: prev,
		head: types.InvalidSlot,
		tail: types.InvalidSlot,
	}
}

// PushBack adds slot to the end of the list. slot must not already be a
// member of this list.
func (l *List) PushBack(slot types.Slot) {
	l.prev[slot] = l.tail
	l.next[slot] = types.InvalidSlot

	if l.tail != types.InvalidSlot {
		l.next[l.tail] = slot
	} else {
		l.head = slot
	}
	l.tail = slot
	l.size++
}

// Remove removes slot from the list. slot must be a current member.
func (l *List) Remove(slot types.Slot) {
	p := l.prev[slot]
	n := l.next[slot]

	if p != types.InvalidSlot {
		l.next[p] = n
	} else {
		l.head = n
	}
	if n != types.InvalidSlot {
		l.prev[n] = p
	} else {
		l.tail = p
	}

	l.prev[slot] = types.InvalidSlot
	l.next[slot] = types.InvalidSlot
	l.size--
}

// Front returns the first slot in the list, if any.
func (l *List) Front() (types.Slot, bool) {
	if l.head == types.InvalidSlot {
		return types.InvalidSlot, false
	}
	return l.head, true
}

// Len returns the number of members.
func (l *List) Len() int { return l.size }

// Each calls f for every member, front to back, stopping early if f returns
// false. It is safe for f to Remove the slot it was just called with, but
// not other slots.
func (l *List) Each(f func(slot types.Slot) bool) {
	s := l.head
	for s != types.InvalidSlot {
		next := l.next[s]
		if !f(s) {
			return
		}
		s = next
	}
}

// DrainInto removes every member of the list, in front-to-back order,
// calling f on each one after it has been removed. This is the pattern used
// by cleanableSegments and the digest-time state transitions, where an
// element's removal from the source list must happen before it's inserted
// into the destination list.
func (l *List) DrainInto(f func(slot types.Slot)) {
	for {
		slot, ok := l.Front()
		if !ok {
			return
		}
		l.Remove(slot)
		f(slot)
	}
}
