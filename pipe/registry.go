package pipe

import "golang.org/x/sys/unix"

// registry maps pipe ids to pipes and threads the signalled list through the
// same slots: a pipe id is both the array index and the list node handle.
// All methods must be called with the device lock held.
type registry struct {
	slots []slot
	head  int32 // first signalled pipe, or none
	max   int   // capacity bound, 0 for none
	open  int
}

type slot struct {
	pipe  *Pipe
	prev  int32  // signalled list links
	next  int32  //
	flags uint32 // wake flags signalled by the host
}

const none = -1

func (r *registry) init(capacity, max int) {
	r.slots = newSlots(capacity)
	r.head = none
	r.max = max
}

// alloc installs p in the first empty slot, doubling the capacity if there
// is none, and returns the slot's id.
func (r *registry) alloc(p *Pipe) (int32, error) {
	for id := range r.slots {
		if r.slots[id].pipe == nil {
			r.slots[id].pipe = p
			r.open++
			return int32(id), nil
		}
	}

	capacity := 2 * len(r.slots)
	if r.max > 0 {
		capacity = min(capacity, r.max)
	}

	if capacity <= len(r.slots) {
		return 0, unix.ENOMEM
	}

	id := len(r.slots)
	r.slots = append(r.slots, newSlots(capacity-id)...)
	r.slots[id].pipe = p
	r.open++

	return int32(id), nil
}

// release clears the slot. The pipe must already be off the signalled list.
func (r *registry) release(id int32) {
	if r.linked(id) {
		panic("pipe: releasing a signalled pipe")
	}

	r.slots[id] = slot{prev: none, next: none}
	r.open--
}

func (r *registry) lookup(id uint32) *Pipe {
	if id >= uint32(len(r.slots)) {
		return nil
	}

	return r.slots[id].pipe
}

// signal ORs flags into the pipe's signalled flags and pushes it on the front
// of the signalled list unless it's already there. It returns false if no
// pipe has the id.
func (r *registry) signal(id uint32, flags uint32) bool {
	if r.lookup(id) == nil {
		return false
	}

	s := &r.slots[id]
	s.flags |= flags

	if r.linked(int32(id)) {
		return true
	}

	s.next = r.head
	if r.head != none {
		r.slots[r.head].prev = int32(id)
	}

	r.head = int32(id)

	return true
}

func (r *registry) linked(id int32) bool {
	s := &r.slots[id]
	return s.prev != none || s.next != none || r.head == id
}

// unlink removes the pipe from the signalled list if it's there.
func (r *registry) unlink(id int32) {
	s := &r.slots[id]

	if s.prev != none {
		r.slots[s.prev].next = s.next
	}

	if s.next != none {
		r.slots[s.next].prev = s.prev
	}

	if r.head == id {
		r.head = s.next
	}

	s.prev = none
	s.next = none
}

// popFront removes the first signalled pipe and returns it along with its
// signalled flags, which are cleared.
func (r *registry) popFront() (p *Pipe, flags uint32, ok bool) {
	if r.head == none {
		return nil, 0, false
	}

	s := &r.slots[r.head]
	p, flags = s.pipe, s.flags
	s.flags = 0

	// the head has no prev, so only the forward links need cutting
	r.head = s.next
	if r.head != none {
		r.slots[r.head].prev = none
	}

	s.next = none

	return p, flags, true
}

func newSlots(n int) []slot {
	s := make([]slot, n)
	for i := range s {
		s[i].prev = none
		s[i].next = none
	}

	return s
}
