package events

// Ring is a fixed-capacity FIFO buffer of events. When full, Push evicts
// the oldest entry. Push and Pop are O(1). Not safe for concurrent use.
type Ring struct {
	buf  []Event
	head int
	n    int
}

// NewRing creates a ring buffer with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Push appends an event, evicting the oldest if the buffer is full.
func (r *Ring) Push(ev Event) {
	if r.n == len(r.buf) {
		// Overwrite the oldest slot and advance.
		r.buf[r.head] = ev
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.n)%len(r.buf)] = ev
	r.n++
}

// Pop removes and returns the oldest event.
func (r *Ring) Pop() (Event, bool) {
	if r.n == 0 {
		return Event{}, false
	}
	ev := r.buf[r.head]
	r.buf[r.head] = Event{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return ev, true
}

// Len returns the number of buffered events.
func (r *Ring) Len() int { return r.n }

// Cap returns the buffer capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Snapshot returns the buffered events in FIFO order.
func (r *Ring) Snapshot() []Event {
	out := make([]Event, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
