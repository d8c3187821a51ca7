package stream

// replayRing is a fixed-capacity ring of the most recent events for one
// stream. Callers synchronize access; the ring itself is not safe for
// concurrent use.
type replayRing struct {
	buf   []Event
	start int
	size  int
}

func newReplayRing(capacity int) *replayRing {
	return &replayRing{buf: make([]Event, capacity)}
}

// add appends an event, evicting the oldest once the ring is full.
func (r *replayRing) add(evt Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = evt
		r.size++
		return
	}
	r.buf[r.start] = evt
	r.start = (r.start + 1) % len(r.buf)
}

// at returns the i-th oldest buffered event. i must be in [0, size).
func (r *replayRing) at(i int) Event {
	return r.buf[(r.start+i)%len(r.buf)]
}

// after returns a copy of every event after the one with the given id.
// When the id is empty or no longer buffered, the entire ring is
// returned: a subscriber with no usable position gets full catch-up.
func (r *replayRing) after(id string) []Event {
	from := 0
	if id != "" {
		for i := 0; i < r.size; i++ {
			if r.at(i).ID == id {
				from = i + 1
				break
			}
		}
	}
	out := make([]Event, 0, r.size-from)
	for i := from; i < r.size; i++ {
		out = append(out, r.at(i))
	}
	return out
}

// clear drops all buffered events. The owning stream's sequence counter
// is untouched so ids stay monotonic across the process lifetime.
func (r *replayRing) clear() {
	r.start = 0
	r.size = 0
	for i := range r.buf {
		r.buf[i] = Event{}
	}
}
