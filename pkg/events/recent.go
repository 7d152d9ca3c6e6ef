package events

import "sync"

// Recent keeps the last N events delivered by a broker subscription
type Recent struct {
	mu     sync.RWMutex
	events []*Event
	next   int
	full   bool
	done   chan struct{}
}

// NewRecent creates a ring of capacity size
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 100
	}
	return &Recent{
		events: make([]*Event, size),
		done:   make(chan struct{}),
	}
}

// Follow records every event from sub until sub is closed
func (r *Recent) Follow(sub Subscriber) {
	go func() {
		defer close(r.done)
		for e := range sub {
			r.Add(e)
		}
	}()
}

// Done is closed once a followed subscription ends
func (r *Recent) Done() <-chan struct{} {
	return r.done
}

// Add records one event, evicting the oldest when full
func (r *Recent) Add(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// List returns the recorded events, oldest first
func (r *Recent) List() []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		return append([]*Event(nil), r.events[:r.next]...)
	}
	out := make([]*Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}
