package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus fans events out to subscribers. A subscriber that cannot keep up
// loses events rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	buffer int
}

type subscription struct {
	ch     chan Event
	filter func(Event) bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]*subscription), buffer: buffer}
}

// Subscribe returns a channel of events accepted by filter (nil = all) and a
// cancel func that closes it.
func (b *Bus) Subscribe(filter func(Event) bool) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			log.Warn().
				Str("module", "events").
				Str("type", string(e.Type)).
				Str("broadcast", string(e.Broadcast)).
				Msg("subscriber backlog full, event dropped")
		}
	}
}

// ForBroadcast filters on one broadcast ID and, optionally, a set of types.
func ForBroadcast(id string, types ...Type) func(Event) bool {
	return func(e Event) bool {
		if string(e.Broadcast) != id {
			return false
		}
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}
