package transport

import (
	"sync"

	"github.com/vango-go/vai-live/pkg/live/protocol"
)

// Handler receives one inbound event.
type Handler func(protocol.Event)

type subscription struct {
	id uint64
	fn Handler
}

// registry holds handlers per topic plus catch-all handlers, each list in
// registration order.
type registry struct {
	mu       sync.RWMutex
	nextID   uint64
	byTopic  map[protocol.Topic][]subscription
	catchAll []subscription
}

func newRegistry() *registry {
	return &registry{byTopic: make(map[protocol.Topic][]subscription)}
}

func (r *registry) add(topic protocol.Topic, all bool, fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	sub := subscription{id: r.nextID, fn: fn}
	if all {
		r.catchAll = append(r.catchAll, sub)
	} else {
		r.byTopic[topic] = append(r.byTopic[topic], sub)
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if all {
				r.catchAll = without(r.catchAll, sub.id)
				return
			}
			r.byTopic[topic] = without(r.byTopic[topic], sub.id)
			if len(r.byTopic[topic]) == 0 {
				delete(r.byTopic, topic)
			}
		})
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// dispatch calls topic handlers first, then catch-all handlers. Handlers run
// outside the lock so they may subscribe or unsubscribe.
func (r *registry) dispatch(ev protocol.Event) {
	r.mu.RLock()
	topicSubs := r.byTopic[ev.Topic()]
	allSubs := r.catchAll
	r.mu.RUnlock()

	for _, s := range topicSubs {
		s.fn(ev)
	}
	for _, s := range allSubs {
		s.fn(ev)
	}
}
