package notify

import (
	"sync"
	"sync/atomic"
)

const DefaultSubscriberBuffer = 32

func HelperTopic(helperID string) string { return "helper:" + helperID }

func RequestTopic(requestID string) string { return "request:" + requestID }

// Hub is an in-process topic broker. Delivery is best effort: a subscriber
// whose buffer is full misses the event and is expected to re-read state.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	buffer int

	published atomic.Int64
	dropped   atomic.Int64
}

type HubStats struct {
	Published int64
	Dropped   int64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[string]map[uint64]*Subscription),
		buffer: buffer,
	}
}

type Subscription struct {
	id     uint64
	topics []string
	ch     chan Event
	hub    *Hub
	once   sync.Once
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		for _, topic := range s.topics {
			set := s.hub.subs[topic]
			delete(set, s.id)
			if len(set) == 0 {
				delete(s.hub.subs, topic)
			}
		}
		close(s.ch)
	})
}

func (h *Hub) Subscribe(topics ...string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		topics: append([]string(nil), topics...),
		ch:     make(chan Event, h.buffer),
		hub:    h,
	}
	for _, topic := range topics {
		set, ok := h.subs[topic]
		if !ok {
			set = make(map[uint64]*Subscription)
			h.subs[topic] = set
		}
		set[sub.id] = sub
	}
	return sub
}

// Publish delivers ev to every subscriber of topic without blocking and
// returns how many received it.
func (h *Hub) Publish(topic string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)
	delivered := 0
	for _, sub := range h.subs[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

func (h *Hub) Stats() HubStats {
	return HubStats{Published: h.published.Load(), Dropped: h.dropped.Load()}
}
