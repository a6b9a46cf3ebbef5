package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Hub fans invalidations out to in-process subscribers. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Invalidation
	nextID      uint64
	dropped     int64
	logger      *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[uint64]chan Invalidation),
		logger:      logger,
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe(buffer int) (<-chan Invalidation, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Invalidation, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Notify(_ context.Context, inv Invalidation) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- inv:
		default:
			atomic.AddInt64(&h.dropped, 1)
			h.logger.Warn("invalidation dropped for slow subscriber",
				zap.Uint64("subscriber", id),
				zap.String("invalidation_id", inv.ID),
			)
		}
	}
	return nil
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) Dropped() int64 {
	return atomic.LoadInt64(&h.dropped)
}
