package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
)

const subscriberBuffer = 64

// MemoryBus is the in-process bus used when no NATS URL is configured.
type MemoryBus struct {
	log *logger.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

type memorySub struct {
	id     int
	filter string
	ch     chan Event
	bus    *MemoryBus
	done   chan struct{}
}

// NewMemory builds an in-process bus.
func NewMemory(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		log:  log.WithFields(zap.String("component", "bus")),
		subs: make(map[int]*memorySub),
	}
}

// Publish delivers the event to every matching subscriber. Full subscriber
// buffers drop the event; the mirror path is lossy by contract.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, s := range b.subs {
		if !matchFilter(s.filter, ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.log.Warn("subscriber buffer full, event dropped",
				zap.String("filter", s.filter), zap.String("type", ev.Type))
		}
	}
	return nil
}

// Subscribe registers a handler; delivery happens on a per-subscriber
// goroutine so one handler cannot stall another.
func (b *MemoryBus) Subscribe(filter string, h Handler) (Subscription, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &memorySub{
		id:     b.nextID,
		filter: filter,
		ch:     make(chan Event, subscriberBuffer),
		bus:    b,
		done:   make(chan struct{}),
	}
	b.subs[s.id] = s

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev := <-s.ch:
				h(ev)
			}
		}
	}()
	return s, nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.done)
	}
	s.bus.mu.Unlock()
	return nil
}

// Close drops every subscriber.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.done)
		delete(b.subs, id)
	}
	return nil
}
