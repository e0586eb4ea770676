package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"authguard/internal/model"
)

type Subscriber func(model.Update) error

// Bus fans updates out to subscribers. Subscribers run on the publishing
// goroutine, outside any lock held by the bus; a failing or panicking
// subscriber is logged and skipped.
type Bus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Subscriber
	order  []uint64
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[uint64]Subscriber)}
}

// Subscribe registers fn and returns an idempotent unsubscribe func.
func (b *Bus) Subscribe(fn Subscriber) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) Publish(update model.Update) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for i, fn := range subs {
		if err := b.deliver(fn, update); err != nil && b.logger != nil {
			b.logger.Warn("subscriber failed",
				"subscriber", i,
				"reason", update.Reason,
				"err", err,
			)
		}
	}
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(fn Subscriber, update model.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(update)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
