package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"galata/internal/logger"
)

// Publisher is the write side of the bus. Engine components depend on this
// rather than the concrete Bus so tests can capture events directly.
type Publisher interface {
	Publish(evt Event)
}

type Handler func(Event)

// Bus fans events out to subscribers, each drained by its own goroutine.
// Publish never blocks: a subscriber whose queue is full loses the event
// (logged), which is acceptable because the journal subscriber is sized
// generously and all engine state lives in the stores, not on the bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	name string
	ch   chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler with its own buffered queue. Must not be
// called after Close.
func (b *Bus) Subscribe(name string, buffer int, fn Handler) {
	if fn == nil {
		return
	}
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{name: name, ch: make(chan Event, buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		logger.Warnf("events: subscribe %s after close, ignored", name)
		return
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for evt := range sub.ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Errorf("events: subscriber %s panicked on %s: %v", sub.name, evt.Type, r)
					}
				}()
				fn(evt)
			}()
		}
	}()
}

// Publish stamps missing envelope fields and fans the event out.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			logger.Warnf("events: subscriber %s queue full, dropped %s", sub.name, evt.Type)
		}
	}
}

// Close stops delivery and waits for subscribers to drain their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
	b.wg.Wait()
}
