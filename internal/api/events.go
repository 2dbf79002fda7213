package api

import (
	"sync"

	"feedmanager/internal/eventbus"
)

// EventLog tails the bus and retains the most recent events for the events
// endpoint. It lives outside the HTTP server lifecycle so a server restart
// on reconfigure never loses the tail.
type EventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
	size   int

	unsub func()
	done  chan struct{}
}

// NewEventLog subscribes to bus and starts tailing. Close releases the
// subscription.
func NewEventLog(bus eventbus.Bus, size int) *EventLog {
	if size <= 0 {
		size = 100
	}
	l := &EventLog{size: size, done: make(chan struct{})}
	ch, unsub := bus.Subscribe(32)
	l.unsub = unsub
	go func() {
		defer close(l.done)
		for e := range ch {
			l.mu.Lock()
			l.events = append(l.events, e)
			if len(l.events) > l.size {
				l.events = l.events[len(l.events)-l.size:]
			}
			l.mu.Unlock()
		}
	}()
	return l
}

// Recent returns the retained events, oldest first.
func (l *EventLog) Recent() []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]eventbus.Event(nil), l.events...)
}

// Close unsubscribes and waits for the tail goroutine to drain.
func (l *EventLog) Close() {
	if l.unsub == nil {
		return
	}
	l.unsub()
	<-l.done
	l.unsub = nil
}
