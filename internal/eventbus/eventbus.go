// Package eventbus implements the process-wide, synchronous publish/subscribe
// primitive that decouples backend domain services from gateway endpoints.
// Publishing is synchronous and best-effort: a subscriber's panic is
// recovered and never breaks delivery to the others, but handlers run in
// turn on the publisher's goroutine, so a slow handler delays the ones
// after it.
package eventbus

import (
	"log/slog"
	"sync"
)

// Name identifies one of the fixed event types the bus carries. The set is
// closed: producers and consumers agree on these names out of band.
type Name string

const (
	MarketBroadcast      Name = "market:broadcast"
	TerminalBroadcast    Name = "terminal:broadcast"
	TradeExecuted        Name = "trade:executed"
	PortfolioUpdated     Name = "portfolio:updated"
	BalanceUpdated       Name = "balance:updated"
	TransactionConfirmed Name = "transaction:confirmed"
	ServiceStatusUpdate  Name = "service:status:update"
	ServiceError         Name = "service:error"
	ServiceInitialized   Name = "service:initialized"
	ServiceCircuitBreak  Name = "service:circuit_breaker"
	MaintenanceUpdate    Name = "maintenance:update"
	SystemSettingsUpdate Name = "system:settings:update"
)

// Event is the envelope carried on the bus.
type Event struct {
	Name    Name
	Payload any
}

// Handler receives events published under the names it subscribed to.
type Handler func(Event)

// Bus is a process-wide, in-process pub/sub primitive. The zero value is
// not usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Name][]subscription
	nextID      uint64
	closed      bool
}

type subscription struct {
	id      uint64
	handler Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Name][]subscription)}
}

// Subscription is an opaque handle used to unregister a handler.
type Subscription struct {
	name Name
	id   uint64
	bus  *Bus
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscribers[s.name]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subscribers[s.name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Subscribe registers handler to be invoked synchronously for every event
// published under name, until the returned Subscription is unsubscribed or
// the bus shuts down.
func (b *Bus) Subscribe(name Name, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[name] = append(b.subscribers[name], subscription{id: id, handler: handler})
	return Subscription{name: name, id: id, bus: b}
}

// Publish delivers event to every current subscriber of event.Name, in
// registration order, on the calling goroutine. A subscriber that panics is
// logged and does not affect delivery to the others, and the panic never
// propagates to the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscription, len(b.subscribers[event.Name]))
	copy(subs, b.subscribers[event.Name])
	b.mu.RUnlock()

	for _, sub := range subs {
		invokeHandler(sub.handler, event)
	}
}

func invokeHandler(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus: subscriber panicked", "event", event.Name, "panic", r)
		}
	}()
	handler(event)
}

// Shutdown unregisters every subscriber. Subsequent Publish calls are no-ops.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[Name][]subscription)
}
