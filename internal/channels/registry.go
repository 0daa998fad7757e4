// Package channels implements the channel registry and broadcast router:
// channel creation is lazy, destruction happens when the
// subscriber set empties, and broadcast never blocks on a slow subscriber.
package channels

import (
	"log/slog"
	"sync"

	"github.com/fluxgate/streamgate/internal/transport"
)

// Subscriber is anything the router can fan a message out to. Send must
// never block: a connection that cannot accept the frame immediately drops
// it and reports that back via the bool return.
type Subscriber interface {
	ID() string
	Send(transport.Envelope) bool
}

// channel holds one named channel's subscriber set, preserving insertion
// order for broadcast fan-out.
type channel struct {
	order []string
	subs  map[string]Subscriber
}

func newChannelEntry() *channel {
	return &channel{subs: make(map[string]Subscriber)}
}

func (c *channel) add(s Subscriber) {
	if _, exists := c.subs[s.ID()]; exists {
		return
	}
	c.subs[s.ID()] = s
	c.order = append(c.order, s.ID())
}

func (c *channel) remove(id string) {
	if _, exists := c.subs[id]; !exists {
		return
	}
	delete(c.subs, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Registry is the process-wide channel registry. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*channel)}
}

// Subscribe adds sub to channel name, creating it if this is the first
// subscriber. Repeating Subscribe for an already-joined subscriber is a
// no-op.
func (r *Registry) Subscribe(name string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		ch = newChannelEntry()
		r.channels[name] = ch
	}
	ch.add(sub)
}

// Unsubscribe removes sub from channel name. The channel is deleted from
// the registry once its subscriber set becomes empty.
func (r *Registry) Unsubscribe(name string, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		return
	}
	ch.remove(subID)
	if len(ch.subs) == 0 {
		delete(r.channels, name)
	}
}

// UnsubscribeAll removes subID from every channel it belongs to. Used on
// connection close.
func (r *Registry) UnsubscribeAll(subID string, channels []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range channels {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		ch.remove(subID)
		if len(ch.subs) == 0 {
			delete(r.channels, name)
		}
	}
}

// SubscriberCount returns the number of subscribers on name, for the
// per-channel gauge. Zero for an unknown (i.e. empty) channel.
func (r *Registry) SubscriberCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return 0
	}
	return len(ch.subs)
}

// ChannelCount returns the number of currently live (non-empty) channels,
// for the admin status surface.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Broadcast delivers envelope to every current subscriber of name, in
// insertion order. envelope.Channel is set to name if unset. A subscriber
// whose Send reports false (backpressure) is logged and skipped; it is
// never retried and never closed here; that is the rate-limit/heartbeat
// paths' job. Broadcasting to an empty or unknown channel
// is a no-op.
func (r *Registry) Broadcast(name string, envelope transport.Envelope) {
	if envelope.Channel == "" {
		envelope.Channel = name
	}
	envelope.Stamp()

	r.mu.RLock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(ch.order))
	for _, id := range ch.order {
		subs = append(subs, ch.subs[id])
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		if !sub.Send(envelope) {
			slog.Warn("channels: dropped broadcast to slow subscriber", "channel", name, "subscriber", sub.ID())
		}
	}
}
