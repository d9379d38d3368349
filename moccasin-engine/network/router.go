package network

import (
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// ChannelHandler receives the payload of a message published on a channel
// together with the sender's address and port.
type ChannelHandler func(data json.RawMessage, address string, port int)

// Router delivers decoded envelopes.
//
// It has two modes. While no channel is subscribed, every envelope goes to
// the generic callback (the peer-message-received event) and its channel is
// ignored; this serves consumers that never use channels. Once any channel is
// subscribed, envelopes are delivered only to the handler of their channel
// and messages on other channels are dropped.
type Router struct {
	mu      sync.RWMutex
	subs    map[string]ChannelHandler
	generic func(env Envelope, from PeerInfo)
}

// NewRouter creates a router whose generic callback receives envelopes while
// no subscription exists.
func NewRouter(generic func(env Envelope, from PeerInfo)) *Router {
	return &Router{
		subs:    make(map[string]ChannelHandler),
		generic: generic,
	}
}

// Subscribe registers handler for channel. The first registration wins; it
// returns false if the channel already has a handler.
func (r *Router) Subscribe(channel string, handler ChannelHandler) bool {
	if handler == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[channel]; exists {
		return false
	}
	r.subs[channel] = handler
	return true
}

// Unsubscribe removes the handler for channel.
func (r *Router) Unsubscribe(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[channel]; !exists {
		return false
	}
	delete(r.subs, channel)
	return true
}

// Has reports whether channel has a handler.
func (r *Router) Has(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[channel]
	return ok
}

// Subscriptions returns the subscribed channel names, sorted.
func (r *Router) Subscriptions() []string {
	r.mu.RLock()
	channels := make([]string, 0, len(r.subs))
	for ch := range r.subs {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	sort.Strings(channels)
	return channels
}

// Dispatch routes env and reports whether anyone received it.
func (r *Router) Dispatch(env Envelope, from PeerInfo) bool {
	r.mu.RLock()
	count := len(r.subs)
	handler, ok := r.subs[env.Channel]
	r.mu.RUnlock()

	if count == 0 {
		if r.generic == nil {
			return false
		}
		r.generic(env, from)
		return true
	}
	if !ok {
		return false
	}
	handler(env.Data, from.Address, from.Port)
	return true
}
