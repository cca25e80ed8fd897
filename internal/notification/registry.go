package notification

import (
	"context"
	"errors"
	"sync"

	"cnc-monitor-backend/internal/views"
)

// ErrUnknownConnection is returned when subscribing on a connection that
// was never registered or has already been removed.
var ErrUnknownConnection = errors.New("unknown connection")

// Envelope is the live-view message sent to observers.
type Envelope struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Request is the live-view message received from observers.
type Request struct {
	Type string       `json:"type"`
	Data views.Params `json:"data"`
}

// Sink delivers envelopes to one observer connection. Push must honor ctx.
type Sink interface {
	Push(ctx context.Context, env Envelope) error
	Open() bool
}

type connection struct {
	sink Sink
	subs map[views.Kind]views.Params
}

// Registry records, per connection, the views it wants and the date and
// shift it last asked for. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connection)}
}

// Register adds a connection with no subscriptions.
func (r *Registry) Register(connID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &connection{sink: sink, subs: make(map[views.Kind]views.Params)}
}

// Subscribe stores or replaces the connection's entry for kind.
func (r *Registry) Subscribe(connID string, kind views.Kind, p views.Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	c.subs[kind] = p
	return nil
}

// Remove purges every entry of the connection.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Subscriptions returns a copy of the connection's subscriptions.
func (r *Registry) Subscriptions(connID string) map[views.Kind]views.Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make(map[views.Kind]views.Params, len(c.subs))
	for k, p := range c.subs {
		out[k] = p
	}
	return out
}

// Current returns the params the connection last stored for kind. It
// reports false for closed or removed connections.
func (r *Registry) Current(connID string, kind views.Kind) (views.Params, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok || !c.sink.Open() {
		return views.Params{}, false
	}
	p, ok := c.subs[kind]
	return p, ok
}

// Target is one view that must be recomputed and pushed.
type Target struct {
	ConnID string
	Sink   Sink
	Kind   views.Kind
	Params views.Params
}

// Targets returns the subscriptions of open connections whose stored date
// is today. Subscriptions for any other date are frozen.
func (r *Registry) Targets(today string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Target
	for id, c := range r.conns {
		if !c.sink.Open() {
			continue
		}
		for kind, p := range c.subs {
			if p.Date != today {
				continue
			}
			out = append(out, Target{ConnID: id, Sink: c.sink, Kind: kind, Params: p})
		}
	}
	return out
}
