// Package transport defines the narrow broker contract the dispatch engine
// depends on: connect, subscribe, publish. Each adapter (nats, channel)
// lives in its own sub-package and registers itself with the registry.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Message is one inbound or outbound envelope on the wire.
type Message struct {
	Subject string
	Data    []byte
	// Header carries envelope metadata such as trace context and the
	// correlation id. May be nil.
	Header map[string]string
}

// MessageHandler receives inbound messages for one subscription. Handlers
// run on the transport's callback goroutine and must not block; the engine
// only decodes the subject and enqueues from here.
type MessageHandler func(msg Message)

// Conn is an established broker connection.
type Conn interface {
	// Subscribe delivers every message published to subject to handler.
	Subscribe(subject string, handler MessageHandler) error

	// Publish sends one message. header may be nil.
	Publish(subject string, data []byte, header map[string]string) error

	// IsConnected reports whether the underlying connection is healthy.
	IsConnected() bool

	// Close tears down all subscriptions and the connection. Idempotent.
	Close() error
}

// Config provides the connection settings an adapter needs.
type Config struct {
	// URL is the broker address, for example "nats://localhost:4222".
	URL string
	// ClientName identifies this connection to the broker.
	ClientName string
}

// Builder is the function signature for dialling a transport from config.
type Builder func(ctx context.Context, cfg Config) (Conn, error)

// Registry maintains a mapping of transport names to their builders.
// Adapter packages register themselves via Register.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a transport builder to the registry. The name should match
// the Transport config value (e.g. "nats", "channel").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build dials a transport using the registered builder for name.
func (r *Registry) Build(ctx context.Context, name string, cfg Config) (Conn, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg)
}

// Names returns the list of registered transport names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build dials a transport from the default registry.
func Build(ctx context.Context, name string, cfg Config) (Conn, error) {
	return DefaultRegistry.Build(ctx, name, cfg)
}

// Names lists the transports registered with the default registry.
func Names() []string {
	return DefaultRegistry.Names()
}
