// Package channel provides an in-memory transport adapter. It is useful for
// testing and local development; delivery is synchronous on the publisher's
// goroutine, exactly like a broker callback thread.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/drblury/msgflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

func init() {
	transport.Register(TransportName, Build)
}

// Build creates a new in-memory transport.
func Build(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	return New(), nil
}

// Conn is an in-memory pub/sub fabric. Subjects match exactly; there is no
// wildcard support.
type Conn struct {
	mu     sync.RWMutex
	subs   map[string][]transport.MessageHandler
	closed bool
}

// New returns a connected in-memory transport.
func New() *Conn {
	return &Conn{subs: make(map[string][]transport.MessageHandler)}
}

func (c *Conn) Subscribe(subject string, handler transport.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel transport is closed")
	}
	c.subs[subject] = append(c.subs[subject], handler)
	return nil
}

func (c *Conn) Publish(subject string, data []byte, header map[string]string) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return errors.New("channel transport is closed")
	}
	handlers := make([]transport.MessageHandler, len(c.subs[subject]))
	copy(handlers, c.subs[subject])
	c.mu.RUnlock()

	msg := transport.Message{Subject: subject, Data: data, Header: cloneHeader(header)}
	for _, handler := range handlers {
		handler(msg)
	}
	return nil
}

func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[string][]transport.MessageHandler)
	return nil
}

func cloneHeader(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
