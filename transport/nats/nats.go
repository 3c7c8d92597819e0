// Package nats provides the NATS Core transport adapter.
package nats

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/drblury/msgflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ConnectFactory allows overriding the connection creation for testing.
var ConnectFactory = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	transport.Register(TransportName, Build)
}

// Build dials the NATS server named in cfg.
func Build(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
	}

	nc, err := ConnectFactory(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &conn{nc: nc}, nil
}

type conn struct {
	nc *nats.Conn
}

func (c *conn) Subscribe(subject string, handler transport.MessageHandler) error {
	_, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(transport.Message{
			Subject: m.Subject,
			Data:    m.Data,
			Header:  flattenHeader(m.Header),
		})
	})
	return err
}

func (c *conn) Publish(subject string, data []byte, header map[string]string) error {
	if len(header) == 0 {
		return c.nc.Publish(subject, data)
	}
	return c.nc.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  expandHeader(header),
	})
}

func (c *conn) IsConnected() bool {
	return c.nc.IsConnected()
}

func (c *conn) Close() error {
	c.nc.Close()
	return nil
}

// flattenHeader keeps the first value per key; the engine's envelope headers
// are single-valued.
func flattenHeader(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func expandHeader(h map[string]string) nats.Header {
	out := make(nats.Header, len(h))
	for key, value := range h {
		out.Set(key, value)
	}
	return out
}
