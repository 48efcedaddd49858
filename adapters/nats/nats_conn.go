package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	Address       string
	ConnTimeout   time.Duration
	MaxReconnects int
	Logger        *slog.Logger
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data}

	var h nats.Header
	if len(headers) > 0 {
		h = nats.Header{}
		for k, v := range headers {
			h.Add(k, v)
		}
	}

	msg.Header = h

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) Subscribe(subject string, fn func([]byte, map[string]string)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Data, flatten(m.Header))
	})
	if err != nil {
		return nil, err
	}

	return sub.Unsubscribe, nil
}

func flatten(h nats.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}

	return out
}

// NewWithNATS creates a real NATS connection and returns a Transport and a cleanup.
func NewWithNATS(cfg Config) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrTransportNotReady)
	}

	if cfg.Address == "" {
		return nil, nil, fmt.Errorf("%w: nats endpoint address required", berr.ErrTransportNotReady)
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrTransportNotReady, err)
	}

	tr := New(natsClient{nc: nc}, cfg.Address, WithLogger(cfg.Logger))
	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	return tr, cleanup, nil
}
