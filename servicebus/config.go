package servicebus

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
)

const defaultRequestTimeout = 30 * time.Second

// Config holds the settings of a Bus.
type Config struct {
	// DefaultRequestTimeout bounds PublishRequest/SendRequest unless a call overrides it.
	DefaultRequestTimeout time.Duration

	// Observability
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Propagator cbus.HeaderPropagator
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRequestTimeout: defaultRequestTimeout,
		Logger:                slog.Default(),
		Propagator:            cbus.NopHeaderPropagator{},
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.DefaultRequestTimeout > 0 {
		c.DefaultRequestTimeout = source.DefaultRequestTimeout
	}

	if source.Logger != nil {
		c.Logger = source.Logger
	}

	if source.Registerer != nil {
		c.Registerer = source.Registerer
	}

	if source.Propagator != nil {
		c.Propagator = source.Propagator
	}
}

// BusOption configures a Bus instance.
type BusOption func(*Bus)

// WithConfig merges cfg into the bus configuration.
func WithConfig(cfg Config) BusOption {
	return func(b *Bus) { b.cfg.Merge(&cfg) }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.cfg.Merge(&Config{Logger: l}) }
}

// WithDefaultRequestTimeout sets the request deadline used when a call does not override it.
func WithDefaultRequestTimeout(d time.Duration) BusOption {
	return func(b *Bus) { b.cfg.Merge(&Config{DefaultRequestTimeout: d}) }
}

// WithMetrics registers the bus collectors with reg.
func WithMetrics(reg prometheus.Registerer) BusOption {
	return func(b *Bus) { b.cfg.Merge(&Config{Registerer: reg}) }
}

// WithHeaderPropagator injects tracing context into the headers of every outgoing message.
func WithHeaderPropagator(p cbus.HeaderPropagator) BusOption {
	return func(b *Bus) { b.cfg.Merge(&Config{Propagator: p}) }
}

// WithHandlerMiddleware registers subscription middleware. Middlewares run in registration order.
func WithHandlerMiddleware(mw ...HandlerMiddleware) BusOption {
	return func(b *Bus) { b.mw = append(b.mw, mw...) }
}
