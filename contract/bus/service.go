package bus

import (
	"context"
	"strconv"
)

// ServiceLayer orders groups of bus services. Lower layers start first and stop last.
type ServiceLayer int

const (
	LayerNetwork ServiceLayer = iota
	LayerSession
	LayerPresentation
	LayerApplication
)

func (l ServiceLayer) String() string {
	switch l {
	case LayerNetwork:
		return "network"
	case LayerSession:
		return "session"
	case LayerPresentation:
		return "presentation"
	case LayerApplication:
		return "application"
	default:
		return "layer(" + strconv.Itoa(int(l)) + ")"
	}
}

// BusService is a pluggable subsystem whose lifecycle is driven by the bus.
// Transports, subscription managers and similar components implement it.
type BusService interface {
	Start(ctx context.Context, bus Bus) error
	Stop(ctx context.Context) error
	Dispose() error
}

// Named lets a service report the identity used in lifecycle logs.
type Named interface {
	ServiceName() string
}

// ServiceName returns the log identity of svc.
func ServiceName(svc BusService) string {
	if n, ok := svc.(Named); ok {
		return n.ServiceName()
	}

	return TypeName(svc)
}
