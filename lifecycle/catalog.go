package lifecycle

import (
	"maps"
	"slices"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
)

// Catalog is an ordered multi-map from service layer to services.
// Services start in ascending layer order, and in registration order within a layer.
type Catalog struct {
	layers map[cbus.ServiceLayer][]cbus.BusService
	count  int
}

// NewCatalog returns an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{layers: make(map[cbus.ServiceLayer][]cbus.BusService)}
}

// Add appends svc to layer.
func (c *Catalog) Add(layer cbus.ServiceLayer, svc cbus.BusService) {
	c.layers[layer] = append(c.layers[layer], svc)
	c.count++
}

// Len returns the number of registered services.
func (c *Catalog) Len() int { return c.count }

// Services returns the startup order.
func (c *Catalog) Services() []cbus.BusService {
	out := make([]cbus.BusService, 0, c.count)
	for _, layer := range slices.Sorted(maps.Keys(c.layers)) {
		out = append(out, c.layers[layer]...)
	}

	return out
}

// Reverse returns the shutdown order: the exact reverse of Services.
func (c *Catalog) Reverse() []cbus.BusService {
	out := c.Services()
	slices.Reverse(out)

	return out
}
