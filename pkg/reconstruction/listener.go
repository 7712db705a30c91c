package reconstruction

import (
	"sync"

	"github.com/google/uuid"

	"slicerecon/internal/models"
)

// Listener is notified when new reconstructed data is available.
//
// Notify is called on the ingestion goroutine once per completed upload
// cycle and whenever a tunable changes the geometry; implementations must
// return quickly and query the Reconstructor from their own goroutines.
// RegisterParameter receives every tunable on registration and on
// initialization, and the new value whenever a change is applied.
type Listener interface {
	Notify(r *Reconstructor)
	RegisterParameter(name string, value models.ParameterValue)
}

// Observer receives session bookkeeping events. Calls are made inline from
// the ingestion goroutine and must not block.
type Observer interface {
	Initialized(geom models.AcquisitionGeometry, settings models.Settings)
	ScanSettingsChanged(darks, flats int, alreadyLinear bool)
	Uploaded(slot, projBegin, projEnd int)
}

// registry owns the listener set. Listeners are addressed by id so a
// departing client can unregister without the Reconstructor holding a
// reference to it afterwards.
type registry struct {
	mu        sync.RWMutex
	order     []uuid.UUID
	listeners map[uuid.UUID]Listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[uuid.UUID]Listener)}
}

func (g *registry) add(l Listener) uuid.UUID {
	id := uuid.New()
	g.mu.Lock()
	g.listeners[id] = l
	g.order = append(g.order, id)
	g.mu.Unlock()
	return id
}

func (g *registry) remove(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.listeners[id]; !ok {
		return false
	}
	delete(g.listeners, id)
	for i, other := range g.order {
		if other == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

// snapshot returns the listeners in registration order.
func (g *registry) snapshot() []Listener {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Listener, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.listeners[id])
	}
	return out
}
