// Package protocol is the transport independent endpoint API. A Context owns
// the module registry, the table of live endpoints and the endpoint wrapper
// cache; every operation goes through it instead of process-wide state.
package protocol

import (
	"sync"

	"github.com/google/uuid"
	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/metrics"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/utils/lifo"
)

// MaxCachedEndpoints is the default bound of the endpoint wrapper cache.
const MaxCachedEndpoints = 10

// Context is the root object of the endpoint layer.
type Context struct {
	registry  *plugin.Manager
	maxCached int

	lock      sync.RWMutex
	endpoints map[uuid.UUID]*Endpoint

	// cache holds closed wrappers ready for reuse; doomed holds the overflow
	// that is dropped on the next Idle.
	cache  lifo.Queue[*Endpoint]
	doomed lifo.Queue[*Endpoint]
}

// NewContext creates a context over registry. maxCached <= 0 selects
// MaxCachedEndpoints.
func NewContext(registry *plugin.Manager, maxCached int) *Context {
	if maxCached <= 0 {
		maxCached = MaxCachedEndpoints
	}
	return &Context{
		registry:  registry,
		maxCached: maxCached,
		endpoints: make(map[uuid.UUID]*Endpoint),
	}
}

// Registry returns the module registry.
func (c *Context) Registry() *plugin.Manager { return c.registry }

// Endpoint looks up a live endpoint by id.
func (c *Context) Endpoint(id uuid.UUID) *Endpoint {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.endpoints[id]
}

// Endpoints returns a snapshot of every live endpoint.
func (c *Context) Endpoints() []*Endpoint {
	c.lock.RLock()
	defer c.lock.RUnlock()
	eps := make([]*Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

// CacheLen returns the number of cached wrappers.
func (c *Context) CacheLen() int { return c.cache.Len() }

// DoomedLen returns the number of wrappers waiting to be reaped.
func (c *Context) DoomedLen() int { return c.doomed.Len() }

// Reap drops every doomed wrapper and returns how many were dropped. It runs
// on the caller's goroutine, never from a module callback.
func (c *Context) Reap() int {
	n := lifo.Count(c.doomed.StealList())
	if n > 0 {
		metrics.UpdateGaugeWithGroup(metrics.NameEndpointDoomedSize, metrics.GroupOpenPlay, metrics.Value(c.doomed.Len()))
	}
	return n
}

// Shutdown closes every live endpoint without waiting for completion and
// destroys all bound modules.
func (c *Context) Shutdown() {
	for _, ep := range c.Endpoints() {
		if err := ep.Close(false); err != nil {
			log.Debug().Err(err).Str("endpoint", ep.ID().String()).Msg("close during shutdown")
		}
	}
	c.Reap()
	c.registry.Close()
}

func (c *Context) allocEndpoint() *Endpoint {
	var ep *Endpoint
	if n := c.cache.Dequeue(); n != nil {
		ep = n.Value
	} else {
		ep = &Endpoint{}
		ep.node = lifo.NewNode(ep)
	}
	ep.ctx = c
	ep.id = uuid.New()
	ep.state.Store(int32(StateUnknown))
	metrics.UpdateGaugeWithGroup(metrics.NameEndpointCacheSize, metrics.GroupOpenPlay, metrics.Value(c.cache.Len()))
	return ep
}

func (c *Context) register(ep *Endpoint) {
	c.lock.Lock()
	c.endpoints[ep.id] = ep
	c.lock.Unlock()
}

func (c *Context) unregister(ep *Endpoint) {
	c.lock.Lock()
	delete(c.endpoints, ep.id)
	c.lock.Unlock()
}

// releaseEndpoint scrubs ep and returns it to the cache, or to the doomed
// list when the cache is full. Safe from module callback goroutines.
func (c *Context) releaseEndpoint(ep *Endpoint) {
	ep.reset()
	if c.cache.Len() < c.maxCached {
		c.cache.Enqueue(ep.node)
		metrics.UpdateGaugeWithGroup(metrics.NameEndpointCacheSize, metrics.GroupOpenPlay, metrics.Value(c.cache.Len()))
		return
	}
	c.doomed.Enqueue(ep.node)
	metrics.UpdateGaugeWithGroup(metrics.NameEndpointDoomedSize, metrics.GroupOpenPlay, metrics.Value(c.doomed.Len()))
}
