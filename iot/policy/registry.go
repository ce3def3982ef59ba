package policy

import (
	"sync"

	"github.com/relabs-tech/gartenio/iot/topic"
)

// Stats is a snapshot of registry usage counters.
type Stats struct {
	Tenants   int    `json:"tenants"`
	Resolvers int    `json:"resolvers"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Reloads   uint64 `json:"reloads"`
}

// Registry is the per-(tenant, device type) resolver cache. Creation
// is idempotent: concurrent creators converge on one instance. Reload
// swaps the whole registry atomically, so readers see either the fully
// old or the fully new state, never a mix.
type Registry struct {
	source Source

	mu        sync.RWMutex
	tables    *Tables
	resolvers map[string]map[string]*Resolver

	hits    uint64
	misses  uint64
	reloads uint64
}

// NewRegistry creates a registry and performs the initial table load.
func NewRegistry(source Source) (*Registry, error) {
	if source == nil {
		source = StaticSource{}
	}
	tables, err := source.Load()
	if err != nil {
		return nil, err
	}
	return &Registry{
		source:    source,
		tables:    tables,
		resolvers: map[string]map[string]*Resolver{},
	}, nil
}

// GetOrCreate returns the resolver for (tenant, device type), creating
// it on first use. The device type is normalized, so "edge_gateway"
// and "gateway" share one resolver.
func (g *Registry) GetOrCreate(tenantID, deviceType string) (*Resolver, error) {
	deviceType = topic.NormalizeDeviceType(deviceType)

	g.mu.RLock()
	resolver := g.resolvers[tenantID][deviceType]
	g.mu.RUnlock()
	if resolver != nil {
		g.mu.Lock()
		g.hits++
		g.mu.Unlock()
		return resolver, nil
	}

	created, err := NewResolver(tenantID, deviceType, g.tablesSnapshot())
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// another creator may have won the race; keep the existing instance
	if existing := g.resolvers[tenantID][deviceType]; existing != nil {
		g.hits++
		return existing, nil
	}
	g.misses++
	byType := g.resolvers[tenantID]
	if byType == nil {
		byType = map[string]*Resolver{}
		g.resolvers[tenantID] = byType
	}
	byType[deviceType] = created
	return created, nil
}

// Warmup pre-creates resolvers for the configured device types of the
// given tenants.
func (g *Registry) Warmup(tenantIDs []string) error {
	for _, tenantID := range tenantIDs {
		for _, deviceType := range g.tablesSnapshot().WarmupDeviceTypes {
			if _, err := g.GetOrCreate(tenantID, deviceType); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reload re-reads the policy tables from the source and replaces the
// registry content with a fresh snapshot. In-flight requests keep the
// resolver they already hold; new requests see only the new state.
func (g *Registry) Reload() error {
	tables, err := g.source.Load()
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.tables = tables
	g.resolvers = map[string]map[string]*Resolver{}
	g.reloads++
	g.mu.Unlock()
	return nil
}

// Invalidate drops the resolvers of a tenant. With device types given,
// only those are dropped.
func (g *Registry) Invalidate(tenantID string, deviceTypes ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(deviceTypes) == 0 {
		delete(g.resolvers, tenantID)
		return
	}
	for _, deviceType := range deviceTypes {
		delete(g.resolvers[tenantID], topic.NormalizeDeviceType(deviceType))
	}
}

// Stats returns a snapshot of the usage counters.
func (g *Registry) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	resolvers := 0
	for _, byType := range g.resolvers {
		resolvers += len(byType)
	}
	return Stats{
		Tenants:   len(g.resolvers),
		Resolvers: resolvers,
		Hits:      g.hits,
		Misses:    g.misses,
		Reloads:   g.reloads,
	}
}

func (g *Registry) tablesSnapshot() *Tables {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tables
}
