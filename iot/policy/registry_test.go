package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	g, err := NewRegistry(nil)
	require.NoError(t, err)

	first, err := g.GetOrCreate("acme", "sensor")
	require.NoError(t, err)
	second, err := g.GetOrCreate("acme", "sensor")
	require.NoError(t, err)
	assert.Same(t, first, second)

	// normalization maps aliases onto the same resolver
	aliased, err := g.GetOrCreate("acme", "Temperature_Sensor")
	require.NoError(t, err)
	assert.Same(t, first, aliased)

	stats := g.Stats()
	assert.Equal(t, 1, stats.Tenants)
	assert.Equal(t, 1, stats.Resolvers)
	assert.EqualValues(t, 1, stats.Misses)
}

func TestRegistryConcurrentCreatorsConverge(t *testing.T) {
	g, err := NewRegistry(nil)
	require.NoError(t, err)

	const n = 32
	resolvers := make([]*Resolver, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := g.GetOrCreate("acme", "gateway")
			assert.NoError(t, err)
			resolvers[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, resolvers[0], resolvers[i])
	}
	assert.Equal(t, 1, g.Stats().Resolvers)
}

func TestRegistryRejectsInvalidTenant(t *testing.T) {
	g, err := NewRegistry(nil)
	require.NoError(t, err)
	_, err = g.GetOrCreate("bad/tenant", "sensor")
	assert.Error(t, err)
}

func TestRegistryWarmup(t *testing.T) {
	g, err := NewRegistry(nil)
	require.NoError(t, err)
	require.NoError(t, g.Warmup([]string{"acme", "globex"}))

	stats := g.Stats()
	assert.Equal(t, 2, stats.Tenants)
	assert.Equal(t, 2*len(DefaultTables().WarmupDeviceTypes), stats.Resolvers)
}

func TestRegistryReloadSwapsAtomically(t *testing.T) {
	tables := DefaultTables()
	g, err := NewRegistry(StaticSource{Tables: tables})
	require.NoError(t, err)

	before, err := g.GetOrCreate("acme", "sensor")
	require.NoError(t, err)

	require.NoError(t, g.Reload())

	after, err := g.GetOrCreate("acme", "sensor")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.EqualValues(t, 1, g.Stats().Reloads)

	// the resolver handed out before the reload keeps working
	p, err := before.Resolve(sensorRequest())
	require.NoError(t, err)
	assert.Len(t, p.QosRetain, 9)
}

func TestRegistryInvalidate(t *testing.T) {
	g, err := NewRegistry(nil)
	require.NoError(t, err)

	sensor, err := g.GetOrCreate("acme", "sensor")
	require.NoError(t, err)
	gateway, err := g.GetOrCreate("acme", "gateway")
	require.NoError(t, err)

	g.Invalidate("acme", "sensor")
	newSensor, err := g.GetOrCreate("acme", "sensor")
	require.NoError(t, err)
	sameGateway, err := g.GetOrCreate("acme", "gateway")
	require.NoError(t, err)
	assert.NotSame(t, sensor, newSensor)
	assert.Same(t, gateway, sameGateway)

	g.Invalidate("acme")
	assert.Equal(t, 0, g.Stats().Tenants)
}
