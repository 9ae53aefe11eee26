package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	registry, err := NewRegistry(store, zap.NewNop())
	require.NoError(t, err)
	return registry
}

func TestRegistry_HasAdapterPerProtocol(t *testing.T) {
	registry := newRegistry(t)

	for _, source := range domain.Sources() {
		a, ok := registry.Adapter(source)
		require.True(t, ok, "missing adapter for %s", source)
		assert.Equal(t, source, a.Source())
		// адаптеры создаются выключенными и отключёнными
		assert.False(t, a.Enabled())
		assert.False(t, a.Connected())
	}

	assert.Len(t, registry.Adapters(), len(domain.Sources()))
	assert.NotNil(t, registry.MQTT())
}

func TestRegistry_UnknownSource(t *testing.T) {
	registry := newRegistry(t)

	_, ok := registry.Adapter(domain.SourceLegacy)
	assert.False(t, ok)
}

func TestRegistry_AdaptersOrderIsStable(t *testing.T) {
	registry := newRegistry(t)

	first := registry.Adapters()
	second := registry.Adapters()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Source(), second[i].Source())
	}
}
