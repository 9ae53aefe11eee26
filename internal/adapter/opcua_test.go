package adapter

import (
	"context"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

func newTestOPCUAAdapter(t *testing.T) *OPCUAAdapter {
	t.Helper()
	a, err := NewOPCUAAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestOPCUAAdapter_DefaultConfig(t *testing.T) {
	a := newTestOPCUAAdapter(t)

	cfg, ok := a.Config().(OPCUAConfig)
	require.True(t, ok)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "opc.tcp://localhost:4840", cfg.Endpoint)
	assert.Equal(t, []string{"Objects", "Tanks"}, cfg.NodePaths.Tanks)
	assert.Contains(t, cfg.NodePaths.TankLevel, "{tank_id}")
}

func TestOPCUAAdapter_ConfigMasksPassword(t *testing.T) {
	a := newTestOPCUAAdapter(t)

	require.NoError(t, a.UpdateConfig([]byte(`{"username":"operator","password":"hunter2"}`)))

	cfg := a.Config().(OPCUAConfig)
	assert.Equal(t, "operator", cfg.Username)
	assert.Equal(t, "********", cfg.Password)
}

func TestOPCUAAdapter_ConnectWhenDisabled(t *testing.T) {
	a := newTestOPCUAAdapter(t)

	err := a.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrDisabled)

	data, err := a.FetchTankData(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, data)
}

func TestVariantToFloat(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  float64
	}{
		{"float64", 42.5, 42.5},
		{"float32", float32(1.5), 1.5},
		{"int32", int32(-7), -7},
		{"uint16", uint16(300), 300},
		{"bool true", true, 1},
		{"bool false", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ua.NewVariant(tt.value)
			require.NoError(t, err)

			got, err := variantToFloat(v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	v, err := ua.NewVariant("not a number")
	require.NoError(t, err)
	_, err = variantToFloat(v)
	assert.Error(t, err)
}

func TestOPCUAAdapter_FetchAttemptsReconnect(t *testing.T) {
	a := newTestOPCUAAdapter(t)
	require.NoError(t, a.UpdateConfig([]byte(`{"enabled":true,"endpoint":"opc.tcp://127.0.0.1:1"}`)))

	// без клиента fetch сам пытается подключиться и возвращает ошибку
	// подключения, а не отказ из-за неинициализированного клиента
	_, err := a.FetchTankData(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "client is not connected")
	assert.NotEmpty(t, a.State().LastError)
}

func TestOPCUAAdapter_TestConnectionLeavesDisconnected(t *testing.T) {
	a := newTestOPCUAAdapter(t)
	require.NoError(t, a.UpdateConfig([]byte(`{"enabled":true,"endpoint":"opc.tcp://127.0.0.1:1"}`)))

	assert.False(t, a.TestConnection(context.Background()))
	assert.False(t, a.Connected())

	// проверка не оставляет адаптер подключённым и после ранее
	// установленного состояния
	a.setConnected()
	assert.False(t, a.TestConnection(context.Background()))
	assert.False(t, a.Connected())
}
