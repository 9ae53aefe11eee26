package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

// fakeMessage реализует mqtt.Message для тестов обработчика
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestMQTTAdapter_OnMessage(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateConfig([]byte(`{"user_id":"user-1"}`)))

	adapter.onMessage(nil, &fakeMessage{
		topic:   "tanks/tank1",
		payload: []byte(`{"tank_id":"tank1","name":"Main","level":42.5,"timestamp":"2026-08-30T12:00:00Z"}`),
	})

	require.Len(t, adapter.pending, 1)
	got := adapter.pending[0]
	assert.Equal(t, "tank1", got.TankID)
	assert.Equal(t, "Main", got.Name)
	assert.Equal(t, 42.5, got.Level)
	assert.Equal(t, domain.SourceMQTT, got.Source)
	assert.Equal(t, "user-1", got.OwnerUserID)
	assert.Equal(t, 2026, got.Timestamp.Year())
}

func TestMQTTAdapter_OnMessageIgnoresMalformed(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	// не JSON
	adapter.onMessage(nil, &fakeMessage{topic: "tanks/x", payload: []byte("not json")})
	// нет уровня
	adapter.onMessage(nil, &fakeMessage{topic: "tanks/x", payload: []byte(`{"tank_id":"t1"}`)})
	// нет идентификатора
	adapter.onMessage(nil, &fakeMessage{topic: "tanks/x", payload: []byte(`{"level":1.0}`)})

	assert.Empty(t, adapter.pending)
}

func TestMQTTAdapter_OnMessageDefaults(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	before := time.Now()
	adapter.onMessage(nil, &fakeMessage{
		topic:   "tanks/tank2",
		payload: []byte(`{"tank_id":"tank2","level":0}`),
	})

	require.Len(t, adapter.pending, 1)
	got := adapter.pending[0]
	// имя по умолчанию совпадает с идентификатором
	assert.Equal(t, "tank2", got.Name)
	assert.Equal(t, 0.0, got.Level)
	assert.False(t, got.Timestamp.Before(before))
}

func TestMQTTAdapter_FetchWhenDisabled(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	batch, err := adapter.FetchTankData(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, batch)
}

func TestMQTTAdapter_ConnectWhenDisabled(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	err = adapter.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrDisabled)
	assert.False(t, adapter.Connected())
}

func TestMQTTAdapter_ConfigMasksPassword(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateConfig([]byte(`{"password":"hunter2"}`)))

	cfg, ok := adapter.Config().(MQTTConfig)
	require.True(t, ok)
	assert.Equal(t, "********", cfg.Password)
}

func TestMQTTAdapter_PublishWithoutConnection(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	err = adapter.Publish("tanks/cmd", map[string]string{"op": "ping"}, 0, false)
	assert.Error(t, err)
}

func TestMQTTAdapter_SubscribeWithoutConnection(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	var connectErr *domain.ConnectError
	assert.ErrorAs(t, adapter.Subscribe("sensors/extra", 0), &connectErr)
	assert.ErrorAs(t, adapter.Unsubscribe("sensors/extra"), &connectErr)
	assert.Empty(t, adapter.cfg.Subscriptions)
}

func TestMQTTAdapter_FullTopicPrefix(t *testing.T) {
	adapter, err := NewMQTTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	// префикс по умолчанию — tanks
	assert.Equal(t, "tanks/extra", adapter.fullTopic("extra"))

	require.NoError(t, adapter.UpdateConfig([]byte(`{"topic_prefix":""}`)))
	assert.Equal(t, "extra", adapter.fullTopic("extra"))
}
