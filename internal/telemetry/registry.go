package telemetry

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/adapter"
	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
)

// Registry владеет протокольными адаптерами процесса, по одному на
// каждый поддерживаемый протокол
type Registry struct {
	adapters map[domain.Source]adapter.Adapter
}

// NewRegistry создаёт все адаптеры, поднимая их конфигурации из хранилища
func NewRegistry(store *storage.FileStore, logger *zap.Logger) (*Registry, error) {
	mqttAdapter, err := adapter.NewMQTTAdapter(store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create mqtt adapter: %w", err)
	}
	restAdapter, err := adapter.NewRESTAdapter(store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rest adapter: %w", err)
	}
	graphqlAdapter, err := adapter.NewGraphQLAdapter(store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create graphql adapter: %w", err)
	}
	modbusAdapter, err := adapter.NewModbusAdapter(store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create modbus adapter: %w", err)
	}
	opcuaAdapter, err := adapter.NewOPCUAAdapter(store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create opcua adapter: %w", err)
	}

	return &Registry{
		adapters: map[domain.Source]adapter.Adapter{
			domain.SourceMQTT:    mqttAdapter,
			domain.SourceREST:    restAdapter,
			domain.SourceGraphQL: graphqlAdapter,
			domain.SourceModbus:  modbusAdapter,
			domain.SourceOPCUA:   opcuaAdapter,
		},
	}, nil
}

// Adapter возвращает адаптер протокола
func (r *Registry) Adapter(source domain.Source) (adapter.Adapter, bool) {
	a, ok := r.adapters[source]
	return a, ok
}

// MQTT возвращает адаптер брокера; его операция публикации не входит
// в общий контракт адаптеров
func (r *Registry) MQTT() *adapter.MQTTAdapter {
	a, _ := r.adapters[domain.SourceMQTT].(*adapter.MQTTAdapter)
	return a
}

// Adapters возвращает адаптеры в стабильном порядке протоколов
func (r *Registry) Adapters() []adapter.Adapter {
	out := make([]adapter.Adapter, 0, len(r.adapters))
	for _, source := range domain.Sources() {
		if a, ok := r.adapters[source]; ok {
			out = append(out, a)
		}
	}
	return out
}

// DisconnectAll разрывает подключения всех адаптеров
func (r *Registry) DisconnectAll() {
	for _, a := range r.Adapters() {
		a.Disconnect()
	}
}
