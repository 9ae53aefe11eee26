package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
	"github.com/rwadalebsar/tank-telemetry/pkg/utils"
)

const modbusConfigFile = "modbus_config.json"

// ModbusConfig описывает подключение к Modbus-устройству и маппинги регистров
type ModbusConfig struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode"` // tcp или rtu

	// Параметры TCP
	Host string `json:"host"`
	Port int    `json:"port"`

	// Параметры RTU
	PortName string `json:"port_name"`
	BaudRate int    `json:"baudrate"`
	DataBits int    `json:"bytesize"`
	Parity   string `json:"parity"`
	StopBits int    `json:"stopbits"`

	UnitID          byte                     `json:"unit_id"`
	TimeoutSeconds  int                      `json:"timeout"`
	TankRegisters   []domain.RegisterMapping `json:"tank_registers"`
	PollingInterval int                      `json:"polling_interval"`
	UserID          string                   `json:"user_id,omitempty"`
}

func defaultModbusConfig() ModbusConfig {
	return ModbusConfig{
		Enabled:  false,
		Mode:     "tcp",
		Host:     "localhost",
		Port:     502,
		PortName: "/dev/ttyUSB0",
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		UnitID:   1,
		// исходящие вызовы Modbus ограничены 3 секундами
		TimeoutSeconds: 3,
		TankRegisters: []domain.RegisterMapping{
			{
				TankID:        "tank1",
				Name:          "Tank 1",
				RegisterKind:  domain.RegisterHolding,
				Address:       100,
				DataType:      domain.TypeFloat32,
				ScalingFactor: 1.0,
				Offset:        0.0,
			},
		},
		PollingInterval: 60,
	}
}

// ModbusAdapter читает уровни резервуаров из регистров Modbus TCP/RTU
type ModbusAdapter struct {
	base
	// opMu сериализует обращения к goburrow: клиент не потокобезопасен,
	// а читать его могут одновременно цикл мониторинга и HTTP-обработчики
	opMu    sync.Mutex
	cfg     ModbusConfig
	handler modbusHandler
	client  modbus.Client
}

// modbusHandler объединяет TCP и RTU обработчики goburrow
type modbusHandler interface {
	Connect() error
	Close() error
}

// NewModbusAdapter создаёт адаптер, загружая конфигурацию из хранилища
func NewModbusAdapter(store *storage.FileStore, logger *zap.Logger) (*ModbusAdapter, error) {
	a := &ModbusAdapter{
		base: newBase(domain.SourceModbus, modbusConfigFile, store, logger),
		cfg:  defaultModbusConfig(),
	}

	found, err := store.Load(modbusConfigFile, &a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load modbus config: %w", err)
	}
	if !found {
		if err := store.Save(modbusConfigFile, a.cfg); err != nil {
			return nil, fmt.Errorf("failed to write default modbus config: %w", err)
		}
	}

	return a, nil
}

func (a *ModbusAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Enabled
}

func (a *ModbusAdapter) PollingInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return utils.IntervalDuration(utils.ClampInterval(a.cfg.PollingInterval))
}

// Config возвращает копию конфигурации; секретов у Modbus нет,
// маскировать нечего
func (a *ModbusAdapter) Config() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.cfg
	cfg.TankRegisters = append([]domain.RegisterMapping(nil), a.cfg.TankRegisters...)
	return cfg
}

func (a *ModbusAdapter) UpdateConfig(patch []byte) error {
	a.mu.Lock()
	if err := json.Unmarshal(patch, &a.cfg); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("invalid modbus config patch: %w", err)
	}
	cfg := a.cfg
	a.mu.Unlock()

	a.logger.Info("updated modbus configuration",
		zap.Int("registers", len(cfg.TankRegisters)))
	return a.persist(cfg)
}

func (a *ModbusAdapter) buildHandler(cfg ModbusConfig) (modbusHandler, modbus.Client, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	switch cfg.Mode {
	case "tcp", "":
		h := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		h.Timeout = timeout
		h.SlaveId = cfg.UnitID
		return h, modbus.NewClient(h), nil
	case "rtu":
		h := modbus.NewRTUClientHandler(cfg.PortName)
		h.BaudRate = cfg.BaudRate
		h.DataBits = cfg.DataBits
		h.Parity = cfg.Parity
		h.StopBits = cfg.StopBits
		h.SlaveId = cfg.UnitID
		h.Timeout = timeout
		return h, modbus.NewClient(h), nil
	default:
		return nil, nil, fmt.Errorf("unsupported modbus mode: %q", cfg.Mode)
	}
}

func (a *ModbusAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	enabled := a.cfg.Enabled
	a.mu.Unlock()

	if !enabled {
		a.recordError(domain.ErrDisabled)
		return domain.ErrDisabled
	}

	a.Disconnect()

	handler, client, err := a.buildHandler(cfg)
	if err != nil {
		a.recordError(err)
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	a.opMu.Lock()
	err = handler.Connect()
	a.opMu.Unlock()
	if err != nil {
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		a.logger.Error("failed to connect to modbus device", zap.Error(err))
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	a.mu.Lock()
	a.handler = handler
	a.client = client
	a.mu.Unlock()
	a.setConnected()

	a.logger.Info("connected to modbus device",
		zap.String("mode", cfg.Mode),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port))
	return nil
}

func (a *ModbusAdapter) Disconnect() {
	a.mu.Lock()
	handler := a.handler
	a.handler = nil
	a.client = nil
	a.mu.Unlock()

	if handler != nil {
		a.opMu.Lock()
		err := handler.Close()
		a.opMu.Unlock()
		if err != nil {
			a.logger.Warn("error closing modbus connection", zap.Error(err))
		}
	}
	a.setDisconnected()
}

// TestConnection подключается, читает один регистр и отключается
func (a *ModbusAdapter) TestConnection(ctx context.Context) bool {
	if err := a.Connect(ctx); err != nil {
		return false
	}
	defer a.Disconnect()

	a.mu.Lock()
	client := a.client
	var probe domain.RegisterMapping
	if len(a.cfg.TankRegisters) > 0 {
		probe = a.cfg.TankRegisters[0]
	} else {
		probe = domain.RegisterMapping{RegisterKind: domain.RegisterHolding, DataType: domain.TypeUint16}
	}
	a.mu.Unlock()

	if client == nil {
		return false
	}

	if _, err := a.readRaw(client, probe.RegisterKind, probe.Address, 1); err != nil {
		a.recordError(err)
		a.logger.Error("modbus connection test failed", zap.Error(err))
		return false
	}
	return true
}

// readRaw выполняет чтение нужного вида регистра под opMu
func (a *ModbusAdapter) readRaw(client modbus.Client, kind domain.RegisterKind, addr, qty uint16) ([]byte, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	switch kind {
	case domain.RegisterHolding:
		return client.ReadHoldingRegisters(addr, qty)
	case domain.RegisterInput:
		return client.ReadInputRegisters(addr, qty)
	case domain.RegisterCoil:
		return client.ReadCoils(addr, qty)
	case domain.RegisterDiscreteInput:
		return client.ReadDiscreteInputs(addr, qty)
	default:
		return nil, fmt.Errorf("unsupported register type: %q", kind)
	}
}

// readMapping читает и декодирует один маппинг
func (a *ModbusAdapter) readMapping(client modbus.Client, m domain.RegisterMapping) (float64, error) {
	if m.RegisterKind.IsBit() {
		data, err := a.readRaw(client, m.RegisterKind, m.Address, 1)
		if err != nil {
			return 0, err
		}
		if len(data) == 0 {
			return 0, &domain.DecodeError{TankID: m.TankID, Reason: "empty bit response"}
		}
		return DecodeBit(data[0]&0x01 == 1), nil
	}

	qty := m.DataType.Words()
	data, err := a.readRaw(client, m.RegisterKind, m.Address, qty)
	if err != nil {
		return 0, err
	}
	return DecodeRegisters(m, WordsFromBytes(data))
}

// FetchTankData читает все настроенные маппинги. Ошибка одного регистра
// не прерывает сбор остальных.
func (a *ModbusAdapter) FetchTankData(ctx context.Context) ([]domain.TelemetryReading, error) {
	a.mu.Lock()
	enabled := a.cfg.Enabled
	a.mu.Unlock()

	if !enabled {
		a.logger.Warn("modbus is disabled, skipping fetch")
		return nil, nil
	}

	if !a.Connected() {
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	defer func() {
		metrics.AdapterFetchDuration.WithLabelValues(string(a.source)).Observe(time.Since(start).Seconds())
	}()

	a.mu.Lock()
	client := a.client
	mappings := append([]domain.RegisterMapping(nil), a.cfg.TankRegisters...)
	owner := a.cfg.UserID
	a.mu.Unlock()

	if client == nil {
		err := fmt.Errorf("modbus client is not initialized")
		a.recordError(err)
		return nil, &domain.ConnectError{Source: a.source, Err: err}
	}

	var batch []domain.TelemetryReading
	for _, m := range mappings {
		if ctx.Err() != nil {
			break
		}

		value, err := a.readMapping(client, m)
		if err != nil {
			a.logger.Warn("error reading register, skipping tank",
				zap.String("tank_id", m.TankID),
				zap.Uint16("address", m.Address),
				zap.Error(err))
			continue
		}

		batch = append(batch, domain.TelemetryReading{
			TankID:      m.TankID,
			Name:        m.Name,
			Level:       value,
			Timestamp:   time.Now(),
			Source:      domain.SourceModbus,
			OwnerUserID: owner,
		})
	}

	a.appendReadings(batch)
	metrics.AdapterFetches.WithLabelValues(string(a.source), "ok").Inc()
	metrics.AdapterReadingsCollected.WithLabelValues(string(a.source)).Add(float64(len(batch)))

	a.logger.Info("fetched tank readings from modbus registers", zap.Int("count", len(batch)))
	return batch, nil
}
