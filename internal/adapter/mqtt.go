package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
	"github.com/rwadalebsar/tank-telemetry/pkg/utils"
)

const (
	mqttConfigFile     = "mqtt_config.json"
	mqttConnectTimeout = 10 * time.Second
)

// MQTTConfig описывает подключение к брокеру. Состояние подключения
// сохраняется вместе с конфигурацией (легаси-поведение этого адаптера).
type MQTTConfig struct {
	Enabled         bool   `json:"enabled"`
	Broker          string `json:"broker"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	ClientID        string `json:"client_id"`
	TopicPrefix     string `json:"topic_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	PollingInterval int    `json:"polling_interval"`
	UserID          string `json:"user_id,omitempty"`

	// дополнительные топики, добавленные через Subscribe; восстанавливаются
	// при каждом подключении
	Subscriptions []string `json:"subscriptions,omitempty"`

	// персистентная часть состояния подключения
	Connected     bool       `json:"connected"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
}

func (c MQTTConfig) masked() MQTTConfig {
	c.Password = utils.MaskSecret(c.Password)
	return c
}

func defaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Enabled:         false,
		Broker:          "localhost",
		Port:            1883,
		ClientID:        fmt.Sprintf("tank_monitor_%d", time.Now().Unix()),
		TopicPrefix:     "tanks",
		PollingInterval: 60,
	}
}

// MQTTAdapter собирает показания, опубликованные в топики tanks/#.
// Брокер доставляет данные сам, поэтому FetchTankData сливает очередь
// полученных сообщений, а не выполняет чтение.
type MQTTAdapter struct {
	base
	cfg     MQTTConfig
	client  mqtt.Client
	pending []domain.TelemetryReading
}

// NewMQTTAdapter создаёт адаптер, загружая конфигурацию из хранилища
func NewMQTTAdapter(store *storage.FileStore, logger *zap.Logger) (*MQTTAdapter, error) {
	a := &MQTTAdapter{
		base: newBase(domain.SourceMQTT, mqttConfigFile, store, logger),
		cfg:  defaultMQTTConfig(),
	}

	found, err := store.Load(mqttConfigFile, &a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load mqtt config: %w", err)
	}
	if !found {
		if err := store.Save(mqttConfigFile, a.cfg); err != nil {
			return nil, fmt.Errorf("failed to write default mqtt config: %w", err)
		}
	}

	// процесс стартует отключённым независимо от сохранённого состояния
	a.cfg.Connected = false
	return a, nil
}

func (a *MQTTAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Enabled
}

func (a *MQTTAdapter) PollingInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return utils.IntervalDuration(utils.ClampInterval(a.cfg.PollingInterval))
}

func (a *MQTTAdapter) Config() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.cfg
	cfg.Connected = a.state.Connected
	cfg.LastConnected = a.state.LastConnectedAt
	return cfg.masked()
}

func (a *MQTTAdapter) UpdateConfig(patch []byte) error {
	a.mu.Lock()
	if err := json.Unmarshal(patch, &a.cfg); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("invalid mqtt config patch: %w", err)
	}
	cfg := a.cfg
	wasConnected := a.state.Connected
	a.mu.Unlock()

	a.logger.Info("updated mqtt configuration",
		zap.String("broker", cfg.Broker),
		zap.Int("port", cfg.Port))

	if err := a.persist(cfg); err != nil {
		return err
	}

	// переподключение с новыми параметрами, если адаптер был активен
	if wasConnected {
		a.Disconnect()
		if cfg.Enabled {
			if err := a.Connect(context.Background()); err != nil {
				a.logger.Warn("reconnect after config update failed", zap.Error(err))
			}
		}
	}
	return nil
}

// persistState сохраняет конфигурацию вместе с текущим состоянием
// подключения; сбой записи не фатален
func (a *MQTTAdapter) persistState() {
	a.mu.Lock()
	cfg := a.cfg
	cfg.Connected = a.state.Connected
	cfg.LastConnected = a.state.LastConnectedAt
	a.mu.Unlock()

	if err := a.persist(cfg); err != nil {
		a.logger.Warn("failed to persist mqtt connection state", zap.Error(err))
	}
}

func (a *MQTTAdapter) brokerURL(cfg MQTTConfig) string {
	scheme := "tcp"
	if cfg.UseSSL {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker, cfg.Port)
}

func (a *MQTTAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	if !cfg.Enabled {
		a.recordError(domain.ErrDisabled)
		return domain.ErrDisabled
	}

	a.Disconnect()

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("tank_monitor_%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(a.brokerURL(cfg)).
		SetClientID(clientID).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			a.recordError(fmt.Errorf("connection lost: %w", err))
			a.logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		err := fmt.Errorf("connect to %s timed out", a.brokerURL(cfg))
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		return &domain.ConnectError{Source: a.source, Err: err}
	}
	if err := token.Error(); err != nil {
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		a.logger.Error("failed to connect to mqtt broker", zap.Error(err))
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	topic := cfg.TopicPrefix + "/#"
	sub := client.Subscribe(topic, 0, a.onMessage)
	if !sub.WaitTimeout(mqttConnectTimeout) || sub.Error() != nil {
		client.Disconnect(250)
		err := fmt.Errorf("failed to subscribe to %s: %v", topic, sub.Error())
		a.recordError(err)
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	// восстановление дополнительных подписок; сбой одной не прерывает подключение
	for _, extra := range cfg.Subscriptions {
		t := client.Subscribe(extra, 0, a.onMessage)
		if !t.WaitTimeout(mqttConnectTimeout) || t.Error() != nil {
			a.logger.Warn("failed to restore mqtt subscription",
				zap.String("topic", extra),
				zap.Error(t.Error()))
		}
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.setConnected()
	a.persistState()

	a.logger.Info("connected to mqtt broker",
		zap.String("broker", cfg.Broker),
		zap.String("topic", topic))
	return nil
}

func (a *MQTTAdapter) Disconnect() {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		a.logger.Info("disconnected from mqtt broker")
	}
	a.setDisconnected()
	if client != nil {
		a.persistState()
	}
}

func (a *MQTTAdapter) TestConnection(ctx context.Context) bool {
	if err := a.Connect(ctx); err != nil {
		return false
	}
	a.Disconnect()
	return true
}

// onMessage разбирает JSON-сообщение с полями tank_id и level
func (a *MQTTAdapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var payload struct {
		TankID    string   `json:"tank_id"`
		Name      string   `json:"name"`
		Level     *float64 `json:"level"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		a.logger.Warn("received non-JSON mqtt message", zap.String("topic", msg.Topic()))
		return
	}
	if payload.TankID == "" || payload.Level == nil {
		return
	}

	ts := time.Now()
	if payload.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
			ts = parsed
		}
	}

	name := payload.Name
	if name == "" {
		name = payload.TankID
	}

	a.mu.Lock()
	owner := a.cfg.UserID
	a.pending = append(a.pending, domain.TelemetryReading{
		TankID:      payload.TankID,
		Name:        name,
		Level:       *payload.Level,
		Timestamp:   ts,
		Source:      domain.SourceMQTT,
		OwnerUserID: owner,
	})
	a.mu.Unlock()

	a.logger.Debug("collected tank reading from mqtt",
		zap.String("topic", msg.Topic()),
		zap.String("tank_id", payload.TankID))
}

// Publish отправляет сообщение в топик брокера
func (a *MQTTAdapter) Publish(topic string, payload any, qos byte, retain bool) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return &domain.ConnectError{Source: a.source, Err: fmt.Errorf("mqtt client is not connected")}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode mqtt payload: %w", err)
	}

	token := client.Publish(topic, qos, retain, raw)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	a.logger.Info("published mqtt message", zap.String("topic", topic))
	return nil
}

// fullTopic дополняет топик префиксом конфигурации, если он задан
func (a *MQTTAdapter) fullTopic(topic string) string {
	a.mu.Lock()
	prefix := a.cfg.TopicPrefix
	a.mu.Unlock()
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

// Subscribe добавляет подписку на топик брокера в дополнение к базовой
// подписке tanks/#. Топик сохраняется в конфигурации и восстанавливается
// при переподключении.
func (a *MQTTAdapter) Subscribe(topic string, qos byte) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return &domain.ConnectError{Source: a.source, Err: fmt.Errorf("mqtt client is not connected")}
	}

	full := a.fullTopic(topic)
	token := client.Subscribe(full, qos, a.onMessage)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("subscribe to %s timed out", full)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", full, err)
	}

	a.mu.Lock()
	known := false
	for _, t := range a.cfg.Subscriptions {
		if t == full {
			known = true
			break
		}
	}
	if !known {
		a.cfg.Subscriptions = append(a.cfg.Subscriptions, full)
	}
	a.mu.Unlock()
	if !known {
		a.persistState()
	}

	a.logger.Info("subscribed to mqtt topic", zap.String("topic", full))
	return nil
}

// Unsubscribe снимает подписку, добавленную через Subscribe, и убирает
// топик из конфигурации
func (a *MQTTAdapter) Unsubscribe(topic string) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return &domain.ConnectError{Source: a.source, Err: fmt.Errorf("mqtt client is not connected")}
	}

	full := a.fullTopic(topic)
	token := client.Unsubscribe(full)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("unsubscribe from %s timed out", full)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", full, err)
	}

	a.mu.Lock()
	removed := false
	kept := a.cfg.Subscriptions[:0]
	for _, t := range a.cfg.Subscriptions {
		if t == full {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	a.cfg.Subscriptions = kept
	a.mu.Unlock()
	if removed {
		a.persistState()
	}

	a.logger.Info("unsubscribed from mqtt topic", zap.String("topic", full))
	return nil
}

// FetchTankData подключается при необходимости и сливает очередь
// сообщений, накопленных подпиской, в буфер
func (a *MQTTAdapter) FetchTankData(ctx context.Context) ([]domain.TelemetryReading, error) {
	a.mu.Lock()
	enabled := a.cfg.Enabled
	a.mu.Unlock()

	if !enabled {
		a.logger.Warn("mqtt is disabled, skipping fetch")
		return nil, nil
	}

	if !a.Connected() {
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.buffer = append(a.buffer, batch...)
	a.mu.Unlock()

	metrics.AdapterFetches.WithLabelValues(string(a.source), "ok").Inc()
	metrics.AdapterReadingsCollected.WithLabelValues(string(a.source)).Add(float64(len(batch)))

	if len(batch) > 0 {
		a.logger.Info("drained tank readings from mqtt subscription", zap.Int("count", len(batch)))
	}
	return batch, nil
}
