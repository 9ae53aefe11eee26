package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
	"github.com/rwadalebsar/tank-telemetry/pkg/utils"
)

const (
	opcuaConfigFile = "opcua_config.json"
	opcuaTimeout    = 10 * time.Second
)

// NodePaths задаёт пути обхода адресного пространства сервера.
// Tanks ведёт к папке, дети которой считаются резервуарами; в
// TankLevel сегмент {tank_id} заменяется именем конкретного узла.
type NodePaths struct {
	Tanks     []string `json:"tanks"`
	TankLevel []string `json:"tank_level"`
}

// OPCUAConfig описывает подключение к OPC UA серверу
type OPCUAConfig struct {
	Enabled         bool      `json:"enabled"`
	Endpoint        string    `json:"endpoint"`
	SecurityPolicy  string    `json:"security_policy"`
	SecurityMode    string    `json:"security_mode"`
	Username        string    `json:"username"`
	Password        string    `json:"password"`
	NodePaths       NodePaths `json:"node_paths"`
	PollingInterval int       `json:"polling_interval"`
	UserID          string    `json:"user_id,omitempty"`
}

func (c OPCUAConfig) masked() OPCUAConfig {
	c.Password = utils.MaskSecret(c.Password)
	return c
}

func defaultOPCUAConfig() OPCUAConfig {
	return OPCUAConfig{
		Enabled:        false,
		Endpoint:       "opc.tcp://localhost:4840",
		SecurityPolicy: "None",
		SecurityMode:   "None",
		NodePaths: NodePaths{
			Tanks:     []string{"Objects", "Tanks"},
			TankLevel: []string{"Objects", "Tanks", "{tank_id}", "Level"},
		},
		PollingInterval: 60,
	}
}

// OPCUAAdapter читает уровни резервуаров из адресного пространства
// OPC UA сервера, находя узлы обходом по browse-именам
type OPCUAAdapter struct {
	base
	cfg    OPCUAConfig
	client *opcua.Client
}

// NewOPCUAAdapter создаёт адаптер, загружая конфигурацию из хранилища
func NewOPCUAAdapter(store *storage.FileStore, logger *zap.Logger) (*OPCUAAdapter, error) {
	a := &OPCUAAdapter{
		base: newBase(domain.SourceOPCUA, opcuaConfigFile, store, logger),
		cfg:  defaultOPCUAConfig(),
	}

	found, err := store.Load(opcuaConfigFile, &a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load opcua config: %w", err)
	}
	if !found {
		if err := store.Save(opcuaConfigFile, a.cfg); err != nil {
			return nil, fmt.Errorf("failed to write default opcua config: %w", err)
		}
	}
	return a, nil
}

func (a *OPCUAAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Enabled
}

func (a *OPCUAAdapter) PollingInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return utils.IntervalDuration(utils.ClampInterval(a.cfg.PollingInterval))
}

func (a *OPCUAAdapter) Config() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.masked()
}

func (a *OPCUAAdapter) UpdateConfig(patch []byte) error {
	a.mu.Lock()
	if err := json.Unmarshal(patch, &a.cfg); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("invalid opcua config patch: %w", err)
	}
	cfg := a.cfg
	a.mu.Unlock()

	a.logger.Info("updated opcua configuration", zap.String("endpoint", cfg.Endpoint))
	return a.persist(cfg)
}

func (a *OPCUAAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	if !cfg.Enabled {
		a.recordError(domain.ErrDisabled)
		return domain.ErrDisabled
	}

	a.Disconnect()

	opts := []opcua.Option{
		opcua.SecurityPolicy(cfg.SecurityPolicy),
		opcua.SecurityModeString(cfg.SecurityMode),
		opcua.RequestTimeout(opcuaTimeout),
	}
	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	client, err := opcua.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		a.recordError(err)
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	connectCtx, cancel := context.WithTimeout(ctx, opcuaTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		a.logger.Error("failed to connect to opcua server",
			zap.String("endpoint", cfg.Endpoint), zap.Error(err))
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.setConnected()

	a.logger.Info("connected to opcua server", zap.String("endpoint", cfg.Endpoint))
	return nil
}

func (a *OPCUAAdapter) Disconnect() {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opcuaTimeout)
		if err := client.Close(ctx); err != nil {
			a.logger.Warn("error closing opcua session", zap.Error(err))
		}
		cancel()
		a.logger.Info("disconnected from opcua server")
	}
	a.setDisconnected()
}

// TestConnection подключается, разрешает корневую папку и отключается;
// после проверки адаптер всегда остаётся отключённым
func (a *OPCUAAdapter) TestConnection(ctx context.Context) bool {
	if err := a.Connect(ctx); err != nil {
		return false
	}
	defer a.Disconnect()

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, opcuaTimeout)
	defer cancel()
	_, err := a.resolvePath(probeCtx, client, []string{"Objects"})
	if err != nil {
		a.recordError(err)
		return false
	}
	return true
}

// resolvePath спускается от корневой папки по browse-именам сегментов
func (a *OPCUAAdapter) resolvePath(ctx context.Context, client *opcua.Client, segments []string) (*opcua.Node, error) {
	node := client.Node(ua.NewNumericNodeID(0, id.RootFolder))
	for _, segment := range segments {
		children, err := node.Children(ctx, id.HierarchicalReferences, ua.NodeClassAll)
		if err != nil {
			return nil, fmt.Errorf("failed to browse children of %s: %w", node.ID, err)
		}
		var next *opcua.Node
		for _, child := range children {
			name, err := child.BrowseName(ctx)
			if err != nil {
				continue
			}
			if name.Name == segment {
				next = child
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("node %q not found under %s", segment, node.ID)
		}
		node = next
	}
	return node, nil
}

func variantToFloat(v *ua.Variant) (float64, error) {
	switch value := v.Value().(type) {
	case float64:
		return value, nil
	case float32:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case int32:
		return float64(value), nil
	case int16:
		return float64(value), nil
	case uint64:
		return float64(value), nil
	case uint32:
		return float64(value), nil
	case uint16:
		return float64(value), nil
	case bool:
		if value {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported variant type %T", value)
	}
}

// FetchTankData обходит папку резервуаров и читает значение уровня
// каждого из них по настроенному пути
func (a *OPCUAAdapter) FetchTankData(ctx context.Context) ([]domain.TelemetryReading, error) {
	a.mu.Lock()
	cfg := a.cfg
	client := a.client
	a.mu.Unlock()

	if !cfg.Enabled {
		a.logger.Warn("opcua is disabled, skipping fetch")
		return nil, nil
	}

	if client == nil || !a.Connected() {
		if err := a.Connect(ctx); err != nil {
			metrics.AdapterFetches.WithLabelValues(string(a.source), "error").Inc()
			return nil, err
		}
		a.mu.Lock()
		client = a.client
		a.mu.Unlock()
	}
	if client == nil {
		err := fmt.Errorf("opcua client is not connected")
		a.recordError(err)
		metrics.AdapterFetches.WithLabelValues(string(a.source), "error").Inc()
		return nil, &domain.ConnectError{Source: a.source, Err: err}
	}

	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, opcuaTimeout)
	defer cancel()

	tanksFolder, err := a.resolvePath(fetchCtx, client, cfg.NodePaths.Tanks)
	if err != nil {
		a.recordError(err)
		metrics.AdapterFetches.WithLabelValues(string(a.source), "error").Inc()
		return nil, err
	}

	tanks, err := tanksFolder.Children(fetchCtx, id.HierarchicalReferences, ua.NodeClassAll)
	if err != nil {
		a.recordError(err)
		metrics.AdapterFetches.WithLabelValues(string(a.source), "error").Inc()
		return nil, fmt.Errorf("failed to list tank nodes: %w", err)
	}

	now := time.Now()
	var batch []domain.TelemetryReading
	for _, tank := range tanks {
		name, err := tank.BrowseName(fetchCtx)
		if err != nil {
			a.logger.Warn("failed to read tank browse name", zap.Error(err))
			continue
		}
		tankID := name.Name

		path := make([]string, len(cfg.NodePaths.TankLevel))
		for i, segment := range cfg.NodePaths.TankLevel {
			path[i] = strings.ReplaceAll(segment, "{tank_id}", tankID)
		}

		levelNode, err := a.resolvePath(fetchCtx, client, path)
		if err != nil {
			a.logger.Warn("failed to resolve level node",
				zap.String("tank_id", tankID), zap.Error(err))
			continue
		}

		variant, err := levelNode.Value(fetchCtx)
		if err != nil || variant == nil {
			a.logger.Warn("failed to read level value",
				zap.String("tank_id", tankID), zap.Error(err))
			continue
		}

		level, err := variantToFloat(variant)
		if err != nil {
			a.logger.Warn("unexpected level value type",
				zap.String("tank_id", tankID), zap.Error(err))
			continue
		}

		batch = append(batch, domain.TelemetryReading{
			TankID:      tankID,
			Name:        tankID,
			Level:       level,
			Timestamp:   now,
			Source:      domain.SourceOPCUA,
			OwnerUserID: cfg.UserID,
		})
	}

	a.appendReadings(batch)
	metrics.AdapterFetches.WithLabelValues(string(a.source), "ok").Inc()
	metrics.AdapterReadingsCollected.WithLabelValues(string(a.source)).Add(float64(len(batch)))
	metrics.AdapterFetchDuration.WithLabelValues(string(a.source)).Observe(time.Since(start).Seconds())

	a.logger.Info("collected tank readings from opcua",
		zap.Int("count", len(batch)),
		zap.Duration("duration", time.Since(start)))
	return batch, nil
}
