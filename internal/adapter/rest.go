package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
	"github.com/rwadalebsar/tank-telemetry/pkg/utils"
)

const restConfigFile = "rest_config.json"

// RESTEndpoints задаёт шаблоны путей внешнего API
type RESTEndpoints struct {
	Tanks  string `json:"tanks"`
	Levels string `json:"levels"`
	Auth   string `json:"auth"`
}

// RESTConfig описывает подключение к внешнему REST API уровней
type RESTConfig struct {
	Enabled         bool              `json:"enabled"`
	BaseURL         string            `json:"base_url"`
	APIKey          string            `json:"api_key"`
	Username        string            `json:"username"`
	Password        string            `json:"password"`
	AuthType        string            `json:"auth_type"` // none, api_key, basic, oauth2
	Headers         map[string]string `json:"headers"`
	Endpoints       RESTEndpoints     `json:"endpoints"`
	PollingInterval int               `json:"polling_interval"`
	UserID          string            `json:"user_id,omitempty"`
}

// masked возвращает копию с замаскированными секретами
func (c RESTConfig) masked() RESTConfig {
	c.APIKey = utils.MaskSecret(c.APIKey)
	c.Password = utils.MaskSecret(c.Password)
	return c
}

func defaultRESTConfig() RESTConfig {
	return RESTConfig{
		Enabled:  false,
		BaseURL:  "https://api.example.com",
		AuthType: "none",
		Headers:  map[string]string{},
		Endpoints: RESTEndpoints{
			Tanks:  "/tanks",
			Levels: "/tanks/{tank_id}/levels",
			Auth:   "/auth/token",
		},
		PollingInterval: 60,
	}
}

// RESTAdapter опрашивает внешний REST API уровней резервуаров
type RESTAdapter struct {
	base
	cfg    RESTConfig
	client *resty.Client
	token  tokenCache
}

// NewRESTAdapter создаёт адаптер, загружая конфигурацию из хранилища
func NewRESTAdapter(store *storage.FileStore, logger *zap.Logger) (*RESTAdapter, error) {
	a := &RESTAdapter{
		base: newBase(domain.SourceREST, restConfigFile, store, logger),
		cfg:  defaultRESTConfig(),
	}

	found, err := store.Load(restConfigFile, &a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load rest config: %w", err)
	}
	if !found {
		if err := store.Save(restConfigFile, a.cfg); err != nil {
			return nil, fmt.Errorf("failed to write default rest config: %w", err)
		}
	}

	a.client = resty.New().SetTimeout(10 * time.Second)
	return a, nil
}

func (a *RESTAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Enabled
}

func (a *RESTAdapter) PollingInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return utils.IntervalDuration(utils.ClampInterval(a.cfg.PollingInterval))
}

func (a *RESTAdapter) Config() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.masked()
}

func (a *RESTAdapter) UpdateConfig(patch []byte) error {
	a.mu.Lock()
	if err := json.Unmarshal(patch, &a.cfg); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("invalid rest config patch: %w", err)
	}
	cfg := a.cfg
	a.mu.Unlock()

	// смена учётных данных делает кэшированный токен недействительным
	a.token.Clear()

	a.logger.Info("updated rest api configuration", zap.String("base_url", cfg.BaseURL))
	return a.persist(cfg)
}

func (a *RESTAdapter) snapshot() RESTConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// authenticate получает bearer-токен при auth_type=oauth2.
// Кэшированный токен переиспользуется до истечения срока.
func (a *RESTAdapter) authenticate(ctx context.Context) error {
	cfg := a.snapshot()

	switch cfg.AuthType {
	case "", "none", "api_key", "basic":
		return nil
	case "oauth2":
	default:
		return fmt.Errorf("unsupported auth type: %q", cfg.AuthType)
	}

	if _, ok := a.token.Get(); ok {
		return nil
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeaders(cfg.Headers).
		SetBody(map[string]string{"username": cfg.Username, "password": cfg.Password}).
		SetResult(&body).
		Post(cfg.BaseURL + cfg.Endpoints.Auth)
	if err != nil {
		return fmt.Errorf("authentication request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("authentication failed: %s", resp.Status())
	}

	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	a.token.Set(body.AccessToken, ttl)

	a.logger.Info("authenticated with rest api")
	return nil
}

// request готовит запрос с заголовками и аутентификацией из конфигурации
func (a *RESTAdapter) request(ctx context.Context, cfg RESTConfig) *resty.Request {
	req := a.client.R().SetContext(ctx).SetHeaders(cfg.Headers)

	switch cfg.AuthType {
	case "api_key":
		if cfg.APIKey != "" {
			req.SetHeader("Authorization", "ApiKey "+cfg.APIKey)
		}
	case "basic":
		req.SetBasicAuth(cfg.Username, cfg.Password)
	case "oauth2":
		if token, ok := a.token.Get(); ok {
			req.SetAuthToken(token)
		}
	}
	return req
}

func (a *RESTAdapter) Connect(ctx context.Context) error {
	cfg := a.snapshot()
	if !cfg.Enabled {
		a.recordError(domain.ErrDisabled)
		return domain.ErrDisabled
	}

	if err := a.authenticate(ctx); err != nil {
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	resp, err := a.request(ctx, cfg).Get(cfg.BaseURL + cfg.Endpoints.Tanks)
	if err != nil {
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		a.logger.Error("failed to connect to rest api", zap.Error(err))
		return &domain.ConnectError{Source: a.source, Err: err}
	}
	if !resp.IsSuccess() {
		err := fmt.Errorf("connection failed: %s", resp.Status())
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	a.setConnected()
	a.logger.Info("connected to rest api", zap.String("base_url", cfg.BaseURL))
	return nil
}

// Disconnect у REST сводится к сбросу состояния: постоянного
// соединения протокол не держит
func (a *RESTAdapter) Disconnect() {
	a.setDisconnected()
}

func (a *RESTAdapter) TestConnection(ctx context.Context) bool {
	if err := a.Connect(ctx); err != nil {
		return false
	}
	a.Disconnect()
	return true
}

type restTank struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

// FetchTankData получает список резервуаров и уровень каждого.
// Сбой аутентификации фиксируется в last_error и даёт пустой результат.
func (a *RESTAdapter) FetchTankData(ctx context.Context) ([]domain.TelemetryReading, error) {
	cfg := a.snapshot()
	if !cfg.Enabled {
		a.logger.Warn("rest api is disabled, skipping fetch")
		return nil, nil
	}

	start := time.Now()
	defer func() {
		metrics.AdapterFetchDuration.WithLabelValues(string(a.source)).Observe(time.Since(start).Seconds())
	}()

	if err := a.authenticate(ctx); err != nil {
		a.recordError(err)
		a.logger.Error("rest authentication failed", zap.Error(err))
		metrics.AdapterFetches.WithLabelValues(string(a.source), "auth_error").Inc()
		return nil, nil
	}

	var tanks []restTank
	resp, err := a.request(ctx, cfg).SetResult(&tanks).Get(cfg.BaseURL + cfg.Endpoints.Tanks)
	if err != nil {
		a.recordError(err)
		metrics.AdapterFetches.WithLabelValues(string(a.source), "error").Inc()
		return nil, fmt.Errorf("failed to fetch tanks: %w", err)
	}
	if !resp.IsSuccess() {
		err := fmt.Errorf("failed to fetch tanks: %s", resp.Status())
		a.recordError(err)
		metrics.AdapterFetches.WithLabelValues(string(a.source), "error").Inc()
		return nil, err
	}

	a.setConnected()

	var batch []domain.TelemetryReading
	for _, tank := range tanks {
		if ctx.Err() != nil {
			break
		}
		tankID := tank.ID.String()
		if tankID == "" {
			continue
		}

		var level struct {
			Level float64 `json:"level"`
		}
		path := strings.ReplaceAll(cfg.Endpoints.Levels, "{tank_id}", tankID)
		resp, err := a.request(ctx, cfg).SetResult(&level).Get(cfg.BaseURL + path)
		if err != nil || !resp.IsSuccess() {
			a.logger.Warn("failed to fetch level, skipping tank",
				zap.String("tank_id", tankID),
				zap.Error(err))
			continue
		}

		name := tank.Name
		if name == "" {
			name = "Tank " + tankID
		}
		batch = append(batch, domain.TelemetryReading{
			TankID:      tankID,
			Name:        name,
			Level:       level.Level,
			Timestamp:   time.Now(),
			Source:      domain.SourceREST,
			OwnerUserID: cfg.UserID,
		})
	}

	a.appendReadings(batch)
	metrics.AdapterFetches.WithLabelValues(string(a.source), "ok").Inc()
	metrics.AdapterReadingsCollected.WithLabelValues(string(a.source)).Add(float64(len(batch)))

	a.logger.Info("fetched tank readings from rest api", zap.Int("count", len(batch)))
	return batch, nil
}
