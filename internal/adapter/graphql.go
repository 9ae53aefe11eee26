package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/machinebox/graphql"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
	"github.com/rwadalebsar/tank-telemetry/internal/metrics"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
	"github.com/rwadalebsar/tank-telemetry/pkg/utils"
)

const graphqlConfigFile = "graphql_config.json"

// Запросы по умолчанию; пользователь может заменить их на схему своего API
const (
	defaultTanksQuery = `query GetTanks {
    tanks {
        id
        name
    }
}`
	defaultTankLevelQuery = `query GetTankLevel($tankId: ID!) {
    tank(id: $tankId) {
        id
        name
        level
        lastUpdated
    }
}`
	loginMutation = `mutation Login($username: String!, $password: String!) {
    login(username: $username, password: $password) {
        token
        expiresIn
    }
}`
	introspectionQuery = `query {
    __schema {
        queryType {
            name
        }
    }
}`
)

// GraphQLQueries содержит сырые строки запросов внешнего API
type GraphQLQueries struct {
	Tanks     string `json:"tanks"`
	TankLevel string `json:"tankLevel"`
}

// GraphQLConfig описывает подключение к GraphQL API уровней
type GraphQLConfig struct {
	Enabled         bool              `json:"enabled"`
	Endpoint        string            `json:"endpoint"`
	APIKey          string            `json:"api_key"`
	Username        string            `json:"username"`
	Password        string            `json:"password"`
	AuthType        string            `json:"auth_type"` // none, api_key, basic, jwt
	Headers         map[string]string `json:"headers"`
	Queries         GraphQLQueries    `json:"queries"`
	PollingInterval int               `json:"polling_interval"`
	UserID          string            `json:"user_id,omitempty"`
}

func (c GraphQLConfig) masked() GraphQLConfig {
	c.APIKey = utils.MaskSecret(c.APIKey)
	c.Password = utils.MaskSecret(c.Password)
	return c
}

func defaultGraphQLConfig() GraphQLConfig {
	return GraphQLConfig{
		Enabled:  false,
		Endpoint: "https://api.example.com/graphql",
		AuthType: "none",
		Headers:  map[string]string{},
		Queries: GraphQLQueries{
			Tanks:     defaultTanksQuery,
			TankLevel: defaultTankLevelQuery,
		},
		PollingInterval: 60,
	}
}

// GraphQLAdapter опрашивает внешний GraphQL API уровней резервуаров
type GraphQLAdapter struct {
	base
	cfg    GraphQLConfig
	client *graphql.Client
	token  tokenCache
}

// NewGraphQLAdapter создаёт адаптер, загружая конфигурацию из хранилища
func NewGraphQLAdapter(store *storage.FileStore, logger *zap.Logger) (*GraphQLAdapter, error) {
	a := &GraphQLAdapter{
		base: newBase(domain.SourceGraphQL, graphqlConfigFile, store, logger),
		cfg:  defaultGraphQLConfig(),
	}

	found, err := store.Load(graphqlConfigFile, &a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load graphql config: %w", err)
	}
	if !found {
		if err := store.Save(graphqlConfigFile, a.cfg); err != nil {
			return nil, fmt.Errorf("failed to write default graphql config: %w", err)
		}
	}

	a.client = a.newClient(a.cfg.Endpoint)
	return a, nil
}

func (a *GraphQLAdapter) newClient(endpoint string) *graphql.Client {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	return graphql.NewClient(endpoint, graphql.WithHTTPClient(httpClient))
}

func (a *GraphQLAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Enabled
}

func (a *GraphQLAdapter) PollingInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return utils.IntervalDuration(utils.ClampInterval(a.cfg.PollingInterval))
}

func (a *GraphQLAdapter) Config() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.masked()
}

func (a *GraphQLAdapter) UpdateConfig(patch []byte) error {
	a.mu.Lock()
	if err := json.Unmarshal(patch, &a.cfg); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("invalid graphql config patch: %w", err)
	}
	cfg := a.cfg
	a.client = a.newClient(cfg.Endpoint)
	a.mu.Unlock()

	a.token.Clear()

	a.logger.Info("updated graphql configuration", zap.String("endpoint", cfg.Endpoint))
	return a.persist(cfg)
}

func (a *GraphQLAdapter) snapshot() (GraphQLConfig, *graphql.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg, a.client
}

// authenticate выполняет login-мутацию при auth_type=jwt,
// переиспользуя кэшированный токен до истечения срока
func (a *GraphQLAdapter) authenticate(ctx context.Context) error {
	cfg, client := a.snapshot()

	switch cfg.AuthType {
	case "", "none", "api_key", "basic":
		return nil
	case "jwt":
	default:
		return fmt.Errorf("unsupported auth type: %q", cfg.AuthType)
	}

	if _, ok := a.token.Get(); ok {
		return nil
	}

	req := graphql.NewRequest(loginMutation)
	req.Var("username", cfg.Username)
	req.Var("password", cfg.Password)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	var resp struct {
		Login struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expiresIn"`
		} `json:"login"`
	}
	if err := client.Run(ctx, req, &resp); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	ttl := time.Duration(resp.Login.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	a.token.Set(resp.Login.Token, ttl)

	a.logger.Info("authenticated with graphql api")
	return nil
}

// newRequest готовит запрос с заголовками и аутентификацией
func (a *GraphQLAdapter) newRequest(cfg GraphQLConfig, query string) *graphql.Request {
	req := graphql.NewRequest(query)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	switch cfg.AuthType {
	case "api_key":
		if cfg.APIKey != "" {
			req.Header.Set("Authorization", "ApiKey "+cfg.APIKey)
		}
	case "basic":
		cred := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		req.Header.Set("Authorization", "Basic "+cred)
	case "jwt":
		if token, ok := a.token.Get(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req
}

// Connect аутентифицируется и выполняет интроспекцию схемы как пробу
func (a *GraphQLAdapter) Connect(ctx context.Context) error {
	cfg, client := a.snapshot()
	if !cfg.Enabled {
		a.recordError(domain.ErrDisabled)
		return domain.ErrDisabled
	}

	if err := a.authenticate(ctx); err != nil {
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	var resp any
	if err := client.Run(ctx, a.newRequest(cfg, introspectionQuery), &resp); err != nil {
		metrics.AdapterConnectErrors.WithLabelValues(string(a.source)).Inc()
		a.recordError(err)
		a.logger.Error("failed to connect to graphql api", zap.Error(err))
		return &domain.ConnectError{Source: a.source, Err: err}
	}

	a.setConnected()
	a.logger.Info("connected to graphql api", zap.String("endpoint", cfg.Endpoint))
	return nil
}

func (a *GraphQLAdapter) Disconnect() {
	a.setDisconnected()
}

func (a *GraphQLAdapter) TestConnection(ctx context.Context) bool {
	if err := a.Connect(ctx); err != nil {
		return false
	}
	a.Disconnect()
	return true
}

// FetchTankData выполняет запрос списка резервуаров и запрос уровня каждого
func (a *GraphQLAdapter) FetchTankData(ctx context.Context) ([]domain.TelemetryReading, error) {
	cfg, client := a.snapshot()
	if !cfg.Enabled {
		a.logger.Warn("graphql api is disabled, skipping fetch")
		return nil, nil
	}

	start := time.Now()
	defer func() {
		metrics.AdapterFetchDuration.WithLabelValues(string(a.source)).Observe(time.Since(start).Seconds())
	}()

	if err := a.authenticate(ctx); err != nil {
		a.recordError(err)
		a.logger.Error("graphql authentication failed", zap.Error(err))
		metrics.AdapterFetches.WithLabelValues(string(a.source), "auth_error").Inc()
		return nil, nil
	}

	var tanksResp struct {
		Tanks []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"tanks"`
	}
	if err := client.Run(ctx, a.newRequest(cfg, cfg.Queries.Tanks), &tanksResp); err != nil {
		a.recordError(err)
		metrics.AdapterFetches.WithLabelValues(string(a.source), "error").Inc()
		return nil, fmt.Errorf("failed to fetch tanks: %w", err)
	}

	a.setConnected()

	var batch []domain.TelemetryReading
	for _, tank := range tanksResp.Tanks {
		if ctx.Err() != nil {
			break
		}
		if tank.ID == "" {
			continue
		}

		req := a.newRequest(cfg, cfg.Queries.TankLevel)
		req.Var("tankId", tank.ID)

		var levelResp struct {
			Tank struct {
				ID          string  `json:"id"`
				Name        string  `json:"name"`
				Level       float64 `json:"level"`
				LastUpdated string  `json:"lastUpdated"`
			} `json:"tank"`
		}
		if err := client.Run(ctx, req, &levelResp); err != nil {
			a.logger.Warn("failed to fetch level, skipping tank",
				zap.String("tank_id", tank.ID),
				zap.Error(err))
			continue
		}

		ts := time.Now()
		if levelResp.Tank.LastUpdated != "" {
			if parsed, err := time.Parse(time.RFC3339, levelResp.Tank.LastUpdated); err == nil {
				ts = parsed
			}
		}

		name := levelResp.Tank.Name
		if name == "" {
			name = "Tank " + tank.ID
		}
		batch = append(batch, domain.TelemetryReading{
			TankID:      tank.ID,
			Name:        name,
			Level:       levelResp.Tank.Level,
			Timestamp:   ts,
			Source:      domain.SourceGraphQL,
			OwnerUserID: cfg.UserID,
		})
	}

	a.appendReadings(batch)
	metrics.AdapterFetches.WithLabelValues(string(a.source), "ok").Inc()
	metrics.AdapterReadingsCollected.WithLabelValues(string(a.source)).Add(float64(len(batch)))

	a.logger.Info("fetched tank readings from graphql api", zap.Int("count", len(batch)))
	return batch, nil
}
