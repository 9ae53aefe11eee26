package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

// newGraphQLTestServer отвечает на запросы по содержимому поля query
func newGraphQLTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		respond := func(data any) {
			json.NewEncoder(w).Encode(map[string]any{"data": data})
		}

		switch {
		case strings.Contains(body.Query, "__schema"):
			respond(map[string]any{"__schema": map[string]any{"queryType": map[string]any{"name": "Query"}}})

		case strings.Contains(body.Query, "login"):
			password, _ := body.Variables["password"].(string)
			if password != "secret" {
				json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]any{{"message": "invalid credentials"}},
				})
				return
			}
			respond(map[string]any{"login": map[string]any{"token": "jwt-token", "expiresIn": 3600}})

		case strings.Contains(body.Query, "tanks"):
			respond(map[string]any{"tanks": []map[string]any{
				{"id": "t1", "name": "Main"},
				{"id": "t2", "name": "Reserve"},
			}})

		case strings.Contains(body.Query, "tank("):
			id, _ := body.Variables["tankId"].(string)
			level := 42.5
			if id == "t2" {
				level = 17.0
			}
			respond(map[string]any{"tank": map[string]any{
				"id":          id,
				"name":        "Tank " + id,
				"level":       level,
				"lastUpdated": "2026-08-30T12:00:00Z",
			}})

		default:
			t.Fatalf("unexpected query: %s", body.Query)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGraphQLAdapter_FetchTankData(t *testing.T) {
	srv := newGraphQLTestServer(t)

	adapter, err := NewGraphQLAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateConfig([]byte(fmt.Sprintf(
		`{"enabled":true,"endpoint":%q,"user_id":"user-1"}`, srv.URL))))

	batch, err := adapter.FetchTankData(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)

	assert.Equal(t, "t1", batch[0].TankID)
	assert.Equal(t, 42.5, batch[0].Level)
	assert.Equal(t, domain.SourceGraphQL, batch[0].Source)
	assert.Equal(t, "user-1", batch[0].OwnerUserID)
	// время берётся из поля lastUpdated ответа
	assert.Equal(t, 2026, batch[0].Timestamp.Year())

	assert.Equal(t, "t2", batch[1].TankID)
	assert.Equal(t, 17.0, batch[1].Level)

	assert.True(t, adapter.Connected())
	assert.Len(t, adapter.TankData(), 2)
}

func TestGraphQLAdapter_Connect(t *testing.T) {
	srv := newGraphQLTestServer(t)

	adapter, err := NewGraphQLAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	// выключенный адаптер не подключается
	assert.ErrorIs(t, adapter.Connect(context.Background()), domain.ErrDisabled)

	require.NoError(t, adapter.UpdateConfig([]byte(fmt.Sprintf(`{"enabled":true,"endpoint":%q}`, srv.URL))))
	require.NoError(t, adapter.Connect(context.Background()))
	assert.True(t, adapter.Connected())

	adapter.Disconnect()
	assert.False(t, adapter.Connected())
}

func TestGraphQLAdapter_JWTAuthFailure(t *testing.T) {
	srv := newGraphQLTestServer(t)

	adapter, err := NewGraphQLAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateConfig([]byte(fmt.Sprintf(
		`{"enabled":true,"endpoint":%q,"auth_type":"jwt","username":"svc","password":"wrong"}`, srv.URL))))

	// сбой аутентификации фиксируется в состоянии, но не является ошибкой сбора
	batch, err := adapter.FetchTankData(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, batch)
	assert.NotEmpty(t, adapter.State().LastError)
}

func TestGraphQLAdapter_JWTAuthSuccess(t *testing.T) {
	srv := newGraphQLTestServer(t)

	adapter, err := NewGraphQLAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateConfig([]byte(fmt.Sprintf(
		`{"enabled":true,"endpoint":%q,"auth_type":"jwt","username":"svc","password":"secret"}`, srv.URL))))

	batch, err := adapter.FetchTankData(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	token, ok := adapter.token.Get()
	assert.True(t, ok)
	assert.Equal(t, "jwt-token", token)
}

func TestGraphQLAdapter_ConfigMasksSecrets(t *testing.T) {
	adapter, err := NewGraphQLAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, adapter.UpdateConfig([]byte(`{"api_key":"k","password":"p"}`)))

	cfg, ok := adapter.Config().(GraphQLConfig)
	require.True(t, ok)
	assert.Equal(t, "********", cfg.APIKey)
	assert.Equal(t, "********", cfg.Password)
}
