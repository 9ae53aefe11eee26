package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/domain"
)

func newRESTTestServer(t *testing.T, authCalls *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if authCalls != nil {
			atomic.AddInt32(authCalls, 1)
		}
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/tanks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "name": "Main"},
			{"id": 2, "name": "Reserve"},
		})
	})

	mux.HandleFunc("/tanks/1/levels", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"level": 42.5})
	})
	mux.HandleFunc("/tanks/2/levels", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"level": 17.0})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func configureREST(t *testing.T, adapter *RESTAdapter, patch string) {
	t.Helper()
	require.NoError(t, adapter.UpdateConfig([]byte(patch)))
}

func TestRESTAdapter_FetchTankData(t *testing.T) {
	srv := newRESTTestServer(t, nil)

	adapter, err := NewRESTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	configureREST(t, adapter, fmt.Sprintf(`{"enabled":true,"base_url":%q,"user_id":"user-1"}`, srv.URL))

	batch, err := adapter.FetchTankData(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)

	assert.Equal(t, "1", batch[0].TankID)
	assert.Equal(t, "Main", batch[0].Name)
	assert.Equal(t, 42.5, batch[0].Level)
	assert.Equal(t, domain.SourceREST, batch[0].Source)
	assert.Equal(t, "user-1", batch[0].OwnerUserID)

	assert.Equal(t, "2", batch[1].TankID)
	assert.Equal(t, 17.0, batch[1].Level)

	// партия накапливается в буфере
	assert.Len(t, adapter.TankData(), 2)
	assert.True(t, adapter.Connected())
}

func TestRESTAdapter_OAuth2TokenIsCached(t *testing.T) {
	var authCalls int32
	srv := newRESTTestServer(t, &authCalls)

	adapter, err := NewRESTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	configureREST(t, adapter, fmt.Sprintf(
		`{"enabled":true,"base_url":%q,"auth_type":"oauth2","username":"svc","password":"secret"}`, srv.URL))

	_, err = adapter.FetchTankData(context.Background())
	require.NoError(t, err)
	_, err = adapter.FetchTankData(context.Background())
	require.NoError(t, err)

	// токен переиспользуется до истечения срока
	assert.Equal(t, int32(1), atomic.LoadInt32(&authCalls))
}

func TestRESTAdapter_AuthFailureYieldsEmptyResult(t *testing.T) {
	srv := newRESTTestServer(t, nil)

	adapter, err := NewRESTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	configureREST(t, adapter, fmt.Sprintf(
		`{"enabled":true,"base_url":%q,"auth_type":"oauth2","username":"svc","password":"wrong"}`, srv.URL))

	// сбой аутентификации не является ошибкой сбора
	batch, err := adapter.FetchTankData(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, batch)

	assert.False(t, adapter.Connected())
	assert.NotEmpty(t, adapter.State().LastError)
}

func TestRESTAdapter_SkipsFailingTank(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tanks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "name": "Main"},
			{"id": 2, "name": "Broken"},
		})
	})
	mux.HandleFunc("/tanks/1/levels", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"level": 42.5})
	})
	mux.HandleFunc("/tanks/2/levels", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	adapter, err := NewRESTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	configureREST(t, adapter, fmt.Sprintf(`{"enabled":true,"base_url":%q}`, srv.URL))

	batch, err := adapter.FetchTankData(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "1", batch[0].TankID)
}

func TestRESTAdapter_APIKeyHeader(t *testing.T) {
	var seen string
	mux := http.NewServeMux()
	mux.HandleFunc("/tanks", func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]map[string]any{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	adapter, err := NewRESTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)
	configureREST(t, adapter, fmt.Sprintf(
		`{"enabled":true,"base_url":%q,"auth_type":"api_key","api_key":"key-123"}`, srv.URL))

	_, err = adapter.FetchTankData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ApiKey key-123", seen)
}

func TestRESTAdapter_TestConnection(t *testing.T) {
	srv := newRESTTestServer(t, nil)

	adapter, err := NewRESTAdapter(newTestStore(t), zap.NewNop())
	require.NoError(t, err)

	// выключенный адаптер не проходит проверку
	assert.False(t, adapter.TestConnection(context.Background()))

	configureREST(t, adapter, fmt.Sprintf(`{"enabled":true,"base_url":%q}`, srv.URL))
	assert.True(t, adapter.TestConnection(context.Background()))

	// после проверки подключение разорвано
	assert.False(t, adapter.Connected())

	configureREST(t, adapter, `{"base_url":"http://127.0.0.1:1"}`)
	assert.False(t, adapter.TestConnection(context.Background()))
}
