package wolfe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, backendHandler http.Handler) (*API, *Wolfe) {
	t.Helper()
	cfg := DefaultConfig()

	w := &Wolfe{config: cfg, startedAt: time.Now().Add(-time.Minute)}
	w.discord = newDiscord(cfg.Discord)
	if backendHandler != nil {
		srv := httptest.NewServer(backendHandler)
		t.Cleanup(srv.Close)
		cfg.Backend.BaseURL = srv.URL
		w.backend = newBackend(cfg.Backend, srv.Client())
	}
	w.heartbeat = newHeartbeat(
		cfg.Heartbeat, cfg.Discord, nil, nil, nil,
	)

	api := newAPI(w, cfg.API)
	return api, w
}

func doRequest(api *API, method string, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	api.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	api, _ := newTestAPI(t, nil)

	rec := doRequest(api, http.MethodGet, apiPathHealthCheck)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(xRequestIDHeader))
}

func TestGetStatus(t *testing.T) {
	api, w := newTestAPI(t, http.HandlerFunc(
		func(rw http.ResponseWriter, r *http.Request) {
			assert.Equal(t, healthEndpoint, r.URL.Path)
			fmt.Fprint(rw, `{"status":"ok"}`)
		},
	))
	w.discord.connected.Store(true)

	rec := doRequest(api, http.MethodGet, apiPathStatus)
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.DiscordConnected)
	assert.True(t, status.BackendReachable)
	assert.Empty(t, status.BackendError)
	assert.Greater(t, status.UptimeSeconds, 0.0)
}

func TestGetStatusBackendUnreachable(t *testing.T) {
	api, w := newTestAPI(t, http.HandlerFunc(
		func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusBadGateway)
		},
	))
	w.discord.connected.Store(false)

	rec := doRequest(api, http.MethodGet, apiPathStatus)
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.DiscordConnected)
	assert.False(t, status.BackendReachable)
	assert.NotEmpty(t, status.BackendError)
}

func TestRequestMetrics(t *testing.T) {
	api, _ := newTestAPI(t, nil)

	for i := 0; i < 3; i++ {
		doRequest(api, http.MethodGet, apiPathHealthCheck)
	}
	doRequest(api, http.MethodGet, apiPathStatus)

	api.requestMetricsMu.Lock()
	defer api.requestMetricsMu.Unlock()
	assert.Equal(t, 3, api.requestMetrics["GET "+apiPathHealthCheck])
	assert.Equal(t, 1, api.requestMetrics["GET "+apiPathStatus])
}

func TestGenerateRandomHexString(t *testing.T) {
	a, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, a, 32)

	b, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
