package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flashbots/fedrelay/common"
	"github.com/flashbots/fedrelay/services"
	"github.com/flashbots/fedrelay/store"
	"github.com/stretchr/testify/require"
)

func getStatus(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	if msg, ok := body["error"]; ok {
		return resp.StatusCode, msg
	}
	return resp.StatusCode, body["status"]
}

func TestRelayServer_Routes(t *testing.T) {
	log := common.SetupLogger(&common.LoggingOpts{Service: "test"})
	relay := services.NewRelay(store.New(nil, log), &services.RelayConfig{Log: log})
	srv, err := NewRelayServer(&HTTPServerConfig{Log: log}, relay, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	code, status := getStatus(t, ts.URL+"/livez")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "alive", status)

	code, status = getStatus(t, ts.URL+"/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", status)

	code, msg := getStatus(t, ts.URL+"/s2c/public_key?client_id=c1")
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, msg, "c1")

	code, msg = getStatus(t, ts.URL+"/unknown")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "Unknown endpoint", msg)
}

func TestBaseServer_Drain(t *testing.T) {
	srv, err := New(&HTTPServerConfig{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	code, status := getStatus(t, ts.URL+"/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", status)

	_, status = getStatus(t, ts.URL+"/drain")
	require.Equal(t, "draining", status)
	require.False(t, srv.Ready())
	_, status = getStatus(t, ts.URL+"/drain")
	require.Equal(t, "already draining", status)

	code, status = getStatus(t, ts.URL+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "not ready", status)

	_, status = getStatus(t, ts.URL+"/undrain")
	require.Equal(t, "ready", status)
	require.True(t, srv.Ready())
}
