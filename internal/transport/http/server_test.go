package http

import (
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Almonaabdo/landLorkLinkAI/internal/config"
	"github.com/Almonaabdo/landLorkLinkAI/internal/metrics"
	"github.com/Almonaabdo/landLorkLinkAI/internal/service"
	"github.com/Almonaabdo/landLorkLinkAI/tests/helpers"
)

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := &config.Config{SeedMaxAttempts: 3, SeedInitialBackoff: time.Millisecond, AppendMaxAttempts: 3}
	svc := service.New(helpers.NewTestSQLiteStore(t), cfg, nil, nil, metrics.New(reg))
	t.Cleanup(svc.Shutdown)

	srv := httptest.NewServer(NewServer(svc, nil, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), apiKey))
	t.Cleanup(srv.Close)
	return srv
}

func TestServerRequiresAPIKey(t *testing.T) {
	srv := newTestServer(t, "secret")

	resp, err := nethttp.Post(srv.URL+"/v1/tickets/42/open", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)

	req, err := nethttp.NewRequestWithContext(context.Background(), nethttp.MethodPost, srv.URL+"/v1/tickets/42/open", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)

	// Health stays public.
	resp, err = nethttp.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
}

func TestServerExposesMetrics(t *testing.T) {
	srv := newTestServer(t, "")

	resp, err := nethttp.Post(srv.URL+"/v1/tickets/42/messages", "application/json", strings.NewReader(`{"sender":"u1","text":"AC broken"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusCreated, resp.StatusCode)

	resp, err = nethttp.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ticketchat_messages_appended_total")
}
