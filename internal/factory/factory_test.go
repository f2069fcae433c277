package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attack-feed/internal/feed"
)

func TestDemoModeFactory(t *testing.T) {
	for _, key := range []string{"ELASTIC_NODE", "ES_INDEX", "REDIS_URL", "KAFKA_BROKERS", "CLICKHOUSE_URL", "GEOIP_DB_PATH", "TLS_ENABLED"} {
		t.Setenv(key, "")
	}
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("DEMO_MODE", "true")

	f, err := NewFactory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.Equal(t, feed.ModeDegraded, f.Engine().Snapshot().Mode)
	assert.Empty(t, f.Dispatcher().Sinks())
	assert.Nil(t, f.TLSManager())
	assert.Empty(t, f.HealthCheck(context.Background()))

	require.NoError(t, f.Engine().Step(context.Background()))
	assert.NotZero(t, f.Engine().Snapshot().Synthetic)

	rec := httptest.NewRecorder()
	f.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"degraded"`)

	rec = httptest.NewRecorder()
	f.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}
