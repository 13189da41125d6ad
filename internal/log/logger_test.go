package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_DefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Service: "gateway-test"})

	L().Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "gateway-test", entry["service"])
	assert.Equal(t, "hello", entry["message"])
}

func TestSetLevel_RejectsInvalid(t *testing.T) {
	Configure(Config{Output: &bytes.Buffer{}})
	err := SetLevel("not-a-level")
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
}

func TestWithComponent_AddsField(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	l := WithComponent("pipeline")
	l.Info().Msg("pulse")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pipeline", entry["component"])
}

func TestMiddleware_StampsRequestID(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
}
