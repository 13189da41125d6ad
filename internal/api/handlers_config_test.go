package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfigDoc = `{
  "features": {"zones_enabled": false},
  "hardware": {"port": "/dev/ttyUSB0", "baud_rate": 9600},
  "zones": [],
  "timing": {"pulse_ms": 400, "burst_ms": 10000, "burst_interval_ms": 2000,
    "command_interval_ms": 300, "reservation_ttl_sec": 90, "heartbeat_sec": 10, "offline_sec": 30}
}`

func TestHandleConfigDeploy_StagesDraft(t *testing.T) {
	s, _ := testServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/config/deploy", configDeployRequest{
		Content: json.RawMessage(sampleConfigDoc), DeployedBy: "admin",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.EqualValues(t, 1, out["version"])
	assert.NotEmpty(t, out["content_hash"])
}

func TestHandleConfigDeploy_RejectsInvalidZoneGeometry(t *testing.T) {
	s, _ := testServer(t)
	bad := `{"features":{"zones_enabled":true},"hardware":{},"zones":[{"id":"Z1","ranges":[[1,10]],"relay_cards":[],"enabled":true}],"timing":{}}`
	rec := doJSON(t, s, http.MethodPost, "/api/config/deploy", configDeployRequest{
		Content: json.RawMessage(bad), DeployedBy: "admin",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleConfigApply_PromotesDraftToActive(t *testing.T) {
	s, _ := testServer(t)
	version, _, err := s.deps.ConfigStore.Deploy(reqCtx(t), sampleConfigDoc, "admin")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/config/apply", configApplyRequest{Version: version, Actor: "admin"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), s.deps.ConfigStore.Holder.Epoch())
}

func TestHandleConfigApply_UnknownVersionReturns404(t *testing.T) {
	s, _ := testServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/config/apply", configApplyRequest{Version: 999, Actor: "admin"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleConfigRollback_RestoresPriorVersion(t *testing.T) {
	s, _ := testServer(t)
	v1, _, err := s.deps.ConfigStore.Deploy(reqCtx(t), sampleConfigDoc, "admin")
	require.NoError(t, err)
	require.NoError(t, s.deps.ConfigStore.Apply(reqCtx(t), v1, "admin"))

	v2, _, err := s.deps.ConfigStore.Deploy(reqCtx(t), sampleConfigDoc, "admin")
	require.NoError(t, err)
	require.NoError(t, s.deps.ConfigStore.Apply(reqCtx(t), v2, "admin"))

	rec := doJSON(t, s, http.MethodPost, "/api/config/rollback", configRollbackRequest{ToVersion: v1, Actor: "admin"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, v1, s.deps.ConfigStore.Holder.Current().Version)
}

func TestHandleConfigVersions_ListsNewestFirst(t *testing.T) {
	s, _ := testServer(t)
	_, _, err := s.deps.ConfigStore.Deploy(reqCtx(t), sampleConfigDoc, "admin")
	require.NoError(t, err)
	_, _, err = s.deps.ConfigStore.Deploy(reqCtx(t), sampleConfigDoc, "admin")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/config/versions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Versions []map[string]any `json:"versions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.Versions, 2)
	assert.EqualValues(t, 2, out.Versions[0]["version"])
}
