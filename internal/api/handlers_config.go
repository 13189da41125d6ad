package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lockergw/gateway/internal/config"
)

type configDeployRequest struct {
	Content    json.RawMessage `json:"content"`
	DeployedBy string          `json:"deployed_by"`
}

// handleConfigDeploy stages a new config document as a draft, validating
// its zone geometry before it ever reaches the database.
func (s *Server) handleConfigDeploy(w http.ResponseWriter, r *http.Request) {
	var req configDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Content) == 0 || req.DeployedBy == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	if _, err := config.ParseDocument(string(req.Content)); err != nil {
		RespondError(w, r, http.StatusUnprocessableEntity, ErrInvalidConfig, err.Error())
		return
	}

	version, hash, err := s.deps.ConfigStore.Deploy(r.Context(), string(req.Content), req.DeployedBy)
	if err != nil {
		if errors.Is(err, config.ErrInvalidContent) {
			RespondError(w, r, http.StatusBadRequest, ErrInvalidConfig)
			return
		}
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	RespondJSON(w, http.StatusCreated, map[string]any{"version": version, "content_hash": hash})
}

type configApplyRequest struct {
	Version int    `json:"version"`
	Actor   string `json:"actor"`
}

func (s *Server) handleConfigApply(w http.ResponseWriter, r *http.Request) {
	var req configApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == 0 || req.Actor == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	err := s.deps.ConfigStore.Apply(r.Context(), req.Version, req.Actor)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, map[string]any{"version": req.Version, "status": "active"})
	case errors.Is(err, config.ErrVersionNotFound):
		RespondError(w, r, http.StatusNotFound, ErrInvalidConfig, "version not found")
	case errors.Is(err, config.ErrVersionNotDraft):
		RespondError(w, r, http.StatusConflict, ErrInvalidConfig, "version is not a draft")
	default:
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}

type configRollbackRequest struct {
	ToVersion int    `json:"to_version"`
	Actor     string `json:"actor"`
}

func (s *Server) handleConfigRollback(w http.ResponseWriter, r *http.Request) {
	var req configRollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToVersion == 0 || req.Actor == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	err := s.deps.ConfigStore.Rollback(r.Context(), req.ToVersion, req.Actor)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, map[string]any{"version": req.ToVersion, "status": "active"})
	case errors.Is(err, config.ErrVersionNotFound):
		RespondError(w, r, http.StatusNotFound, ErrInvalidConfig, "version not found")
	case errors.Is(err, config.ErrRollbackTargetActive):
		RespondError(w, r, http.StatusConflict, ErrInvalidConfig, "target version is already active")
	default:
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}

func (s *Server) handleConfigVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.ConfigStore.ListVersions(r.Context())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		out = append(out, map[string]any{
			"version":      v.Version,
			"content_hash": v.ContentHash,
			"deployed_at":  v.DeployedAt,
			"deployed_by":  v.DeployedBy,
			"status":       v.Status,
		})
	}
	RespondJSON(w, http.StatusOK, map[string]any{"versions": out})
}
