package api

import (
	"net/http"

	"github.com/lockergw/gateway/internal/config"
	"github.com/lockergw/gateway/internal/health"
)

type zoneSummary struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type healthResponse struct {
	Status       string        `json:"status"`
	ZonesEnabled bool          `json:"zones_enabled"`
	ConfigHash   string        `json:"config_hash,omitempty"`
	TotalLockers int           `json:"total_lockers"`
	Zones        []zoneSummary `json:"zones"`
}

// handleHealth implements the gateway-shaped health endpoint (spec section
// 6), layering zone/config summary information on top of the generic
// health.Manager aggregate status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: string(health.StatusHealthy), Zones: []zoneSummary{}}

	if s.deps.HealthManager != nil {
		hr := s.deps.HealthManager.Health(r.Context(), true)
		resp.Status = string(hr.Status)
	}

	if s.deps.ConfigStore != nil {
		active := s.deps.ConfigStore.Holder.Current()
		if active.Version != 0 {
			resp.ConfigHash = active.ContentHash
			if doc, err := config.ParseDocument(active.ContentJSON); err == nil {
				resp.ZonesEnabled = doc.Features.ZonesEnabled
				for _, z := range doc.Zones {
					resp.Zones = append(resp.Zones, zoneSummary{ID: z.ID, Enabled: z.Enabled})
				}
			}
		}
	}

	if s.deps.Heartbeat != nil && s.deps.State != nil {
		kiosks, err := s.deps.Heartbeat.GetAllKiosks(r.Context())
		if err == nil {
			total := 0
			for _, k := range kiosks {
				lockers, err := s.deps.State.GetAllLockers(r.Context(), k.KioskID, "")
				if err == nil {
					total += len(lockers)
				}
			}
			resp.TotalLockers = total
		}
	}

	RespondJSON(w, http.StatusOK, resp)
}
