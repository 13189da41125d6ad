package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lockergw/gateway/internal/config"
	"github.com/lockergw/gateway/internal/locker/mapper"
	"github.com/lockergw/gateway/internal/locker/statemgr"
)

type openLockerRequest struct {
	KioskID   string `json:"kiosk_id"`
	LockerID  int    `json:"locker_id"`
	StaffUser string `json:"staff_user"`
	Reason    string `json:"reason"`
	Zone      string `json:"zone"`
}

type openLockerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleLockerOpen implements the Master PIN staff-open endpoint (spec
// section 6 / SPEC_FULL's Master PIN supplemental feature): staff open any
// non-blocked, non-VIP locker without a card.
func (s *Server) handleLockerOpen(w http.ResponseWriter, r *http.Request) {
	var req openLockerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}
	if req.KioskID == "" || req.LockerID == 0 || req.StaffUser == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	err := s.deps.Gateway.StaffOpen(r.Context(), req.KioskID, req.LockerID, req.StaffUser)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, openLockerResponse{Success: true, Message: "locker opened"})
	case errors.Is(err, statemgr.ErrLockerNotFound):
		RespondError(w, r, http.StatusNotFound, ErrUnknownLocker)
	case errors.Is(err, statemgr.ErrLockerBlocked):
		RespondError(w, r, http.StatusConflict, ErrLockerBlocked)
	case errors.Is(err, statemgr.ErrVipProtected):
		RespondError(w, r, http.StatusUnprocessableEntity, ErrLockerBlocked, "locker is VIP protected")
	default:
		RespondError(w, r, http.StatusBadGateway, ErrHardwareError, err.Error())
	}
}

type lockerView struct {
	LockerID int    `json:"locker_id"`
	Status   string `json:"status"`
	VIP      bool   `json:"vip"`
}

func toLockerViews(in []statemgr.Locker) []lockerView {
	out := make([]lockerView, 0, len(in))
	for _, l := range in {
		out = append(out, lockerView{LockerID: l.ID, Status: string(l.Status), VIP: l.IsVIP})
	}
	return out
}

// handleLockersAvailable returns Free, non-VIP lockers for a kiosk.
func (s *Server) handleLockersAvailable(w http.ResponseWriter, r *http.Request) {
	kioskID := r.URL.Query().Get("kiosk_id")
	zone := r.URL.Query().Get("zone")

	lockers, err := s.deps.State.GetAvailableLockers(r.Context(), kioskID, zone)
	if err != nil {
		s.respondZoneOrInternal(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"lockers": toLockerViews(lockers)})
}

// handleLockersAll returns every locker for a kiosk, including non-Free.
func (s *Server) handleLockersAll(w http.ResponseWriter, r *http.Request) {
	kioskID := r.URL.Query().Get("kiosk_id")
	zone := r.URL.Query().Get("zone")

	lockers, err := s.deps.State.GetAllLockers(r.Context(), kioskID, zone)
	if err != nil {
		s.respondZoneOrInternal(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"lockers": toLockerViews(lockers)})
}

func (s *Server) respondZoneOrInternal(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, statemgr.ErrZoneNotFound) || errors.Is(err, mapper.ErrUnknownLocker) {
		RespondError(w, r, http.StatusBadRequest, ErrUnknownZone, s.enabledZoneIDs(r))
		return
	}
	RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
}

// enabledZoneIDs returns the currently enabled zone IDs for the
// UNKNOWN_ZONE error's available_zones hint (spec section 8, scenario 4).
func (s *Server) enabledZoneIDs(r *http.Request) map[string]any {
	if s.deps.ConfigStore == nil {
		return map[string]any{"available_zones": []string{}}
	}
	active := s.deps.ConfigStore.Holder.Current()
	if active.Version == 0 {
		return map[string]any{"available_zones": []string{}}
	}
	doc, err := config.ParseDocument(active.ContentJSON)
	if err != nil {
		return map[string]any{"available_zones": []string{}}
	}
	var ids []string
	for _, z := range doc.Zones {
		if z.Enabled {
			ids = append(ids, z.ID)
		}
	}
	return map[string]any{"available_zones": ids}
}
