package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lockergw/gateway/internal/config"
	"github.com/lockergw/gateway/internal/kiosk/heartbeat"
	"github.com/lockergw/gateway/internal/kiosk/queue"
	"github.com/lockergw/gateway/internal/locker/statemgr"
)

type scanRequest struct {
	KioskID string `json:"kiosk_id"`
	CardID  string `json:"card_id"`
}

func (s *Server) handleKioskScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" || req.CardID == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	result, err := s.deps.Gateway.Scan(r.Context(), req.KioskID, req.CardID)
	if err != nil {
		if errors.Is(err, statemgr.ErrZoneNotFound) {
			RespondError(w, r, http.StatusBadRequest, ErrUnknownZone)
			return
		}
		RespondError(w, r, http.StatusBadGateway, ErrHardwareError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"action":   string(result.Action),
		"locker_id": result.LockerID,
		"vip":      result.VIP,
		"lockers":  toLockerViews(result.Lockers),
	})
}

type selectRequest struct {
	KioskID  string `json:"kiosk_id"`
	CardID   string `json:"card_id"`
	LockerID int    `json:"locker_id"`
}

func (s *Server) handleKioskSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" || req.CardID == "" || req.LockerID == 0 {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	result, err := s.deps.Gateway.Select(r.Context(), req.KioskID, req.LockerID, req.CardID)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, map[string]any{"locker_id": result.LockerID})
	case errors.Is(err, statemgr.ErrLockerNotFound):
		RespondError(w, r, http.StatusNotFound, ErrUnknownLocker)
	case errors.Is(err, statemgr.ErrLockerBusy), errors.Is(err, statemgr.ErrOwnerConflict):
		RespondError(w, r, http.StatusConflict, ErrLockerBusy)
	case errors.Is(err, statemgr.ErrLockerBlocked):
		RespondError(w, r, http.StatusConflict, ErrLockerBlocked)
	case errors.Is(err, statemgr.ErrConcurrencyConflict):
		RespondError(w, r, http.StatusConflict, ErrConcurrencyConflict)
	default:
		RespondError(w, r, http.StatusBadGateway, ErrHardwareError, err.Error())
	}
}

type heartbeatRequest struct {
	KioskID    string               `json:"kiosk_id"`
	ZoneID     string               `json:"zone_id"`
	Version    string               `json:"version"`
	ConfigHash string               `json:"config_hash"`
	HardwareID string               `json:"hardware_id"`
	Telemetry  *heartbeat.Telemetry `json:"telemetry,omitempty"`
}

// pollIntervalSeconds is the polling cadence advertised to kiosks in the
// heartbeat acknowledgement; there is no per-kiosk override yet.
const pollIntervalSeconds = 5

func (s *Server) handleKioskHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	err := s.deps.Heartbeat.Heartbeat(r.Context(), heartbeat.HeartbeatInput{
		KioskID:    req.KioskID,
		ZoneID:     req.ZoneID,
		Version:    req.Version,
		ConfigHash: req.ConfigHash,
		HardwareID: req.HardwareID,
		Telemetry:  req.Telemetry,
	})
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}

	heartbeatSec := config.DefaultTiming().HeartbeatSec
	if s.deps.ConfigStore != nil {
		active := s.deps.ConfigStore.Holder.Current()
		if active.Version != 0 {
			if doc, derr := config.ParseDocument(active.ContentJSON); derr == nil && doc.Timing.HeartbeatSec > 0 {
				heartbeatSec = doc.Timing.HeartbeatSec
			}
		}
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"heartbeat_sec": heartbeatSec,
		"poll_sec":      pollIntervalSeconds,
	})
}

type commandPollRequest struct {
	KioskID string `json:"kiosk_id"`
}

func (s *Server) handleCommandsPoll(w http.ResponseWriter, r *http.Request) {
	var req commandPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	cmd, err := s.deps.Queue.Poll(r.Context(), req.KioskID)
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	if cmd == nil {
		RespondJSON(w, http.StatusOK, map[string]any{"command": nil})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"command": map[string]any{
		"command_id":   cmd.CommandID,
		"type":         cmd.Type,
		"payload_json": cmd.PayloadJSON,
		"attempts":     cmd.Attempts,
	}})
}

type commandCompleteRequest struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
}

func (s *Server) handleCommandsComplete(w http.ResponseWriter, r *http.Request) {
	var req commandCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CommandID == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	err := s.deps.Queue.Complete(r.Context(), req.CommandID, req.Success, req.Error)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, map[string]any{"success": true})
	case errors.Is(err, queue.ErrCommandNotFound):
		RespondError(w, r, http.StatusNotFound, ErrUnknownCommand)
	case errors.Is(err, queue.ErrNotInFlight):
		RespondError(w, r, http.StatusConflict, ErrUnknownCommand, "command is not in flight")
	default:
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}

type commandClearRequest struct {
	KioskID string `json:"kiosk_id"`
}

func (s *Server) handleCommandsClear(w http.ResponseWriter, r *http.Request) {
	var req commandClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KioskID == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	cleared, err := s.deps.Queue.ClearPending(r.Context(), req.KioskID)
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}
