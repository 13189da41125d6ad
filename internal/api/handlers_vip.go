package api

import (
	"encoding/json"
	"errors"
	"net/http"

	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/lockergw/gateway/internal/locker/vip"
)

// contractID and transferID are typed as openapi_types.UUID (the type
// oapi-codegen emits for `format: uuid` schema fields) rather than plain
// string: decoding rejects a malformed ID before it ever reaches vip.Manager.
type vipTransferRequestBody struct {
	ContractID  openapi_types.UUID `json:"contract_id"`
	NewCard     string             `json:"new_card"`
	RequestedBy string             `json:"requested_by"`
}

func (s *Server) handleVIPTransferRequest(w http.ResponseWriter, r *http.Request) {
	var req vipTransferRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.ContractID.String() == "" || req.NewCard == "" || req.RequestedBy == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	t, err := s.deps.VIP.RequestTransfer(r.Context(), req.ContractID.String(), req.NewCard, req.RequestedBy)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusCreated, map[string]any{
			"transfer_id": t.TransferID,
			"status":      t.Status,
		})
	case errors.Is(err, vip.ErrContractNotFound):
		RespondError(w, r, http.StatusNotFound, ErrUnknownContract)
	case errors.Is(err, vip.ErrContractNotActive):
		RespondError(w, r, http.StatusConflict, ErrUnknownContract, "contract is not active")
	default:
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}

type vipTransferApproveBody struct {
	TransferID openapi_types.UUID `json:"transfer_id"`
	Actor      string             `json:"actor"`
}

func (s *Server) handleVIPTransferApprove(w http.ResponseWriter, r *http.Request) {
	var req vipTransferApproveBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransferID.String() == "" || req.Actor == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	err := s.deps.VIP.ApproveTransfer(r.Context(), req.TransferID.String(), req.Actor)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, map[string]any{"transfer_id": req.TransferID, "status": "approved"})
	case errors.Is(err, vip.ErrTransferNotFound):
		RespondError(w, r, http.StatusNotFound, ErrUnknownContract, "transfer not found")
	case errors.Is(err, vip.ErrTransferNotPending):
		RespondError(w, r, http.StatusConflict, ErrUnknownContract, "transfer is not pending")
	case errors.Is(err, vip.ErrCardConflict):
		RespondError(w, r, http.StatusConflict, ErrUnknownContract, "new card already holds an active contract")
	default:
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}

type vipTransferRejectBody struct {
	TransferID openapi_types.UUID `json:"transfer_id"`
	Actor      string             `json:"actor"`
	Reason     string             `json:"reason"`
}

func (s *Server) handleVIPTransferReject(w http.ResponseWriter, r *http.Request) {
	var req vipTransferRejectBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransferID.String() == "" || req.Actor == "" {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	err := s.deps.VIP.RejectTransfer(r.Context(), req.TransferID.String(), req.Actor, req.Reason)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, map[string]any{"transfer_id": req.TransferID, "status": "rejected"})
	case errors.Is(err, vip.ErrTransferNotFound):
		RespondError(w, r, http.StatusNotFound, ErrUnknownContract, "transfer not found")
	case errors.Is(err, vip.ErrTransferNotPending):
		RespondError(w, r, http.StatusConflict, ErrUnknownContract, "transfer is not pending")
	default:
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
	}
}
