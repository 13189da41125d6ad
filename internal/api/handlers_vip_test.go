package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleVIPTransfer_RequestApproveCycle(t *testing.T) {
	s, db := testServer(t)
	seedLocker(t, db, "K1", 1)

	contract, err := s.deps.VIP.Create(reqCtx(t), "K1", 1, "card-A",
		time.Now(), time.Now().Add(30*24*time.Hour), `{}`)
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/vip/transfer/request", vipTransferRequestBody{
		ContractID: uuid.MustParse(contract.ContractID), NewCard: "card-B", RequestedBy: "staff1",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	transferID, _ := created["transfer_id"].(string)
	require.NotEmpty(t, transferID)

	approveRec := doJSON(t, s, http.MethodPost, "/api/vip/transfer/approve", vipTransferApproveBody{
		TransferID: uuid.MustParse(transferID), Actor: "staff1",
	})
	assert.Equal(t, http.StatusOK, approveRec.Code)
}

func TestHandleVIPTransferRequest_UnknownContractReturns404(t *testing.T) {
	s, _ := testServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/vip/transfer/request", vipTransferRequestBody{
		ContractID: uuid.New(), NewCard: "card-B", RequestedBy: "staff1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleVIPTransferReject_MarksRejected(t *testing.T) {
	s, db := testServer(t)
	seedLocker(t, db, "K1", 1)

	contract, err := s.deps.VIP.Create(reqCtx(t), "K1", 1, "card-A",
		time.Now(), time.Now().Add(30*24*time.Hour), `{}`)
	require.NoError(t, err)

	transfer, err := s.deps.VIP.RequestTransfer(reqCtx(t), contract.ContractID, "card-B", "staff1")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/vip/transfer/reject", vipTransferRejectBody{
		TransferID: uuid.MustParse(transfer.TransferID), Actor: "staff1", Reason: "member declined",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}
