package api

import (
	"encoding/json"
	"net/http"

	"github.com/lockergw/gateway/internal/log"
)

// APIError is the machine-readable error shape returned by every handler
// in this package: a closed code, a human message, and the request's
// trace ID so an operator can correlate it with the log line that
// produced it.
type APIError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string { return e.Message }

// Sentinel errors, one per code in spec section 6/7's closed taxonomy.
var (
	ErrUnknownLocker        = &APIError{Code: "UNKNOWN_LOCKER", Message: "locker not found"}
	ErrUnknownZone          = &APIError{Code: "UNKNOWN_ZONE", Message: "zone not found or disabled"}
	ErrLockerOutOfZone      = &APIError{Code: "LOCKER_OUT_OF_ZONE", Message: "locker is not in the requested zone"}
	ErrLockerBusy           = &APIError{Code: "LOCKER_BUSY", Message: "locker is not available"}
	ErrLockerBlocked        = &APIError{Code: "LOCKER_BLOCKED", Message: "locker is blocked"}
	ErrHardwareError        = &APIError{Code: "HARDWARE_ERROR", Message: "relay hardware did not respond"}
	ErrConcurrencyConflict  = &APIError{Code: "CONCURRENCY_CONFLICT", Message: "concurrent update lost the race"}
	ErrZoneCapacityExceeded = &APIError{Code: "ZONE_CAPACITY_EXCEEDED", Message: "zone has no free lockers"}
	ErrUnknownKiosk         = &APIError{Code: "UNKNOWN_KIOSK", Message: "kiosk not found"}
	ErrUnknownCommand       = &APIError{Code: "UNKNOWN_COMMAND", Message: "command not found"}
	ErrUnknownContract      = &APIError{Code: "UNKNOWN_CONTRACT", Message: "VIP contract not found"}
	ErrInvalidInput         = &APIError{Code: "INVALID_INPUT", Message: "request body failed validation"}
	ErrInvalidConfig        = &APIError{Code: "INVALID_CONFIG", Message: "config document failed validation"}
	ErrUnauthorized         = &APIError{Code: "UNAUTHORIZED", Message: "missing or invalid admin token"}
	ErrInternal             = &APIError{Code: "INTERNAL_ERROR", Message: "an internal error occurred"}
)

// RespondError writes a structured error response, stamping in the
// request's trace ID and any extra details the caller supplies.
func RespondError(w http.ResponseWriter, r *http.Request, statusCode int, apiErr *APIError, details ...any) {
	resp := &APIError{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		TraceID: log.RequestIDFromContext(r.Context()),
	}
	if len(details) > 0 {
		resp.Details = details[0]
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, apiErr.Message, statusCode)
	}
}

// RespondJSON writes a successful JSON response.
func RespondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
