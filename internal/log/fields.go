package log

// Canonical field name constants for structured logging across the gateway.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldTraceID   = "trace_id"
	FieldKioskID   = "kiosk_id"
	FieldLockerID  = "locker_id"
	FieldZoneID    = "zone_id"
	FieldCommandID = "command_id"
	FieldContract  = "contract_id"

	// Process / component fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Hardware fields
	FieldSlave = "slave"
	FieldCoil  = "coil"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldVersion  = "version"
)
