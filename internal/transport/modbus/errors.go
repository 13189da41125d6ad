package modbus

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Transport operations. Callers use errors.Is
// against these, and errors.As against *ExceptionError for the exception
// code.
var (
	ErrTimeout     = errors.New("modbus: timeout waiting for reply")
	ErrCRCMismatch = errors.New("modbus: CRC mismatch in reply")
	ErrBusError    = errors.New("modbus: bus error")
	ErrShortFrame  = errors.New("modbus: reply frame too short")
)

// ExceptionError wraps a Modbus exception response (function code with the
// high bit set, followed by a one-byte exception code).
type ExceptionError struct {
	Function int
	Code     int
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception code %d for function 0x%02X", e.Code, e.Function)
}

// ErrConnectionLost names the state Transport.ConnectionLost reports after
// three consecutive transport failures. No Transport method returns it;
// requests in that state are still sent and fail or succeed on their own.
var ErrConnectionLost = errors.New("modbus: connection lost (3 consecutive failures)")
