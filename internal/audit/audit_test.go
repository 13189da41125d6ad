// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLogger() *Logger {
	return NewLogger([]byte("test-hash-key"))
}

func TestNewLogger(t *testing.T) {
	logger := testLogger()
	assert.NotNil(t, logger)
}

func TestLogger_Log(t *testing.T) {
	logger := testLogger()

	event := Event{
		Type:      EventConfigDeployed,
		Actor:     "admin",
		Action:    "deployed configuration",
		Result:    "success",
		RequestID: "req-123",
		Details: map[string]string{
			"version": "3",
		},
	}

	// Should not panic.
	logger.Log(event)

	// Missing timestamp should be set automatically.
	event2 := Event{
		Type:    EventLockerAssigned,
		Actor:   "system",
		Action:  "assigned locker",
		Result:  "success",
		KioskID: "kiosk-1",
	}
	logger.Log(event2)
}

func TestLogger_LogFromContext(t *testing.T) {
	logger := testLogger()
	ctx := context.Background()

	event := Event{
		Type:    EventStaffOpen,
		Actor:   "staff-1",
		Action:  "staff override open",
		Result:  "success",
		KioskID: "kiosk-2",
	}

	// Should not panic and should not require an explicit request ID.
	logger.LogFromContext(ctx, event)
}

func TestLogger_HashIdentifier_Deterministic(t *testing.T) {
	logger := testLogger()

	h1 := logger.HashIdentifier("card-0001")
	h2 := logger.HashIdentifier("card-0001")
	h3 := logger.HashIdentifier("card-0002")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.NotContains(t, h1, "card-0001")
	assert.Equal(t, "", logger.HashIdentifier(""))
}

func TestLogger_HashIdentifier_DifferentKeysDiffer(t *testing.T) {
	a := NewLogger([]byte("key-a"))
	b := NewLogger([]byte("key-b"))

	assert.NotEqual(t, a.HashIdentifier("card-0001"), b.HashIdentifier("card-0001"))
}

func TestLogger_LockerAssigned_HashesOwnerKey(t *testing.T) {
	logger := testLogger()
	// Should not panic; owner key must never appear in plaintext in Details.
	logger.LockerAssigned(context.Background(), "kiosk-1", 5, "rfid", "card-secret")
}

func TestLogger_LockerReleased(t *testing.T) {
	logger := testLogger()
	logger.LockerReleased(context.Background(), "kiosk-1", 5, "system", "reservation_expired")
}

func TestLogger_LockerBlocked(t *testing.T) {
	logger := testLogger()
	logger.LockerBlocked(context.Background(), "kiosk-1", 9, "admin", "maintenance")
}

func TestLogger_VipBound(t *testing.T) {
	logger := testLogger()
	logger.VipBound(context.Background(), "kiosk-1", 3, "admin", "contract-1", "card-vip")
}

func TestLogger_HardwareFault(t *testing.T) {
	logger := testLogger()
	logger.HardwareFault(context.Background(), "kiosk-1", 7, "TIMEOUT")
}

func TestLogger_BusLockout(t *testing.T) {
	logger := testLogger()
	logger.BusLockout(context.Background(), 2, "open")
}

func TestLogger_ConfigDeployed(t *testing.T) {
	logger := testLogger()
	logger.ConfigDeployed(context.Background(), "admin", 4, "abc123")
}

func TestLogger_ConfigRolledBack(t *testing.T) {
	logger := testLogger()
	logger.ConfigRolledBack(context.Background(), "admin", 3)
}

func TestLogger_BulkRelease(t *testing.T) {
	logger := testLogger()
	logger.BulkRelease(context.Background(), "cron", "kiosk-1", 12)
}

func TestLogger_StaffOpen(t *testing.T) {
	logger := testLogger()
	logger.StaffOpen(context.Background(), "kiosk-1", 1, "staff-1")
}

func TestLogger_CommandFailed(t *testing.T) {
	logger := testLogger()
	logger.CommandFailed(context.Background(), "kiosk-1", "cmd-1", 2, "connection reset")
}

func TestEvent_TimestampAutoSet(t *testing.T) {
	logger := testLogger()

	event := Event{
		Type:   EventConfigDeployed,
		Actor:  "test",
		Action: "test action",
		Result: "success",
	}

	before := time.Now()
	logger.Log(event)
	after := time.Now()

	assert.True(t, before.Before(after) || before.Equal(after))
}

func TestFormatInt(t *testing.T) {
	assert.Equal(t, "0", formatInt(0))
	assert.Equal(t, "42", formatInt(42))
	assert.Equal(t, "-10", formatInt(-10))
}

func BenchmarkLogger_Log(b *testing.B) {
	logger := testLogger()
	event := Event{
		Type:    EventLockerAssigned,
		Actor:   "benchmark",
		Action:  "test",
		Result:  "success",
		KioskID: "kiosk-1",
		Details: map[string]string{
			"key1": "value1",
			"key2": "value2",
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Log(event)
	}
}
