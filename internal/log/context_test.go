package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextWithRequestID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		id   string
	}{
		{"nil context", nil, "test-id-123"},
		{"background context", context.Background(), "req-456"},
		{"empty request ID", context.Background(), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.id)
			assert.Equal(t, tt.id, RequestIDFromContext(ctx))
		})
	}
}

func TestRequestIDFromContext_Missing(t *testing.T) {
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.Equal(t, "", RequestIDFromContext(nil))
}

func TestContextWithKioskID(t *testing.T) {
	ctx := ContextWithKioskID(context.Background(), "K1")
	assert.Equal(t, "K1", KioskIDFromContext(ctx))
}

func TestContextWithCorrelationID(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "corr-1")
	assert.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
}

func TestWithContext_AddsFieldsOnlyWhenPresent(t *testing.T) {
	base := Base()

	plain := WithContext(context.Background(), base)
	assert.Equal(t, base, plain)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithKioskID(ctx, "K9")
	enriched := WithContext(ctx, base)
	assert.NotEqual(t, base, enriched)
}

func TestFromContext_FallsBackToBase(t *testing.T) {
	l := FromContext(nil)
	assert.NotNil(t, l)
	l2 := FromContext(context.Background())
	assert.NotNil(t, l2)
}
