package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockerState string
type lockerEvent string

const (
	stateFree     lockerState = "Free"
	stateReserved lockerState = "Reserved"
	stateOwned    lockerState = "Owned"

	eventAssign  lockerEvent = "assign"
	eventConfirm lockerEvent = "confirm"
	eventRelease lockerEvent = "release"
)

func lockerMachine(t *testing.T) *Machine[lockerState, lockerEvent] {
	t.Helper()
	m, err := New(stateFree, []Transition[lockerState, lockerEvent]{
		{From: stateFree, Event: eventAssign, To: stateReserved},
		{From: stateReserved, Event: eventConfirm, To: stateOwned},
		{From: stateReserved, Event: eventRelease, To: stateFree},
		{From: stateOwned, Event: eventRelease, To: stateFree},
	})
	require.NoError(t, err)
	return m
}

func TestMachine_HappyPath(t *testing.T) {
	m := lockerMachine(t)
	ctx := context.Background()

	to, err := m.Fire(ctx, eventAssign)
	require.NoError(t, err)
	assert.Equal(t, stateReserved, to)

	to, err = m.Fire(ctx, eventConfirm)
	require.NoError(t, err)
	assert.Equal(t, stateOwned, to)
	assert.Equal(t, stateOwned, m.State())
}

func TestMachine_InvalidTransition(t *testing.T) {
	m := lockerMachine(t)
	_, err := m.Fire(context.Background(), eventConfirm)
	assert.Error(t, err)
	assert.Equal(t, stateFree, m.State())
}

func TestMachine_GuardRejects(t *testing.T) {
	guardErr := errors.New("locker blocked")
	m, err := New(stateFree, []Transition[lockerState, lockerEvent]{
		{
			From:  stateFree,
			Event: eventAssign,
			To:    stateReserved,
			Guard: func(ctx context.Context, from lockerState, event lockerEvent) error {
				return guardErr
			},
		},
	})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), eventAssign)
	assert.ErrorIs(t, err, guardErr)
	assert.Equal(t, stateFree, m.State())
}

func TestNew_RejectsDuplicateTransition(t *testing.T) {
	_, err := New(stateFree, []Transition[lockerState, lockerEvent]{
		{From: stateFree, Event: eventAssign, To: stateReserved},
		{From: stateFree, Event: eventAssign, To: stateOwned},
	})
	assert.Error(t, err)
}

func TestMachine_ActionRunsBeforeCommit(t *testing.T) {
	var ran bool
	m, err := New(stateFree, []Transition[lockerState, lockerEvent]{
		{
			From:  stateFree,
			Event: eventAssign,
			To:    stateReserved,
			Action: func(ctx context.Context, from, to lockerState, event lockerEvent) error {
				ran = true
				return nil
			},
		},
	})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), eventAssign)
	require.NoError(t, err)
	assert.True(t, ran)
}
