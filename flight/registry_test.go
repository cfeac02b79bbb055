package flight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/flight/flighterrors"
)

func TestRegistryUnknownIDIsNoOp(t *testing.T) {
	reg := NewRegistry()
	const bogus = ID(999)

	require.Equal(t, uint64(0), reg.NextIndex(bogus))
	require.True(t, reg.LastRPCSendTimestamp(bogus).IsZero())
	require.Nil(t, reg.peek(bogus))

	// None of these must panic against an unknown id.
	reg.Stop(bogus)
	reg.Join(bogus)
	reg.UnblockAndSendNow(bogus)
	reg.SendHeartbeat(bogus, nil)
	reg.StopTransferLeadership(bogus)

	err := reg.WaitForCaughtUp(bogus, 0, 0, nil)
	require.Error(t, err)
	require.Equal(t, flighterrors.ENotFound, flighterrors.Code(err))

	err = reg.TransferLeadership(bogus, 10)
	require.Error(t, err)
	require.Equal(t, flighterrors.ENotFound, flighterrors.Code(err))

	err = reg.SendTimeoutNowAndStop(bogus, time.Second)
	require.Error(t, err)
	require.Equal(t, flighterrors.ENotFound, flighterrors.Code(err))
}

func TestRegistryStartRejectsIncompleteOptions(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Start(Options{})
	require.False(t, ok)
}

func TestRegistryStartAndStopJoins(t *testing.T) {
	h := newHarness(t, nil)

	waitFor(t, func() bool {
		s, ok := h.snapshot()
		return ok && s.hasSucceeded
	})

	require.NotZero(t, h.registry.NextIndex(h.id))
	require.False(t, h.registry.LastRPCSendTimestamp(h.id).IsZero())

	done := make(chan struct{})
	go func() {
		h.registry.Join(h.id)
		close(done)
	}()

	h.registry.Stop(h.id)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Join never returned after Stop")
	}

	require.Nil(t, h.registry.peek(h.id))
	// Stop and Join are idempotent once destroyed.
	h.registry.Stop(h.id)
	h.registry.Join(h.id)
}
