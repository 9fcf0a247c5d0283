package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantityFromWeight(t *testing.T) {
	device := &Device{ZeroWeight: 50, UnitWeight: 100}

	assert.Equal(t, 0, device.QuantityFromWeight(50))
	assert.Equal(t, 3, device.QuantityFromWeight(350))
	// readings round to the nearest whole unit
	assert.Equal(t, 3, device.QuantityFromWeight(349))
	assert.Equal(t, 4, device.QuantityFromWeight(401))
	// below zero weight clamps instead of going negative
	assert.Equal(t, 0, device.QuantityFromWeight(-500))
}

func TestQuantityFromWeightRoundTrip(t *testing.T) {
	device := &Device{ZeroWeight: 120, UnitWeight: 37.5}
	for k := 0; k <= 10; k++ {
		weight := device.ZeroWeight + float64(k)*device.UnitWeight
		assert.Equal(t, k, device.QuantityFromWeight(weight), "k=%d", k)
	}
}

func TestQuantityFromWeightBadCalibration(t *testing.T) {
	device := &Device{ZeroWeight: 0, UnitWeight: 0}
	assert.Equal(t, 0, device.QuantityFromWeight(500))
}

func TestDeviceIsStale(t *testing.T) {
	now := time.Now().UTC()
	device := &Device{Heartbeat: now.Add(-10 * time.Second)}

	assert.False(t, device.IsStale(now, 30*time.Second))
	assert.True(t, device.IsStale(now, 5*time.Second))

	never := &Device{}
	assert.True(t, never.IsStale(now, time.Hour))
}

func TestBinRecordFailedOpen(t *testing.T) {
	bin := &Bin{ID: "bin-1"}

	assert.False(t, bin.RecordFailedOpen(3))
	assert.False(t, bin.RecordFailedOpen(3))
	assert.True(t, bin.RecordFailedOpen(3), "third failure crosses the threshold")
	assert.True(t, bin.IsFailed)

	// already failed: no second crossing signal
	assert.False(t, bin.RecordFailedOpen(3))

	bin.MarkAlive()
	assert.False(t, bin.IsFailed)
	assert.Equal(t, 0, bin.CountFailedOpenAttempts)
}

func TestNewTransaction(t *testing.T) {
	steps := []Step{
		{BinID: "bin-1", Planned: []ItemDelta{{ItemID: "item-1", Quantity: 2}}},
		{BinID: "bin-2", Planned: []ItemDelta{{ItemID: "item-2", Quantity: 1}}},
	}
	tx := NewTransaction(TransactionIssue, "operator-9", "cluster-1", steps)

	require.NotEmpty(t, tx.ID)
	assert.Equal(t, StatusCreated, tx.Status)
	assert.Equal(t, 0, tx.CurrentStepIndex)
	require.Len(t, tx.Steps, 2)
	for _, step := range tx.Steps {
		assert.NotEmpty(t, step.ID)
		assert.Equal(t, StepPending, step.Status)
	}
	assert.NotEqual(t, tx.Steps[0].ID, tx.Steps[1].ID)
}

func TestCurrentStepBounds(t *testing.T) {
	tx := NewTransaction(TransactionReturn, "", "", []Step{{BinID: "bin-1"}})

	require.NotNil(t, tx.CurrentStep())
	assert.Equal(t, "bin-1", tx.CurrentStep().BinID)

	tx.CurrentStepIndex = 1
	assert.Nil(t, tx.CurrentStep())

	tx.CurrentStepIndex = -1
	assert.Nil(t, tx.CurrentStep())
}

func TestIsTerminal(t *testing.T) {
	tx := NewTransaction(TransactionReplenish, "", "", []Step{{BinID: "bin-1"}})
	assert.False(t, tx.IsTerminal())

	tx.Status = StatusCompleted
	assert.True(t, tx.IsTerminal())

	tx.Status = StatusFailed
	assert.True(t, tx.IsTerminal())
}

func TestRecordFailure(t *testing.T) {
	tx := NewTransaction(TransactionIssue, "", "", []Step{{BinID: "bin-1"}})
	tx.RecordFailure(ReasonBinOpenTimeout, "no ack after 3 attempts")

	require.NotNil(t, tx.Error)
	assert.Equal(t, ReasonBinOpenTimeout, tx.Error.Reason)
	assert.Equal(t, "no ack after 3 attempts", tx.Error.Message)
	assert.False(t, tx.Error.At.IsZero())
}
