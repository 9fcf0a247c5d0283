package reconcile

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartcabinet/internal/models"
)

// Sample is one decoded loadcell reading.
type Sample struct {
	DeviceID  string
	Weight    float64
	Timestamp time.Time
}

// StepOutcome is the computed result of one step. It reports facts only;
// whether a partial delta is acceptable is the caller's policy.
type StepOutcome struct {
	BinID                string
	Realized             []models.ItemDelta
	DeviceQuantities     map[string]int
	DamagedDeviceIDs     []string
	DamageByDevice       map[string]int
	UnavailableDeviceIDs []string
	Success              bool
	FailureReason        string
	Warnings             []string
}

// Engine converts loadcell weight samples into validated per-item quantity
// deltas and damage classifications.
type Engine struct {
	registry         *Registry
	heartbeatTimeout time.Duration
	now              func() time.Time
	logger           *zap.Logger
}

// NewEngine builds the reconciliation engine.
func NewEngine(registry *Registry, heartbeatTimeout time.Duration, logger *zap.Logger) *Engine {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &Engine{
		registry:         registry,
		heartbeatTimeout: heartbeatTimeout,
		now:              func() time.Time { return time.Now().UTC() },
		logger:           logger,
	}
}

// WithNow overrides the clock, for tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// SampleFromChange synthesizes a weight sample from an already-computed
// quantity delta, for hardware bridges that report deltas instead of raw
// weights.
func (e *Engine) SampleFromChange(device *models.Device, change int, at time.Time) Sample {
	weight := device.ZeroWeight + float64(device.CalcQuantity+change)*device.UnitWeight
	return Sample{DeviceID: device.ID, Weight: weight, Timestamp: at}
}

// Reconcile compares realized quantity movement on the bin's devices against
// the planned deltas for the step. Planned quantities are positive; the
// transaction type fixes the expected direction (issue removes, return and
// replenish add). Devices with stale heartbeats or without a fresh sample
// inside the window are reported unavailable, never as zero movement.
func (e *Engine) Reconcile(binID string, samples []Sample, planned []models.ItemDelta, txType models.TransactionType, window time.Duration) StepOutcome {
	now := e.now()
	outcome := StepOutcome{
		BinID:            binID,
		DeviceQuantities: make(map[string]int),
		DamageByDevice:   make(map[string]int),
	}

	latest := latestByDevice(samples, now, window)
	devices := e.registry.DevicesByBin(binID)

	sign := 1
	if txType == models.TransactionIssue {
		sign = -1
	}

	realizedByItem := make(map[string]int)
	unreconciled := make([]string, 0)

	for _, want := range planned {
		expected := sign * want.Quantity
		itemRealized := 0
		measured := false
		bound := 0

		for _, device := range devices {
			if device.ItemID != want.ItemID {
				continue
			}
			bound++
			sample, ok := latest[device.ID]
			if !ok {
				sample, ok = latest[hardwareKey(device)]
			}
			if device.IsStale(now, e.heartbeatTimeout) || !ok {
				outcome.UnavailableDeviceIDs = append(outcome.UnavailableDeviceIDs, device.ID)
				continue
			}

			newQty := device.QuantityFromWeight(sample.Weight)
			delta := newQty - device.CalcQuantity
			outcome.DeviceQuantities[device.ID] = newQty
			measured = true

			if delta != 0 && oppositeSign(delta, expected) {
				// Movement against the planned direction: stock left the
				// cell while the balance says it should not have. Attribute
				// it as damage, not as a normal delta.
				outcome.DamagedDeviceIDs = append(outcome.DamagedDeviceIDs, device.ID)
				outcome.DamageByDevice[device.ID] = abs(delta)
				outcome.Warnings = append(outcome.Warnings,
					fmt.Sprintf("%s: device %s moved %d against planned direction", models.ReasonDamageDetected, device.ID, delta))
				continue
			}
			itemRealized += delta
		}

		realizedByItem[want.ItemID] = itemRealized

		switch {
		case bound == 0:
			// no loadcell is watching this item; nothing can vouch for it
			outcome.UnavailableDeviceIDs = append(outcome.UnavailableDeviceIDs, "item:"+want.ItemID)
		case !measured:
			// every bound device was stale or silent; counted above as unavailable
		case itemRealized == expected:
			// satisfied exactly
		case itemRealized == 0:
			unreconciled = append(unreconciled, want.ItemID)
		case abs(itemRealized) < abs(expected):
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("%s: item %s realized %d of planned %d", models.ReasonQuantityMismatch, want.ItemID, itemRealized, expected))
		default:
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("%s: item %s realized %d exceeds planned %d", models.ReasonQuantityMismatch, want.ItemID, itemRealized, expected))
		}
	}

	for item, delta := range realizedByItem {
		outcome.Realized = append(outcome.Realized, models.ItemDelta{ItemID: item, Quantity: delta})
	}

	switch {
	case len(outcome.UnavailableDeviceIDs) > 0:
		outcome.Success = false
		outcome.FailureReason = models.ReasonDeviceUnavailable
	case len(unreconciled) > 0:
		outcome.Success = false
		outcome.FailureReason = models.ReasonQuantityMismatch
	default:
		outcome.Success = true
	}

	if e.logger != nil {
		e.logger.Debug("reconciled step",
			zap.String("bin_id", binID),
			zap.Bool("success", outcome.Success),
			zap.String("failure_reason", outcome.FailureReason),
			zap.Int("unavailable", len(outcome.UnavailableDeviceIDs)),
			zap.Int("damaged", len(outcome.DamagedDeviceIDs)))
	}
	return outcome
}

// latestByDevice keeps the freshest in-window sample per device.
func latestByDevice(samples []Sample, now time.Time, window time.Duration) map[string]Sample {
	latest := make(map[string]Sample, len(samples))
	for _, s := range samples {
		if window > 0 && !s.Timestamp.IsZero() && now.Sub(s.Timestamp) > window {
			continue
		}
		prev, ok := latest[s.DeviceID]
		if !ok || s.Timestamp.After(prev.Timestamp) {
			latest[s.DeviceID] = s
		}
	}
	return latest
}

func hardwareKey(device *models.Device) string {
	return fmt.Sprintf("%d", device.DeviceNumID)
}

func oppositeSign(a, b int) bool {
	return (a > 0 && b < 0) || (a < 0 && b > 0)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
