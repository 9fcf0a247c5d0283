package models

import (
	"math"
	"time"
)

// Device is a loadcell bound to at most one (bin, item) pair at a time.
type Device struct {
	ID             string    `json:"id"`
	DeviceNumID    int       `json:"device_num_id"`
	BinID          string    `json:"bin_id"`
	ItemID         string    `json:"item_id"`
	ZeroWeight     float64   `json:"zero_weight"`
	UnitWeight     float64   `json:"unit_weight"`
	CalcQuantity   int       `json:"calc_quantity"`
	DamageQuantity int       `json:"damage_quantity"`
	Heartbeat      time.Time `json:"heartbeat"`
}

// QuantityFromWeight converts a raw weight reading into an inferred item
// count: round((weight - zeroWeight) / unitWeight), clamped at zero.
func (d *Device) QuantityFromWeight(weight float64) int {
	if d.UnitWeight <= 0 {
		return 0
	}
	qty := int(math.Round((weight - d.ZeroWeight) / d.UnitWeight))
	if qty < 0 {
		return 0
	}
	return qty
}

// IsStale reports whether the device heartbeat is older than the monitoring
// timeout. A stale device must not be trusted for reconciliation.
func (d *Device) IsStale(now time.Time, timeout time.Duration) bool {
	if d.Heartbeat.IsZero() {
		return true
	}
	return now.Sub(d.Heartbeat) > timeout
}
