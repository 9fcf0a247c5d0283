package reconcile

import (
	"strconv"
	"sync"
	"time"

	"smartcabinet/internal/models"
)

// Registry keeps the in-memory view of loadcell devices for quick lookups:
// calibration, last committed quantity, and heartbeat.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*models.Device
	byHardware map[string]*models.Device
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[string]*models.Device),
		byHardware: make(map[string]*models.Device),
	}
}

// Register adds or replaces a device.
func (r *Registry) Register(device *models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[device.ID] = device
	r.byHardware[strconv.Itoa(device.DeviceNumID)] = device
}

// Get returns a device by id.
func (r *Registry) Get(deviceID string) (*models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[deviceID]
	return d, ok
}

// ByHardwareID resolves the hardware-facing identifier (numeric id or the
// device id itself) to a device.
func (r *Registry) ByHardwareID(hardwareID string) (*models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byHardware[hardwareID]; ok {
		return d, true
	}
	d, ok := r.byID[hardwareID]
	return d, ok
}

// DevicesByBin returns all devices mounted in a bin.
func (r *Registry) DevicesByBin(binID string) []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Device
	for _, d := range r.byID {
		if d.BinID == binID {
			out = append(out, d)
		}
	}
	return out
}

// All returns every registered device.
func (r *Registry) All() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Device, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}

// Touch refreshes the device heartbeat.
func (r *Registry) Touch(deviceID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.byID[deviceID]; ok {
		if at.After(d.Heartbeat) {
			d.Heartbeat = at
		}
		return
	}
	if d, ok := r.byHardware[deviceID]; ok {
		if at.After(d.Heartbeat) {
			d.Heartbeat = at
		}
	}
}

// Commit records the reconciled quantity and damage increment for a device
// after a step has been accepted.
func (r *Registry) Commit(deviceID string, quantity, damageIncrement int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[deviceID]
	if !ok {
		return
	}
	d.CalcQuantity = quantity
	if damageIncrement > 0 {
		d.DamageQuantity += damageIncrement
	}
}
