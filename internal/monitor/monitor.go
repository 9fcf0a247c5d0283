package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/reconcile"
)

// Monitor owns the periodic device-liveness check. It evaluates each
// registered loadcell's heartbeat against the staleness timeout and
// publishes a device/status event whenever a device changes between
// connected and disconnected. The coordinator consumes those events from
// the same bus as everything else.
type Monitor struct {
	registry  *reconcile.Registry
	publisher bus.Publisher
	interval  time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	connected map[string]bool
}

// New builds the monitor with an injectable clock.
func New(registry *reconcile.Registry, publisher bus.Publisher, interval, timeout time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Monitor{
		registry:  registry,
		publisher: publisher,
		interval:  interval,
		timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		connected: make(map[string]bool),
	}
}

// WithNow overrides the clock, for tests.
func (m *Monitor) WithNow(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run evaluates liveness on every tick until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one liveness evaluation pass.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()
	for _, device := range m.registry.All() {
		alive := !device.IsStale(now, m.timeout)

		m.mu.Lock()
		prev, seen := m.connected[device.ID]
		changed := !seen || prev != alive
		m.connected[device.ID] = alive
		m.mu.Unlock()

		if !changed {
			continue
		}

		if alive {
			m.logger.Info("device connected", zap.String("device_id", device.ID))
		} else {
			m.logger.Warn("device heartbeat lost", zap.String("device_id", device.ID))
		}

		event := bus.DeviceStatus{
			DeviceID:    device.ID,
			IsConnected: alive,
			Timestamp:   now,
		}
		if err := m.publisher.Publish(ctx, event); err != nil {
			m.logger.Warn("publish device status failed",
				zap.String("device_id", device.ID), zap.Error(err))
		}
	}
}
