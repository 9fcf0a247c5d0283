package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/lock"
	"smartcabinet/internal/models"
	"smartcabinet/internal/reconcile"
	"smartcabinet/internal/repository"
)

// DeviceStore persists reconciled device quantities. Nil disables persistence.
type DeviceStore interface {
	UpdateQuantities(ctx context.Context, deviceID string, calcQuantity, damageQuantity int) error
}

// Config bounds the coordinator's timing and retry policy.
type Config struct {
	StepTimeout time.Duration
	RetryLimit  int
	// RetryDelay is the pause before a failed step re-issues its open
	// command, so a bin held by another transaction has a chance to free up.
	RetryDelay time.Duration
}

// Coordinator drives every transaction's state machine. Each transaction
// gets one runner goroutine with a mailbox; all stimuli for a transaction
// (bus events, lock results, timer expiries, operator overrides) are
// serialized through that mailbox, so events for one transaction are
// processed strictly in order while different transactions progress in
// parallel.
type Coordinator struct {
	store    repository.TransactionStore
	locks    *lock.Controller
	engine   *reconcile.Engine
	registry *reconcile.Registry
	devices  DeviceStore
	cfg      Config
	logger   *zap.Logger

	mu         sync.Mutex
	runners    map[string]*runner
	activeBins map[string]string
}

// NewCoordinator wires the coordinator. devices may be nil.
func NewCoordinator(store repository.TransactionStore, locks *lock.Controller, engine *reconcile.Engine, registry *reconcile.Registry, devices DeviceStore, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Coordinator{
		store:      store,
		locks:      locks,
		engine:     engine,
		registry:   registry,
		devices:    devices,
		cfg:        cfg,
		logger:     logger,
		runners:    make(map[string]*runner),
		activeBins: make(map[string]string),
	}
}

// Wire subscribes the coordinator (and the lock controller it fronts) to
// the inbound topics of the event contract.
func (c *Coordinator) Wire(b bus.Bus) {
	b.Subscribe(bus.TopicProcessStart, func(ctx context.Context, msg bus.Message) {
		m, ok := msg.(bus.ProcessStart)
		if !ok {
			return
		}
		if err := c.Start(ctx, m.TransactionID); err != nil {
			c.logger.Warn("process start rejected", zap.String("transaction_id", m.TransactionID), zap.Error(err))
		}
	})
	b.Subscribe(bus.TopicBinOpened, func(ctx context.Context, msg bus.Message) {
		if m, ok := msg.(bus.BinOpened); ok {
			c.routeBinEvent(m.BinID, m.TransactionID, evBinOpened{binID: m.BinID})
		}
	})
	b.Subscribe(bus.TopicBinClosed, func(ctx context.Context, msg bus.Message) {
		if m, ok := msg.(bus.BinClosed); ok {
			c.routeBinEvent(m.BinID, m.TransactionID, evBinClosed{binID: m.BinID})
		}
	})
	b.Subscribe(bus.TopicLockOpenSuccess, func(ctx context.Context, msg bus.Message) {
		if m, ok := msg.(bus.LockOpenSuccess); ok {
			c.locks.HandleOpenSuccess(ctx, m.BinID, m.TransactionID)
		}
	})
	b.Subscribe(bus.TopicLockOpenFail, func(ctx context.Context, msg bus.Message) {
		if m, ok := msg.(bus.LockOpenFail); ok {
			c.locks.HandleOpenFail(ctx, m.BinID, m.TransactionID, m.Reason)
		}
	})
	b.Subscribe(bus.TopicQuantityCalculated, func(ctx context.Context, msg bus.Message) {
		if m, ok := msg.(bus.QuantityCalculated); ok {
			c.onQuantityCalculated(m)
		}
	})
	b.Subscribe(bus.TopicForceNextStep, func(ctx context.Context, msg bus.Message) {
		m, ok := msg.(bus.ForceNextStep)
		if !ok {
			return
		}
		if err := c.ForceNextStep(ctx, m.TransactionID, m.IsNextRequestItem); err != nil {
			c.logger.Warn("force next step rejected", zap.String("transaction_id", m.TransactionID), zap.Error(err))
		}
	})
	b.Subscribe(bus.TopicDeviceStatus, func(ctx context.Context, msg bus.Message) {
		if m, ok := msg.(bus.DeviceStatus); ok && m.IsConnected {
			c.registry.Touch(m.DeviceID, m.Timestamp)
		}
	})
}

// Start begins driving a created transaction.
func (c *Coordinator) Start(ctx context.Context, transactionID string) error {
	r, err := c.ensureRunner(transactionID)
	if err != nil {
		return err
	}
	if r == nil {
		// terminal: sink, acknowledged without state change
		return nil
	}
	r.post(evStart{})
	return nil
}

// ForceNextStep applies the operator override. Calling it on a transaction
// already past the targeted step, or terminal, is a no-op.
func (c *Coordinator) ForceNextStep(ctx context.Context, transactionID string, acceptCurrent bool) error {
	r, err := c.ensureRunner(transactionID)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	r.post(evForceNext{acceptCurrent: acceptCurrent})
	return nil
}

// Recover reloads every non-terminal transaction after a restart and
// re-arms it: awaiting-hardware timeouts are re-armed, open commands are
// re-issued for steps that were opening.
func (c *Coordinator) Recover(ctx context.Context) error {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, tx := range active {
		r := c.spawnRunner(tx)
		if r == nil {
			continue
		}
		r.post(evResume{})
		c.logger.Info("recovered transaction",
			zap.String("transaction_id", tx.ID), zap.String("status", string(tx.Status)))
	}
	return nil
}

// onQuantityCalculated converts a hardware weight-delta notification into a
// sample for the transaction currently visiting the device's bin.
func (c *Coordinator) onQuantityCalculated(m bus.QuantityCalculated) {
	device, ok := c.registry.ByHardwareID(m.HardwareID)
	if !ok {
		c.logger.Debug("quantity event for unknown device", zap.String("hardware_id", m.HardwareID))
		return
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	c.registry.Touch(device.ID, ts)

	var sample reconcile.Sample
	if m.Weight != nil {
		sample = reconcile.Sample{DeviceID: device.ID, Weight: *m.Weight, Timestamp: ts}
	} else {
		sample = c.engine.SampleFromChange(device, m.ChangeInQuantity, ts)
	}

	c.mu.Lock()
	txID := c.activeBins[device.BinID]
	r := c.runners[txID]
	c.mu.Unlock()
	if txID == "" || r == nil {
		c.logger.Debug("quantity event outside any active step", zap.String("device_id", device.ID))
		return
	}
	r.post(evSample{sample: sample})
}

// routeBinEvent delivers a hardware bin event to the transaction whose
// active step owns the bin. Messages for bins that are not anyone's current
// step are discarded as stale, visibly.
func (c *Coordinator) routeBinEvent(binID, transactionID string, ev event) {
	c.mu.Lock()
	txID := c.activeBins[binID]
	r := c.runners[txID]
	c.mu.Unlock()

	if txID == "" || r == nil || (transactionID != "" && transactionID != txID) {
		c.logger.Info("discarding stale bin event",
			zap.String("bin_id", binID), zap.String("transaction_id", transactionID))
		return
	}
	r.post(ev)
}

// ensureRunner returns the live runner for a transaction, creating one from
// the store when needed. Returns (nil, nil) when the transaction is
// terminal: events for it are acknowledged but produce no state change.
func (c *Coordinator) ensureRunner(transactionID string) (*runner, error) {
	c.mu.Lock()
	if r, ok := c.runners[transactionID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	tx, err := c.store.Load(context.Background(), transactionID)
	if err != nil {
		return nil, err
	}
	if tx.IsTerminal() {
		c.logger.Info("event for terminal transaction discarded",
			zap.String("transaction_id", transactionID), zap.String("status", string(tx.Status)))
		return nil, nil
	}
	return c.spawnRunner(tx), nil
}

func (c *Coordinator) spawnRunner(tx *models.Transaction) *runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runners[tx.ID]; ok {
		return r
	}
	r := &runner{
		c:      c,
		tx:     tx,
		state:  stateFromStatus(tx.Status),
		events: make(chan event, 64),
	}
	c.runners[tx.ID] = r
	go r.loop()
	return r
}

func (c *Coordinator) removeRunner(transactionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runners, transactionID)
	for binID, txID := range c.activeBins {
		if txID == transactionID {
			delete(c.activeBins, binID)
		}
	}
}

// claimBin reserves a bin for a transaction's active step. The claim spans
// the whole step, not just the open-command window: while one transaction
// owns a bin, its hardware events route only to that transaction and no
// other transaction may start a step on it. Claiming a bin the transaction
// already owns succeeds; a bin owned by another live transaction is refused.
func (c *Coordinator) claimBin(binID, transactionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, held := c.activeBins[binID]
	if held && owner != transactionID {
		return false
	}
	c.activeBins[binID] = transactionID
	return true
}

// releaseBin drops the claim at step end. Only the owner may release, so a
// transaction that was refused the bin cannot strand the one holding it.
func (c *Coordinator) releaseBin(binID, transactionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeBins[binID] == transactionID {
		delete(c.activeBins, binID)
	}
}

// postTimeout delivers a timer expiry into the transaction's mailbox if the
// runner is still alive; expiries for finished transactions are dropped.
func (c *Coordinator) postTimeout(transactionID, stepID string) {
	c.mu.Lock()
	r := c.runners[transactionID]
	c.mu.Unlock()
	if r == nil {
		return
	}
	r.post(evStepTimeout{stepID: stepID})
}

// postRetry delivers a deferred step retry into the transaction's mailbox.
// Retries for finished transactions are dropped.
func (c *Coordinator) postRetry(transactionID, stepID string) {
	c.mu.Lock()
	r := c.runners[transactionID]
	c.mu.Unlock()
	if r == nil {
		return
	}
	r.post(evRetryStep{stepID: stepID})
}

func stateFromStatus(status models.TransactionStatus) State {
	switch status {
	case models.StatusCreated:
		return StateCreated
	case models.StatusStepAwaitingHardware:
		return StateAwaitingHardware
	case models.StatusStepSucceeded, models.StatusStepFailed:
		return StateStepDone
	case models.StatusCompleted:
		return StateCompleted
	case models.StatusFailed:
		return StateFailed
	default:
		return StateOpeningBin
	}
}
