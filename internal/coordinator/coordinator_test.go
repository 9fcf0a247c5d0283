package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/lock"
	"smartcabinet/internal/models"
	"smartcabinet/internal/reconcile"
	"smartcabinet/internal/repository"
)

// harness assembles the real bus, lock controller, engine and memory store
// around the coordinator, plus a scripted hardware side.
type harness struct {
	bus      *bus.Memory
	store    *repository.MemoryStore
	registry *reconcile.Registry
	locks    *lock.Controller
	coord    *Coordinator

	mu       sync.Mutex
	byTopic  map[string][]bus.Message
	ackLocks bool
}

type harnessConfig struct {
	lockCfg     lock.Config
	coordCfg    Config
	ackLocks    bool
	ackEveryCmd int // extra duplicate acks per command
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		bus:      bus.NewMemory(logger),
		registry: reconcile.NewRegistry(),
		byTopic:  make(map[string][]bus.Message),
		ackLocks: cfg.ackLocks,
	}
	h.store = repository.NewMemoryStore(h.bus)
	h.locks = lock.NewController(h.bus, nil, nil, cfg.lockCfg, logger)

	engine := reconcile.NewEngine(h.registry, 30*time.Second, logger)
	h.coord = NewCoordinator(h.store, h.locks, engine, h.registry, nil, cfg.coordCfg, logger)
	h.coord.Wire(h.bus)

	for _, topic := range []string{
		bus.TopicLockOpenCommand,
		bus.TopicStepSuccess,
		bus.TopicStepError,
		bus.TopicStepWarning,
		bus.TopicTransactionCompleted,
		bus.TopicTransactionFailed,
	} {
		topic := topic
		h.bus.Subscribe(topic, func(ctx context.Context, msg bus.Message) {
			h.mu.Lock()
			h.byTopic[topic] = append(h.byTopic[topic], msg)
			h.mu.Unlock()
		})
	}

	// scripted lock hardware: acknowledge every open command, plus optional
	// duplicate acks to exercise idempotency
	h.bus.Subscribe(bus.TopicLockOpenCommand, func(ctx context.Context, msg bus.Message) {
		cmd, ok := msg.(bus.LockOpenCommand)
		if !ok || !h.ackLocks {
			return
		}
		for i := 0; i <= cfg.ackEveryCmd; i++ {
			_ = h.bus.Publish(ctx, bus.LockOpenSuccess{
				BinID:         cmd.BinID,
				TransactionID: cmd.TransactionID,
			})
		}
	})

	return h
}

func (h *harness) addBin(binID string) {
	h.locks.RegisterBin(&models.Bin{ID: binID, LockID: "lock-" + binID, CUControllerID: "cu-1", IsLocked: true})
}

func (h *harness) addDevice(id string, numID int, binID, itemID string, quantity int, heartbeat time.Time) *models.Device {
	device := &models.Device{
		ID:           id,
		DeviceNumID:  numID,
		BinID:        binID,
		ItemID:       itemID,
		ZeroWeight:   0,
		UnitWeight:   100,
		CalcQuantity: quantity,
		Heartbeat:    heartbeat,
	}
	h.registry.Register(device)
	return device
}

func (h *harness) createTransaction(t *testing.T, txType models.TransactionType, steps []models.Step) *models.Transaction {
	t.Helper()
	tx := models.NewTransaction(txType, "operator-1", "cluster-1", steps)
	if err := h.store.Create(context.Background(), tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return tx
}

func (h *harness) publish(t *testing.T, msg bus.Message) {
	t.Helper()
	if err := h.bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish %s: %v", msg.Topic(), err)
	}
}

func (h *harness) count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byTopic[topic])
}

func (h *harness) status(t *testing.T, txID string) models.TransactionStatus {
	t.Helper()
	tx, err := h.store.Load(context.Background(), txID)
	if err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	return tx.Status
}

func (h *harness) waitForStatus(t *testing.T, txID string, want models.TransactionStatus) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return h.status(t, txID) == want })
}

func oneStep(binID, itemID string, quantity int) []models.Step {
	return []models.Step{{BinID: binID, Planned: []models.ItemDelta{{ItemID: itemID, Quantity: quantity}}}}
}

func weightOf(v float64) *float64 { return &v }

func TestIssueTransactionHappyPath(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 3},
		ackLocks: true,
	})
	h.addBin("bin-1")
	device := h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Now().UTC())

	tx := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusStepAwaitingHardware)

	h.publish(t, bus.QuantityCalculated{
		ItemID:     "item-1",
		HardwareID: "1",
		Weight:     weightOf(300),
		Timestamp:  time.Now().UTC(),
	})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusCompleted)

	if got := h.count(bus.TopicStepSuccess); got != 1 {
		t.Fatalf("expected 1 step success event, got %d", got)
	}
	if got := h.count(bus.TopicTransactionCompleted); got != 1 {
		t.Fatalf("expected 1 completion event, got %d", got)
	}
	if got := h.count(bus.TopicStepError); got != 0 {
		t.Fatalf("expected no step errors, got %d", got)
	}

	final, _ := h.store.Load(context.Background(), tx.ID)
	if final.RetryCount != 0 {
		t.Fatalf("expected zero retries, got %d", final.RetryCount)
	}
	step := final.Steps[0]
	if step.Status != models.StepSucceeded {
		t.Fatalf("expected succeeded step, got %s", step.Status)
	}
	if len(step.Realized) != 1 || step.Realized[0].Quantity != -2 {
		t.Fatalf("unexpected realized deltas: %+v", step.Realized)
	}
	if device.CalcQuantity != 3 {
		t.Fatalf("expected committed quantity 3, got %d", device.CalcQuantity)
	}
}

func TestBinFailureEndsTransaction(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: 20 * time.Millisecond, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 3},
		ackLocks: false, // hardware never answers
	})
	h.addBin("bin-1")
	h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Now().UTC())

	tx := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusFailed)

	if got := h.count(bus.TopicLockOpenCommand); got != 3 {
		t.Fatalf("expected 3 open commands before the bin failed, got %d", got)
	}
	if got := h.count(bus.TopicTransactionFailed); got != 1 {
		t.Fatalf("expected 1 failure event, got %d", got)
	}

	final, _ := h.store.Load(context.Background(), tx.ID)
	if final.Error == nil || final.Error.Reason != models.ReasonBinOpenRejected {
		t.Fatalf("unexpected failure detail: %+v", final.Error)
	}
	bin, _ := h.locks.Bin("bin-1")
	if !bin.IsFailed {
		t.Fatalf("bin should be marked failed")
	}

	// the failed transaction is a sink: restarting produces no new commands
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})
	time.Sleep(100 * time.Millisecond)
	if got := h.count(bus.TopicLockOpenCommand); got != 3 {
		t.Fatalf("terminal transaction must not open bins again, got %d commands", got)
	}
}

func TestDuplicateLockAckIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:     lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg:    Config{StepTimeout: 5 * time.Second, RetryLimit: 3},
		ackLocks:    true,
		ackEveryCmd: 2, // every open command is acknowledged three times
	})
	h.addBin("bin-1")
	h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Now().UTC())

	tx := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusStepAwaitingHardware)

	h.publish(t, bus.QuantityCalculated{HardwareID: "1", Weight: weightOf(300), Timestamp: time.Now().UTC()})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusCompleted)

	awaiting := 0
	for _, tr := range h.store.Transitions(tx.ID) {
		if tr.To == models.StatusStepAwaitingHardware {
			awaiting++
		}
	}
	if awaiting != 1 {
		t.Fatalf("duplicate acks must produce exactly one awaiting transition, got %d", awaiting)
	}
}

func TestStaleEventsDoNotCorruptState(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 3},
		ackLocks: true,
	})
	h.addBin("bin-1")
	h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Now().UTC())

	tx := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))

	// events before the transaction even starts are discarded
	h.publish(t, bus.BinClosed{BinID: "bin-1"})
	h.publish(t, bus.BinOpened{BinID: "bin-9"})
	h.publish(t, bus.QuantityCalculated{HardwareID: "404", Weight: weightOf(100)})

	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})
	h.waitForStatus(t, tx.ID, models.StatusStepAwaitingHardware)

	// a close for a bin nobody is visiting is ignored
	h.publish(t, bus.BinClosed{BinID: "bin-9"})

	h.publish(t, bus.QuantityCalculated{HardwareID: "1", Weight: weightOf(300), Timestamp: time.Now().UTC()})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx.ID})
	h.waitForStatus(t, tx.ID, models.StatusCompleted)

	// late hardware chatter after completion changes nothing
	h.publish(t, bus.BinOpened{BinID: "bin-1", TransactionID: tx.ID})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx.ID})
	time.Sleep(50 * time.Millisecond)

	final, _ := h.store.Load(context.Background(), tx.ID)
	if final.Status != models.StatusCompleted {
		t.Fatalf("status corrupted to %s", final.Status)
	}
	if final.CurrentStepIndex != 1 {
		t.Fatalf("step index corrupted to %d", final.CurrentStepIndex)
	}
}

func TestMissingHeartbeatNeverCompletesWithZero(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 10},
		coordCfg: Config{StepTimeout: 80 * time.Millisecond, RetryLimit: 1, RetryDelay: 10 * time.Millisecond},
		ackLocks: true,
	})
	h.addBin("bin-1")
	// device that has never sent a heartbeat
	device := h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Time{})

	tx := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusFailed)

	final, _ := h.store.Load(context.Background(), tx.ID)
	if final.Error == nil || final.Error.Reason != models.ReasonDeviceUnavailable {
		t.Fatalf("expected device-unavailable failure, got %+v", final.Error)
	}
	if got := h.count(bus.TopicStepSuccess); got != 0 {
		t.Fatalf("a silent device must never produce a successful step, got %d", got)
	}
	if got := h.count(bus.TopicTransactionCompleted); got != 0 {
		t.Fatalf("transaction must not complete, got %d completions", got)
	}
	if device.CalcQuantity != 5 {
		t.Fatalf("quantity must stay uncommitted, got %d", device.CalcQuantity)
	}
}

func TestForceNextStepSkipBeatsLateAck(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Minute, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: time.Minute, RetryLimit: 3},
		ackLocks: false, // hardware stays silent until we answer manually
	})
	h.addBin("bin-1")
	h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Now().UTC())

	tx := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusInProgress)

	// operator gives up on the bin before the hardware ever answers
	h.publish(t, bus.ForceNextStep{TransactionID: tx.ID, IsNextRequestItem: false})
	h.waitForStatus(t, tx.ID, models.StatusCompleted)

	transitionsBefore := len(h.store.Transitions(tx.ID))

	// the ack arrives after the step was skipped: it must not move anything
	h.publish(t, bus.LockOpenSuccess{BinID: "bin-1", TransactionID: tx.ID})
	time.Sleep(100 * time.Millisecond)

	if got := len(h.store.Transitions(tx.ID)); got != transitionsBefore {
		t.Fatalf("late ack added transitions: %d -> %d", transitionsBefore, got)
	}
	final, _ := h.store.Load(context.Background(), tx.ID)
	if final.Status != models.StatusCompleted {
		t.Fatalf("late ack changed status to %s", final.Status)
	}
	step := final.Steps[0]
	if step.Status != models.StepFailed || step.FailureReason != models.ReasonStepSkipped {
		t.Fatalf("expected skipped step, got %s/%s", step.Status, step.FailureReason)
	}
	if final.RetryCount != 0 {
		t.Fatalf("skipping must not consume the retry budget, got %d", final.RetryCount)
	}
	if got := h.count(bus.TopicStepError); got != 1 {
		t.Fatalf("expected exactly 1 step error, got %d", got)
	}
	if got := h.count(bus.TopicStepSuccess); got != 0 {
		t.Fatalf("skipped step must not emit success, got %d", got)
	}
}

func TestForceNextStepAcceptsPartialCount(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: time.Minute, RetryLimit: 3},
		ackLocks: true,
	})
	h.addBin("bin-1")
	device := h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Now().UTC())

	tx := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 3))
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})
	h.waitForStatus(t, tx.ID, models.StatusStepAwaitingHardware)

	// only one of the planned three was taken, and the door never closed
	h.publish(t, bus.QuantityCalculated{HardwareID: "1", Weight: weightOf(400), Timestamp: time.Now().UTC()})
	h.publish(t, bus.ForceNextStep{TransactionID: tx.ID, IsNextRequestItem: true})

	h.waitForStatus(t, tx.ID, models.StatusCompleted)

	if got := h.count(bus.TopicStepWarning); got == 0 {
		t.Fatalf("partial fulfillment must emit a warning")
	}
	final, _ := h.store.Load(context.Background(), tx.ID)
	step := final.Steps[0]
	if step.Status != models.StepSucceeded {
		t.Fatalf("expected accepted step, got %s", step.Status)
	}
	if len(step.Realized) != 1 || step.Realized[0].Quantity != -1 {
		t.Fatalf("unexpected realized deltas: %+v", step.Realized)
	}
	if device.CalcQuantity != 4 {
		t.Fatalf("expected committed quantity 4, got %d", device.CalcQuantity)
	}
}

func TestMultiStepTransaction(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 3},
		ackLocks: true,
	})
	h.addBin("bin-1")
	h.addBin("bin-2")
	h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Now().UTC())
	h.addDevice("dev-2", 2, "bin-2", "item-2", 8, time.Now().UTC())

	steps := []models.Step{
		{BinID: "bin-1", Planned: []models.ItemDelta{{ItemID: "item-1", Quantity: 2}}},
		{BinID: "bin-2", Planned: []models.ItemDelta{{ItemID: "item-2", Quantity: 1}}},
	}
	tx := h.createTransaction(t, models.TransactionIssue, steps)
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusStepAwaitingHardware)
	h.publish(t, bus.QuantityCalculated{HardwareID: "1", Weight: weightOf(300), Timestamp: time.Now().UTC()})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx.ID})

	// second step re-enters awaiting-hardware for bin-2
	waitFor(t, 2*time.Second, func() bool {
		tx2, err := h.store.Load(context.Background(), tx.ID)
		return err == nil && tx2.CurrentStepIndex == 1 && tx2.Status == models.StatusStepAwaitingHardware
	})
	h.publish(t, bus.QuantityCalculated{HardwareID: "2", Weight: weightOf(700), Timestamp: time.Now().UTC()})
	h.publish(t, bus.BinClosed{BinID: "bin-2", TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusCompleted)

	if got := h.count(bus.TopicStepSuccess); got != 2 {
		t.Fatalf("expected 2 step successes, got %d", got)
	}
	final, _ := h.store.Load(context.Background(), tx.ID)
	if final.Steps[1].Realized[0].Quantity != -1 {
		t.Fatalf("unexpected second step delta: %+v", final.Steps[1].Realized)
	}
}

func TestRecoverResumesFinishedStep(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 3},
		ackLocks: true,
	})
	h.addBin("bin-1")

	// crashed after recording the step result but before completing
	tx := models.NewTransaction(models.TransactionIssue, "operator-1", "cluster-1", oneStep("bin-1", "item-1", 2))
	tx.Status = models.StatusStepSucceeded
	tx.Steps[0].Status = models.StepSucceeded
	if err := h.store.Create(context.Background(), tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	if err := h.coord.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	h.waitForStatus(t, tx.ID, models.StatusCompleted)
	if got := h.count(bus.TopicTransactionCompleted); got != 1 {
		t.Fatalf("expected 1 completion event, got %d", got)
	}
}

func TestSecondTransactionWaitsForBin(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 20, RetryDelay: 10 * time.Millisecond},
		ackLocks: true,
	})
	h.addBin("bin-1")
	device := h.addDevice("dev-1", 1, "bin-1", "item-1", 10, time.Now().UTC())

	tx1 := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx1.ID})
	h.waitForStatus(t, tx1.ID, models.StatusStepAwaitingHardware)

	// a second transaction wants the same bin while the first is mid-step
	tx2 := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 3))
	h.publish(t, bus.ProcessStart{TransactionID: tx2.ID})

	// it must not open the bin out from under the first transaction
	time.Sleep(50 * time.Millisecond)
	if got := h.count(bus.TopicLockOpenCommand); got != 1 {
		t.Fatalf("expected no open command while the bin is owned, got %d", got)
	}
	if got := h.status(t, tx1.ID); got != models.StatusStepAwaitingHardware {
		t.Fatalf("first transaction lost its step: %s", got)
	}

	// the first transaction's hardware events still route to it
	h.publish(t, bus.QuantityCalculated{HardwareID: "1", Weight: weightOf(800), Timestamp: time.Now().UTC()})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx1.ID})
	h.waitForStatus(t, tx1.ID, models.StatusCompleted)

	// once the bin frees up, the second transaction takes its turn
	h.waitForStatus(t, tx2.ID, models.StatusStepAwaitingHardware)
	h.publish(t, bus.QuantityCalculated{HardwareID: "1", Weight: weightOf(500), Timestamp: time.Now().UTC()})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx2.ID})
	h.waitForStatus(t, tx2.ID, models.StatusCompleted)

	if got := h.count(bus.TopicLockOpenCommand); got != 2 {
		t.Fatalf("expected exactly one open command per transaction, got %d", got)
	}
	final1, _ := h.store.Load(context.Background(), tx1.ID)
	if final1.Steps[0].Realized[0].Quantity != -2 {
		t.Fatalf("unexpected first transaction delta: %+v", final1.Steps[0].Realized)
	}
	final2, _ := h.store.Load(context.Background(), tx2.ID)
	if final2.Steps[0].Realized[0].Quantity != -3 {
		t.Fatalf("unexpected second transaction delta: %+v", final2.Steps[0].Realized)
	}
	if device.CalcQuantity != 5 {
		t.Fatalf("expected committed quantity 5, got %d", device.CalcQuantity)
	}
}

func TestBusyBinExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 2, RetryDelay: 10 * time.Millisecond},
		ackLocks: true,
	})
	h.addBin("bin-1")
	h.addDevice("dev-1", 1, "bin-1", "item-1", 10, time.Now().UTC())

	tx1 := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx1.ID})
	h.waitForStatus(t, tx1.ID, models.StatusStepAwaitingHardware)

	// the bin never frees up, so the contender burns its retries and fails
	tx2 := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 3))
	h.publish(t, bus.ProcessStart{TransactionID: tx2.ID})
	h.waitForStatus(t, tx2.ID, models.StatusFailed)

	final2, _ := h.store.Load(context.Background(), tx2.ID)
	if final2.Error == nil || final2.Error.Reason != models.ReasonBinBusy {
		t.Fatalf("unexpected failure detail: %+v", final2.Error)
	}
	if got := h.count(bus.TopicLockOpenCommand); got != 1 {
		t.Fatalf("a refused transaction must not issue open commands, got %d", got)
	}

	// the owner is untouched by the contender's failure and still finishes
	if got := h.status(t, tx1.ID); got != models.StatusStepAwaitingHardware {
		t.Fatalf("owning transaction lost its step: %s", got)
	}
	h.publish(t, bus.QuantityCalculated{HardwareID: "1", Weight: weightOf(800), Timestamp: time.Now().UTC()})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx1.ID})
	h.waitForStatus(t, tx1.ID, models.StatusCompleted)
}

func TestSkipReleasesPendingOpen(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Minute, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: time.Minute, RetryLimit: 3},
		ackLocks: false, // hardware never answers
	})
	h.addBin("bin-1")
	h.addDevice("dev-1", 1, "bin-1", "item-1", 5, time.Now().UTC())

	tx1 := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx1.ID})
	h.waitForStatus(t, tx1.ID, models.StatusInProgress)

	// skipping the step withdraws the unanswered open request immediately
	h.publish(t, bus.ForceNextStep{TransactionID: tx1.ID, IsNextRequestItem: false})
	h.waitForStatus(t, tx1.ID, models.StatusCompleted)

	// the bin is free for the next transaction without waiting out the ack window
	tx2 := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 1))
	h.publish(t, bus.ProcessStart{TransactionID: tx2.ID})
	waitFor(t, 2*time.Second, func() bool { return h.count(bus.TopicLockOpenCommand) == 2 })

	if got := h.status(t, tx2.ID); got != models.StatusInProgress {
		t.Fatalf("second transaction should be opening the bin, got %s", got)
	}
}

func TestZeroWeightReadingEmptiesBin(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 3},
		ackLocks: true,
	})
	h.addBin("bin-1")
	device := h.addDevice("dev-1", 1, "bin-1", "item-1", 2, time.Now().UTC())

	tx := h.createTransaction(t, models.TransactionIssue, oneStep("bin-1", "item-1", 2))
	h.publish(t, bus.ProcessStart{TransactionID: tx.ID})
	h.waitForStatus(t, tx.ID, models.StatusStepAwaitingHardware)

	// taking the last items reads exactly zero grams; that is a real reading,
	// not an absent one
	h.publish(t, bus.QuantityCalculated{HardwareID: "1", Weight: weightOf(0), Timestamp: time.Now().UTC()})
	h.publish(t, bus.BinClosed{BinID: "bin-1", TransactionID: tx.ID})

	h.waitForStatus(t, tx.ID, models.StatusCompleted)

	final, _ := h.store.Load(context.Background(), tx.ID)
	if final.Steps[0].Realized[0].Quantity != -2 {
		t.Fatalf("unexpected realized delta: %+v", final.Steps[0].Realized)
	}
	if device.CalcQuantity != 0 {
		t.Fatalf("expected emptied device, got quantity %d", device.CalcQuantity)
	}
}

func TestRecoverKeepsPersistedFailureReason(t *testing.T) {
	h := newHarness(t, harnessConfig{
		lockCfg:  lock.Config{AckTimeout: time.Second, MaxAttempts: 3, FailThreshold: 3},
		coordCfg: Config{StepTimeout: 5 * time.Second, RetryLimit: 2},
		ackLocks: true,
	})
	h.addBin("bin-1")

	// crashed after the last retry was recorded but before the failure
	tx := models.NewTransaction(models.TransactionIssue, "operator-1", "cluster-1", oneStep("bin-1", "item-1", 2))
	tx.Status = models.StatusStepFailed
	tx.RetryCount = 3
	tx.Steps[0].Status = models.StepActive
	tx.Steps[0].FailureReason = models.ReasonDeviceUnavailable
	if err := h.store.Create(context.Background(), tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	if err := h.coord.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	h.waitForStatus(t, tx.ID, models.StatusFailed)
	final, _ := h.store.Load(context.Background(), tx.ID)
	if final.Error == nil || final.Error.Reason != models.ReasonDeviceUnavailable {
		t.Fatalf("expected the recorded failure reason to survive restart, got %+v", final.Error)
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateCreated, StateOpeningBin},
		{StateOpeningBin, StateAwaitingHardware},
		{StateAwaitingHardware, StateReconciling},
		{StateReconciling, StateStepDone},
		{StateStepDone, StateOpeningBin},
		{StateStepDone, StateCompleted},
		{StateAwaitingHardware, StateFailed},
	}
	for _, tc := range legal {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateCompleted, StateOpeningBin},
		{StateFailed, StateCreated},
		{StateCreated, StateReconciling},
		{StateAwaitingHardware, StateCompleted},
	}
	for _, tc := range illegal {
		if canTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s must be illegal", tc.from, tc.to)
		}
	}

	if !isTerminal(StateCompleted) || !isTerminal(StateFailed) || isTerminal(StateReconciling) {
		t.Errorf("terminal classification broken")
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
