package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/lock"
	"smartcabinet/internal/models"
	"smartcabinet/internal/reconcile"
	"smartcabinet/internal/repository"
)

// runner owns one transaction: its mailbox, in-memory machine state and the
// sample accumulator for the step in flight. Only the runner goroutine
// touches these fields after construction.
type runner struct {
	c      *Coordinator
	tx     *models.Transaction
	state  State
	events chan event

	samples    []reconcile.Sample
	stepTimer  *time.Timer
	retryTimer *time.Timer
	done       bool
}

func (r *runner) post(ev event) {
	r.events <- ev
}

func (r *runner) loop() {
	for ev := range r.events {
		r.handle(ev)
		if r.done {
			break
		}
	}
	r.stopStepTimer()
	r.stopRetryTimer()
	r.c.removeRunner(r.tx.ID)
}

func (r *runner) log() *zap.Logger {
	return r.c.logger.With(zap.String("transaction_id", r.tx.ID))
}

func (r *runner) handle(ev event) {
	if isTerminal(r.state) {
		// sink state: acknowledged, no state change
		r.log().Info("event for terminal transaction discarded", zap.String("state", string(r.state)))
		r.done = true
		return
	}

	switch e := ev.(type) {
	case evStart:
		r.onStart()
	case evResume:
		r.onResume()
	case evLockResult:
		r.onLockResult(e)
	case evBinOpened:
		r.onBinOpened(e)
	case evBinClosed:
		r.onBinClosed(e)
	case evSample:
		r.onSample(e)
	case evStepTimeout:
		r.onStepTimeout(e)
	case evRetryStep:
		r.onRetryStep(e)
	case evForceNext:
		r.onForceNext(e)
	}
}

func (r *runner) onStart() {
	if r.state != StateCreated || r.tx.Status != models.StatusCreated {
		// calling start twice is a contract violation, surfaced but harmless
		r.log().Error("invalid start",
			zap.String("reason", models.ReasonInvalidStateTransition),
			zap.String("state", string(r.state)))
		return
	}
	r.beginStep(false)
}

// onResume re-arms a recovered transaction according to its persisted status.
func (r *runner) onResume() {
	switch r.tx.Status {
	case models.StatusCreated:
		// waits for its process/start event
	case models.StatusStepAwaitingHardware:
		step := r.tx.CurrentStep()
		if step == nil {
			r.advance()
			return
		}
		if !r.c.claimBin(step.BinID, r.tx.ID) {
			r.state = StateOpeningBin
			r.handleStepFailure(models.ReasonBinBusy, nil)
			return
		}
		r.state = StateAwaitingHardware
		r.armStepTimer(step.ID)
		r.log().Info("re-armed awaiting-hardware timeout", zap.String("bin_id", step.BinID))
	case models.StatusStepSucceeded:
		// crashed between recording the step and starting the next one
		r.state = StateStepDone
		r.advance()
	case models.StatusStepFailed:
		if r.tx.RetryCount > r.c.cfg.RetryLimit {
			reason := models.ReasonBinOpenTimeout
			if step := r.tx.CurrentStep(); step != nil && step.FailureReason != "" {
				reason = step.FailureReason
			}
			r.failTransaction(reason, "retry budget exhausted before restart")
			return
		}
		r.beginStep(true)
	default: // StatusInProgress
		r.beginStep(true)
	}
}

// beginStep activates the current step and issues the open command. resume
// true skips the persisted transition (it is already recorded).
func (r *runner) beginStep(resume bool) {
	step := r.tx.CurrentStep()
	if step == nil {
		r.advance()
		return
	}

	step.Status = models.StepActive
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	r.samples = nil
	r.state = StateOpeningBin

	if !resume {
		r.persist(models.StatusInProgress, nil)
	}
	if !r.c.claimBin(step.BinID, r.tx.ID) {
		r.log().Info("bin held by another transaction",
			zap.String("reason", models.ReasonBinBusy), zap.String("bin_id", step.BinID))
		r.handleStepFailure(models.ReasonBinBusy, nil)
		return
	}
	r.issueOpen(step)
}

func (r *runner) issueOpen(step *models.Step) {
	stepID := step.ID
	txID := r.tx.ID
	_, err := r.c.locks.OpenBin(context.Background(), step.BinID, txID, func(res lock.Result) {
		r.post(evLockResult{stepID: stepID, result: res})
	})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrBinOpenRejected):
		r.failTransaction(models.ReasonBinOpenRejected, "bin is out of service")
	case errors.Is(err, models.ErrBinBusy):
		r.log().Error("bin busy on open",
			zap.String("reason", models.ReasonBinBusy), zap.String("bin_id", step.BinID))
		r.handleStepFailure(models.ReasonBinBusy, nil)
	default:
		r.failTransaction(models.ReasonBinOpenRejected, err.Error())
	}
}

func (r *runner) onLockResult(e evLockResult) {
	step := r.tx.CurrentStep()
	if step == nil || e.stepID != step.ID || r.state != StateOpeningBin {
		r.log().Info("discarding stale lock result",
			zap.String("step_id", e.stepID), zap.String("state", string(r.state)))
		return
	}

	switch e.result.Status {
	case lock.StatusOpened:
		r.transition(StateAwaitingHardware)
		r.persist(models.StatusStepAwaitingHardware, nil)
		r.armStepTimer(step.ID)
		r.appendStepLog(step.ID, "bin lock opened", map[string]int{"attempts": e.result.Attempts})
	case lock.StatusRejected:
		r.failTransaction(models.ReasonBinOpenRejected, e.result.Reason)
	default:
		reason := e.result.Reason
		if reason == "" {
			reason = models.ReasonBinOpenTimeout
		}
		r.handleStepFailure(reason, nil)
	}
}

func (r *runner) onBinOpened(e evBinOpened) {
	step := r.tx.CurrentStep()
	if step == nil || step.BinID != e.binID || r.state != StateAwaitingHardware {
		r.log().Info("discarding stale bin-opened event", zap.String("bin_id", e.binID))
		return
	}
	r.appendStepLog(step.ID, "bin door opened", nil)
}

func (r *runner) onSample(e evSample) {
	if r.state != StateAwaitingHardware && r.state != StateReconciling {
		r.log().Debug("discarding sample outside hardware window", zap.String("device_id", e.sample.DeviceID))
		return
	}
	r.samples = append(r.samples, e.sample)
}

func (r *runner) onBinClosed(e evBinClosed) {
	step := r.tx.CurrentStep()
	if step == nil || step.BinID != e.binID || r.state != StateAwaitingHardware {
		r.log().Info("discarding stale bin-closed event", zap.String("bin_id", e.binID))
		return
	}

	r.stopStepTimer()
	r.transition(StateReconciling)
	_ = r.c.locks.CloseBin(context.Background(), e.binID)

	outcome := r.c.engine.Reconcile(step.BinID, r.samples, step.Planned, r.tx.Type, r.c.cfg.StepTimeout)
	r.applyOutcome(outcome, false)
}

func (r *runner) onStepTimeout(e evStepTimeout) {
	step := r.tx.CurrentStep()
	if step == nil || e.stepID != step.ID || (r.state != StateAwaitingHardware && r.state != StateReconciling) {
		r.log().Debug("discarding stale step timeout", zap.String("step_id", e.stepID))
		return
	}

	outcome := r.c.engine.Reconcile(step.BinID, r.samples, step.Planned, r.tx.Type, r.c.cfg.StepTimeout)
	if outcome.Success {
		if r.state == StateAwaitingHardware {
			r.transition(StateReconciling)
		}
		r.applyOutcome(outcome, false)
		return
	}
	reason := outcome.FailureReason
	if reason == "" {
		reason = models.ReasonBinOpenTimeout
	}
	r.handleStepFailure(reason, outcome.Warnings)
}

// onRetryStep re-issues the open command for a step whose previous attempt
// failed, after the retry delay. A retry that outlived its step, or arrived
// after an operator override moved the machine on, is discarded.
func (r *runner) onRetryStep(e evRetryStep) {
	step := r.tx.CurrentStep()
	if step == nil || e.stepID != step.ID || r.state != StateOpeningBin {
		r.log().Debug("discarding stale step retry", zap.String("step_id", e.stepID))
		return
	}
	if !r.c.claimBin(step.BinID, r.tx.ID) {
		r.log().Info("bin still held by another transaction",
			zap.String("reason", models.ReasonBinBusy), zap.String("bin_id", step.BinID))
		r.handleStepFailure(models.ReasonBinBusy, nil)
		return
	}
	r.issueOpen(step)
}

func (r *runner) onForceNext(e evForceNext) {
	step := r.tx.CurrentStep()
	if step == nil || (r.state != StateAwaitingHardware && r.state != StateReconciling && r.state != StateOpeningBin) {
		// already past the targeted step: no-op by contract
		r.log().Info("force next step is a no-op", zap.String("state", string(r.state)))
		return
	}

	r.stopStepTimer()
	r.appendStepLog(step.ID, "operator forced next step", map[string]bool{"accept_current": e.acceptCurrent})

	if e.acceptCurrent {
		outcome := r.c.engine.Reconcile(step.BinID, r.samples, step.Planned, r.tx.Type, 0)
		// operator accepts the facts as they stand; unavailable devices
		// become warnings instead of blocking
		for _, id := range outcome.UnavailableDeviceIDs {
			outcome.Warnings = append(outcome.Warnings, models.ReasonDeviceUnavailable+": device "+id+" accepted without data")
		}
		outcome.UnavailableDeviceIDs = nil
		outcome.Success = true
		outcome.FailureReason = ""
		if r.state != StateReconciling {
			r.transition(StateReconciling)
		}
		r.applyOutcome(outcome, true)
		return
	}
	r.skipStep(step)
}

// applyOutcome finishes the current step with a successful outcome, commits
// device quantities and advances, or routes a failed outcome into the retry
// policy.
func (r *runner) applyOutcome(outcome reconcile.StepOutcome, forced bool) {
	step := r.tx.CurrentStep()
	if step == nil {
		return
	}
	if !outcome.Success {
		r.handleStepFailure(outcome.FailureReason, outcome.Warnings)
		return
	}

	step.Realized = outcome.Realized
	step.DamagedDeviceIDs = outcome.DamagedDeviceIDs
	step.Status = models.StepSucceeded
	step.FailureReason = ""
	step.FinishedAt = time.Now().UTC()

	r.commitDevices(outcome)
	r.c.locks.Cancel(context.Background(), step.BinID, r.tx.ID)
	r.c.releaseBin(step.BinID, r.tx.ID)

	events := []bus.Message{bus.StepSuccess{TransactionID: r.tx.ID, StepID: step.ID}}
	for _, warning := range outcome.Warnings {
		events = append(events, bus.StepWarning{TransactionID: r.tx.ID, Message: warning})
	}

	r.transition(StateStepDone)
	r.persist(models.StatusStepSucceeded, events)
	r.appendStepLog(step.ID, "step succeeded", outcome.Realized)
	if forced {
		r.log().Warn("step accepted by operator override", zap.String("step_id", step.ID))
	}
	r.advance()
}

// skipStep records the current step as failed-skipped and advances without
// consuming the retry budget.
func (r *runner) skipStep(step *models.Step) {
	step.Status = models.StepFailed
	step.FailureReason = models.ReasonStepSkipped
	step.FinishedAt = time.Now().UTC()
	r.c.locks.Cancel(context.Background(), step.BinID, r.tx.ID)
	r.c.releaseBin(step.BinID, r.tx.ID)

	events := []bus.Message{bus.StepError{
		TransactionID: r.tx.ID,
		StepID:        step.ID,
		Errors:        []string{models.ReasonStepSkipped},
	}}
	r.transition(StateStepDone)
	r.persist(models.StatusStepFailed, events)
	r.advance()
}

// advance moves to the next step or completes the transaction.
func (r *runner) advance() {
	r.tx.CurrentStepIndex++
	if next := r.tx.CurrentStep(); next != nil {
		r.beginStep(false)
		return
	}

	r.transition(StateCompleted)
	r.persist(models.StatusCompleted, []bus.Message{
		bus.TransactionCompleted{TransactionID: r.tx.ID},
	})
	r.log().Info("transaction completed", zap.Int("retry_count", r.tx.RetryCount))
	r.done = true
}

// handleStepFailure increments the retry counter and either re-issues the
// open command for the same step or fails the transaction.
func (r *runner) handleStepFailure(reason string, warnings []string) {
	step := r.tx.CurrentStep()
	if step == nil {
		return
	}
	r.tx.RetryCount++

	events := []bus.Message{bus.StepError{
		TransactionID: r.tx.ID,
		StepID:        step.ID,
		Errors:        []string{reason},
	}}
	for _, warning := range warnings {
		events = append(events, bus.StepWarning{TransactionID: r.tx.ID, Message: warning})
	}

	if reason == models.ReasonBinOpenRejected {
		r.persist(models.StatusStepFailed, events)
		r.failTransaction(reason, "bin crossed failed-open threshold")
		return
	}

	if r.tx.RetryCount <= r.c.cfg.RetryLimit {
		step.FailureReason = reason
		r.persist(models.StatusStepFailed, events)
		r.log().Info("step retry scheduled",
			zap.String("step_id", step.ID), zap.String("reason", reason),
			zap.Int("retry_count", r.tx.RetryCount),
			zap.Duration("retry_delay", r.c.cfg.RetryDelay))
		r.samples = nil
		r.state = StateOpeningBin
		r.armRetryTimer(step.ID)
		return
	}

	r.persist(models.StatusStepFailed, events)
	r.failTransaction(reason, "retry budget exhausted")
}

// failTransaction moves the machine into its failed sink state.
func (r *runner) failTransaction(reason, message string) {
	r.stopStepTimer()
	r.stopRetryTimer()
	if step := r.tx.CurrentStep(); step != nil {
		if step.Status == models.StepActive || step.Status == models.StepPending {
			step.Status = models.StepFailed
			step.FailureReason = reason
			step.FinishedAt = time.Now().UTC()
		}
		r.c.locks.Cancel(context.Background(), step.BinID, r.tx.ID)
		r.c.releaseBin(step.BinID, r.tx.ID)
	}

	r.tx.RecordFailure(reason, message)
	r.transition(StateFailed)
	r.persist(models.StatusFailed, []bus.Message{
		bus.TransactionFailed{TransactionID: r.tx.ID, Reason: reason},
	})
	r.log().Warn("transaction failed",
		zap.String("reason", reason), zap.String("message", message))
	r.done = true
}

// commitDevices records reconciled quantities in the registry and persists
// them when a device store is configured.
func (r *runner) commitDevices(outcome reconcile.StepOutcome) {
	for deviceID, quantity := range outcome.DeviceQuantities {
		damage := outcome.DamageByDevice[deviceID]
		r.c.registry.Commit(deviceID, quantity, damage)
		if r.c.devices == nil {
			continue
		}
		device, ok := r.c.registry.Get(deviceID)
		if !ok {
			continue
		}
		if err := r.c.devices.UpdateQuantities(context.Background(), deviceID, device.CalcQuantity, device.DamageQuantity); err != nil {
			r.log().Warn("persist device quantities failed",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

// transition applies a state change, surfacing illegal moves instead of
// silently mutating.
func (r *runner) transition(to State) {
	if !canTransition(r.state, to) {
		r.log().Error("illegal state transition attempted",
			zap.String("reason", models.ReasonInvalidStateTransition),
			zap.String("from", string(r.state)), zap.String("to", string(to)))
		return
	}
	r.state = to
}

func (r *runner) persist(to models.TransactionStatus, events []bus.Message) {
	from := r.tx.Status
	if err := r.c.store.RecordTransition(context.Background(), r.tx, from, to, events); err != nil {
		r.log().Error("persist transition failed",
			zap.String("from", string(from)), zap.String("to", string(to)), zap.Error(err))
	}
}

func (r *runner) appendStepLog(stepID, message string, payload interface{}) {
	entry := repository.StepLogEntry{
		StepID:  stepID,
		Message: message,
		Payload: payload,
		At:      time.Now().UTC(),
	}
	if err := r.c.store.AppendStepLog(context.Background(), r.tx.ID, entry); err != nil {
		r.log().Warn("append step log failed", zap.Error(err))
	}
}

func (r *runner) armStepTimer(stepID string) {
	r.stopStepTimer()
	txID := r.tx.ID
	r.stepTimer = time.AfterFunc(r.c.cfg.StepTimeout, func() {
		// expiry is an event into the same mailbox, never a direct callback
		r.c.postTimeout(txID, stepID)
	})
}

func (r *runner) stopStepTimer() {
	if r.stepTimer != nil {
		r.stepTimer.Stop()
		r.stepTimer = nil
	}
}

func (r *runner) armRetryTimer(stepID string) {
	r.stopRetryTimer()
	txID := r.tx.ID
	r.retryTimer = time.AfterFunc(r.c.cfg.RetryDelay, func() {
		r.c.postRetry(txID, stepID)
	})
}

func (r *runner) stopRetryTimer() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}
