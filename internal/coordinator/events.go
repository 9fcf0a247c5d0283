package coordinator

import (
	"smartcabinet/internal/lock"
	"smartcabinet/internal/reconcile"
)

// event is the tagged union delivered to a transaction's mailbox. Every
// stimulus that can move the state machine travels through it: bus events,
// lock results, timer expiries and operator overrides.
type event interface{ isEvent() }

type evStart struct{}

// evResume re-arms a recovered transaction according to its persisted status.
type evResume struct{}

// evLockResult carries the lock controller's resolution for the step it was
// requested for. A result for a step the transaction already left is stale.
type evLockResult struct {
	stepID string
	result lock.Result
}

type evBinOpened struct{ binID string }

type evBinClosed struct{ binID string }

// evSample accumulates a loadcell reading while a step is in flight.
type evSample struct{ sample reconcile.Sample }

// evStepTimeout fires when the awaiting-hardware window elapses. The step id
// it was armed for guards against late expiry of a previous step's timer.
type evStepTimeout struct{ stepID string }

// evRetryStep fires after the retry delay of a failed step attempt. The step
// id guards against a retry outliving the step it was scheduled for.
type evRetryStep struct{ stepID string }

// evForceNext is the operator override. acceptCurrent true closes the
// current step with whatever reconciled; false skips it as failed.
type evForceNext struct{ acceptCurrent bool }

func (evStart) isEvent()       {}
func (evResume) isEvent()      {}
func (evLockResult) isEvent()  {}
func (evBinOpened) isEvent()   {}
func (evBinClosed) isEvent()   {}
func (evSample) isEvent()      {}
func (evStepTimeout) isEvent() {}
func (evRetryStep) isEvent()   {}
func (evForceNext) isEvent()   {}
