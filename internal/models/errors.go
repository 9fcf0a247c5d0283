package models

import "errors"

// Failure reason codes persisted with transactions and surfaced on the bus.
const (
	ReasonBinOpenTimeout         = "BinOpenTimeout"
	ReasonBinOpenRejected        = "BinOpenRejected"
	ReasonDeviceUnavailable      = "DeviceUnavailable"
	ReasonQuantityMismatch       = "QuantityMismatch"
	ReasonDamageDetected         = "DamageDetected"
	ReasonInvalidStateTransition = "InvalidStateTransition"
	ReasonBinBusy                = "BinBusy"
	ReasonStepSkipped            = "StepSkipped"
)

var (
	// ErrBinOpenTimeout means the lock did not acknowledge within the bounded wait.
	ErrBinOpenTimeout = errors.New(ReasonBinOpenTimeout)
	// ErrBinOpenRejected means the bin crossed its failed-open threshold and is out of service.
	ErrBinOpenRejected = errors.New(ReasonBinOpenRejected)
	// ErrDeviceUnavailable means a loadcell is disconnected or its sample is stale.
	ErrDeviceUnavailable = errors.New(ReasonDeviceUnavailable)
	// ErrInvalidStateTransition signals a contract violation in the state machine.
	ErrInvalidStateTransition = errors.New(ReasonInvalidStateTransition)
	// ErrBinBusy means another command is already outstanding for the bin.
	ErrBinBusy = errors.New(ReasonBinBusy)
)
