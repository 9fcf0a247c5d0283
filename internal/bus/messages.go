package bus

import (
	"errors"
	"time"
)

// ProcessStart asks the coordinator to begin driving a created transaction.
type ProcessStart struct {
	TransactionID string `json:"transactionId"`
}

func (m ProcessStart) Topic() string { return TopicProcessStart }
func (m ProcessStart) Validate() error {
	if m.TransactionID == "" {
		return errors.New("bus: transactionId is required")
	}
	return nil
}

// BinOpened is the hardware confirmation that a bin door physically opened.
type BinOpened struct {
	TransactionID string `json:"transactionId"`
	BinID         string `json:"binId"`
}

func (m BinOpened) Topic() string { return TopicBinOpened }
func (m BinOpened) Validate() error {
	if m.BinID == "" {
		return errors.New("bus: binId is required")
	}
	return nil
}

// BinClosed is the hardware confirmation that a bin door physically closed.
type BinClosed struct {
	TransactionID string `json:"transactionId"`
	BinID         string `json:"binId"`
}

func (m BinClosed) Topic() string { return TopicBinClosed }
func (m BinClosed) Validate() error {
	if m.BinID == "" {
		return errors.New("bus: binId is required")
	}
	return nil
}

// LockOpenSuccess acknowledges an open command.
type LockOpenSuccess struct {
	BinID         string `json:"binId"`
	TransactionID string `json:"transactionId"`
}

func (m LockOpenSuccess) Topic() string { return TopicLockOpenSuccess }
func (m LockOpenSuccess) Validate() error {
	if m.BinID == "" {
		return errors.New("bus: binId is required")
	}
	return nil
}

// LockOpenFail rejects an open command.
type LockOpenFail struct {
	BinID         string `json:"binId"`
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason,omitempty"`
}

func (m LockOpenFail) Topic() string { return TopicLockOpenFail }
func (m LockOpenFail) Validate() error {
	if m.BinID == "" {
		return errors.New("bus: binId is required")
	}
	return nil
}

// DeviceStatus is the heartbeat feed from the monitoring collaborator.
type DeviceStatus struct {
	DeviceID    string    `json:"deviceId"`
	IsConnected bool      `json:"isConnected"`
	Timestamp   time.Time `json:"timestamp"`
}

func (m DeviceStatus) Topic() string { return TopicDeviceStatus }
func (m DeviceStatus) Validate() error {
	if m.DeviceID == "" {
		return errors.New("bus: deviceId is required")
	}
	return nil
}

// QuantityCalculated is a raw weight-delta notification from the hardware
// bridge. Weight is a pointer so an absent reading is distinguishable from a
// legitimate reading of exactly zero (an emptied loadcell).
type QuantityCalculated struct {
	ItemID           string    `json:"itemId"`
	HardwareID       string    `json:"hardwareId"`
	ChangeInQuantity int       `json:"changeInQuantity"`
	Weight           *float64  `json:"weight,omitempty"`
	Timestamp        time.Time `json:"timestamp,omitempty"`
}

func (m QuantityCalculated) Topic() string { return TopicQuantityCalculated }
func (m QuantityCalculated) Validate() error {
	if m.HardwareID == "" {
		return errors.New("bus: hardwareId is required")
	}
	return nil
}

// ForceNextStep is the operator override. IsNextRequestItem true accepts the
// current step with whatever reconciled; false skips it as failed.
type ForceNextStep struct {
	TransactionID     string `json:"transactionId"`
	IsNextRequestItem bool   `json:"isNextRequestItem"`
}

func (m ForceNextStep) Topic() string { return TopicForceNextStep }
func (m ForceNextStep) Validate() error {
	if m.TransactionID == "" {
		return errors.New("bus: transactionId is required")
	}
	return nil
}

// LockOpenCommand is the outbound open command to hardware.
type LockOpenCommand struct {
	BinID         string   `json:"binId"`
	LockIDs       []string `json:"lockIds"`
	TransactionID string   `json:"transactionId,omitempty"`
	RequestID     string   `json:"requestId,omitempty"`
}

func (m LockOpenCommand) Topic() string { return TopicLockOpenCommand }
func (m LockOpenCommand) Validate() error {
	if m.BinID == "" {
		return errors.New("bus: binId is required")
	}
	return nil
}

// StepSuccess notifies that one step finished successfully.
type StepSuccess struct {
	TransactionID string `json:"transactionId"`
	StepID        string `json:"stepId"`
}

func (m StepSuccess) Topic() string { return TopicStepSuccess }
func (m StepSuccess) Validate() error {
	if m.TransactionID == "" {
		return errors.New("bus: transactionId is required")
	}
	return nil
}

// StepError notifies that one step failed.
type StepError struct {
	TransactionID string   `json:"transactionId"`
	StepID        string   `json:"stepId"`
	Errors        []string `json:"errors,omitempty"`
}

func (m StepError) Topic() string { return TopicStepError }
func (m StepError) Validate() error {
	if m.TransactionID == "" {
		return errors.New("bus: transactionId is required")
	}
	return nil
}

// StepWarning reports a non-fatal anomaly such as partial fulfillment.
type StepWarning struct {
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}

func (m StepWarning) Topic() string { return TopicStepWarning }
func (m StepWarning) Validate() error {
	if m.TransactionID == "" {
		return errors.New("bus: transactionId is required")
	}
	return nil
}

// TransactionCompleted marks the terminal success of a transaction.
type TransactionCompleted struct {
	TransactionID string `json:"transactionId"`
}

func (m TransactionCompleted) Topic() string { return TopicTransactionCompleted }
func (m TransactionCompleted) Validate() error {
	if m.TransactionID == "" {
		return errors.New("bus: transactionId is required")
	}
	return nil
}

// TransactionFailed marks the terminal failure of a transaction.
type TransactionFailed struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason,omitempty"`
}

func (m TransactionFailed) Topic() string { return TopicTransactionFailed }
func (m TransactionFailed) Validate() error {
	if m.TransactionID == "" {
		return errors.New("bus: transactionId is required")
	}
	return nil
}
