package models

// Bin is a lockable physical compartment.
type Bin struct {
	ID                      string `json:"id"`
	LockID                  string `json:"lock_id"`
	CUControllerID          string `json:"cu_controller_id"`
	CountFailedOpenAttempts int    `json:"count_failed_open_attempts"`
	IsLocked                bool   `json:"is_locked"`
	IsFailed                bool   `json:"is_failed"`
	IsDamaged               bool   `json:"is_damaged"`
}

// RecordFailedOpen increments the failed-open counter and marks the bin
// failed once the threshold is reached. Returns true when the bin just
// crossed into the failed state.
func (b *Bin) RecordFailedOpen(threshold int) bool {
	b.CountFailedOpenAttempts++
	if !b.IsFailed && threshold > 0 && b.CountFailedOpenAttempts >= threshold {
		b.IsFailed = true
		return true
	}
	return false
}

// MarkAlive resets the failed-open counter after a successful bin cycle.
func (b *Bin) MarkAlive() {
	b.CountFailedOpenAttempts = 0
	b.IsFailed = false
}
