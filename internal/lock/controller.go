package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/models"
)

// Status is the outcome class of one open request.
type Status string

const (
	StatusOpened   Status = "opened"
	StatusTimeout  Status = "timeout"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Result is delivered to the requester when an open request resolves.
// BinFailed true means the bin crossed its threshold and re-opening is
// not a recovery option.
type Result struct {
	BinID         string
	TransactionID string
	RequestID     string
	Status        Status
	Attempts      int
	Reason        string
	BinFailed     bool
}

// Callback receives the resolved result. Invoked on its own goroutine.
type Callback func(Result)

// BinStore persists bin state changes (failed-open counter, flags). Nil
// disables persistence; the in-memory state still drives decisions.
type BinStore interface {
	SaveBin(ctx context.Context, bin *models.Bin) error
}

// Config bounds the retry policy.
type Config struct {
	AckTimeout    time.Duration
	MaxAttempts   int
	FailThreshold int
}

type request struct {
	id            string
	binID         string
	transactionID string
	attempts      int
	timer         *time.Timer
	cb            Callback
}

// Controller commands physical bin locks: it publishes open commands, waits
// for acknowledgements within a bounded window, retries a bounded number of
// times, and tracks per-bin failure counters. At most one outstanding
// request per bin is allowed.
type Controller struct {
	mu      sync.Mutex
	bins    map[string]*models.Bin
	pending map[string]*request

	publisher bus.Publisher
	lease     Lease
	store     BinStore
	cfg       Config
	logger    *zap.Logger
}

// NewController builds the lock controller. lease and store may be nil.
func NewController(publisher bus.Publisher, lease Lease, store BinStore, cfg Config, logger *zap.Logger) *Controller {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	return &Controller{
		bins:      make(map[string]*models.Bin),
		pending:   make(map[string]*request),
		publisher: publisher,
		lease:     lease,
		store:     store,
		cfg:       cfg,
		logger:    logger,
	}
}

// RegisterBin makes a bin known to the controller.
func (c *Controller) RegisterBin(bin *models.Bin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bins[bin.ID] = bin
}

// ControllerForBin maps a bin to the controller unit owning its lock.
func (c *Controller) ControllerForBin(binID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin, ok := c.bins[binID]
	if !ok {
		return "", false
	}
	return bin.CUControllerID, true
}

// Bin returns the tracked bin state.
func (c *Controller) Bin(binID string) (*models.Bin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin, ok := c.bins[binID]
	return bin, ok
}

// OpenBin publishes an open command for the bin and arms the ack timeout.
// Returns the request id, or ErrBinBusy when a command is already
// outstanding for the bin, or ErrBinOpenRejected when the bin is out of
// service.
func (c *Controller) OpenBin(ctx context.Context, binID, transactionID string, cb Callback) (string, error) {
	c.mu.Lock()
	bin, ok := c.bins[binID]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("lock: unknown bin %s", binID)
	}
	if bin.IsFailed {
		c.mu.Unlock()
		return "", models.ErrBinOpenRejected
	}
	if _, busy := c.pending[binID]; busy {
		c.mu.Unlock()
		return "", models.ErrBinBusy
	}

	req := &request{
		id:            uuid.NewString(),
		binID:         binID,
		transactionID: transactionID,
		cb:            cb,
	}
	c.pending[binID] = req
	c.mu.Unlock()

	if c.lease != nil {
		acquired, err := c.lease.Acquire(ctx, binID, req.id, c.cfg.AckTimeout*time.Duration(c.cfg.MaxAttempts+1))
		if err != nil {
			c.logger.Warn("bin lease acquire failed, proceeding with local exclusion",
				zap.String("bin_id", binID), zap.Error(err))
		} else if !acquired {
			c.mu.Lock()
			delete(c.pending, binID)
			c.mu.Unlock()
			return "", models.ErrBinBusy
		}
	}

	c.sendAttempt(ctx, req)
	return req.id, nil
}

func (c *Controller) sendAttempt(ctx context.Context, req *request) {
	c.mu.Lock()
	bin, ok := c.bins[req.binID]
	if !ok || c.pending[req.binID] != req {
		c.mu.Unlock()
		return
	}
	req.attempts++
	attempt := req.attempts
	lockID := bin.LockID
	c.mu.Unlock()

	cmd := bus.LockOpenCommand{
		BinID:         req.binID,
		LockIDs:       []string{lockID},
		TransactionID: req.transactionID,
		RequestID:     req.id,
	}
	if err := c.publisher.Publish(ctx, cmd); err != nil {
		c.logger.Warn("publish open command failed",
			zap.String("bin_id", req.binID), zap.Int("attempt", attempt), zap.Error(err))
	}

	timer := time.AfterFunc(c.cfg.AckTimeout, func() {
		c.onTimeout(req.id, req.binID)
	})

	c.mu.Lock()
	if c.pending[req.binID] == req {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.timer = timer
	} else {
		timer.Stop()
	}
	c.mu.Unlock()

	c.logger.Info("open command sent",
		zap.String("bin_id", req.binID),
		zap.String("transaction_id", req.transactionID),
		zap.Int("attempt", attempt))
}

// HandleOpenSuccess resolves the outstanding request for the bin. An ack
// with no matching request is logged and discarded; duplicates land here.
func (c *Controller) HandleOpenSuccess(ctx context.Context, binID, transactionID string) {
	c.mu.Lock()
	req, ok := c.pending[binID]
	if !ok || (transactionID != "" && req.transactionID != "" && req.transactionID != transactionID) {
		c.mu.Unlock()
		c.logger.Info("discarding stale open ack",
			zap.String("bin_id", binID), zap.String("transaction_id", transactionID))
		return
	}
	delete(c.pending, binID)
	if req.timer != nil {
		req.timer.Stop()
	}
	bin := c.bins[binID]
	bin.MarkAlive()
	bin.IsLocked = false
	attempts := req.attempts
	c.mu.Unlock()

	c.persistBin(ctx, bin)
	c.releaseLease(ctx, binID, req.id)

	if req.cb != nil {
		go req.cb(Result{
			BinID:         binID,
			TransactionID: req.transactionID,
			RequestID:     req.id,
			Status:        StatusOpened,
			Attempts:      attempts,
		})
	}
}

// HandleOpenFail records an explicit rejection from the lock hardware.
func (c *Controller) HandleOpenFail(ctx context.Context, binID, transactionID, reason string) {
	if reason == "" {
		reason = "lock reported open failure"
	}
	c.resolveFailure(ctx, binID, transactionID, reason)
}

func (c *Controller) onTimeout(requestID, binID string) {
	c.mu.Lock()
	req, ok := c.pending[binID]
	if !ok || req.id != requestID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.resolveFailure(context.Background(), binID, req.transactionID, "timeout waiting for lock ack")
}

// resolveFailure applies the bounded-retry policy for one failed attempt:
// the bin's failed-open counter always advances; crossing the threshold
// ends the request as a terminal rejection, remaining attempts re-issue
// the command, exhaustion reports a retryable timeout.
func (c *Controller) resolveFailure(ctx context.Context, binID, transactionID, reason string) {
	c.mu.Lock()
	req, ok := c.pending[binID]
	if !ok {
		c.mu.Unlock()
		c.logger.Info("discarding failure for bin with no outstanding command",
			zap.String("bin_id", binID), zap.String("reason", reason))
		return
	}
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}

	bin := c.bins[binID]
	crossed := bin.RecordFailedOpen(c.cfg.FailThreshold)

	if crossed {
		delete(c.pending, binID)
		attempts := req.attempts
		c.mu.Unlock()

		c.persistBin(ctx, bin)
		c.releaseLease(ctx, binID, req.id)
		c.logger.Warn("bin marked failed after repeated open failures",
			zap.String("bin_id", binID), zap.Int("failed_attempts", bin.CountFailedOpenAttempts))

		if req.cb != nil {
			go req.cb(Result{
				BinID:         binID,
				TransactionID: transactionID,
				RequestID:     req.id,
				Status:        StatusRejected,
				Attempts:      attempts,
				Reason:        models.ReasonBinOpenRejected,
				BinFailed:     true,
			})
		}
		return
	}

	if req.attempts < c.cfg.MaxAttempts {
		c.mu.Unlock()
		c.persistBin(ctx, bin)
		c.logger.Info("retrying open command",
			zap.String("bin_id", binID), zap.String("reason", reason),
			zap.Int("attempt", req.attempts), zap.Int("max_attempts", c.cfg.MaxAttempts))
		c.sendAttempt(ctx, req)
		return
	}

	delete(c.pending, binID)
	attempts := req.attempts
	c.mu.Unlock()

	c.persistBin(ctx, bin)
	c.releaseLease(ctx, binID, req.id)

	if req.cb != nil {
		go req.cb(Result{
			BinID:         binID,
			TransactionID: transactionID,
			RequestID:     req.id,
			Status:        StatusTimeout,
			Attempts:      attempts,
			Reason:        models.ReasonBinOpenTimeout,
		})
	}
}

// Cancel withdraws the outstanding open request for a bin when it belongs
// to the given transaction, so an abandoned step does not hold the bin for
// the rest of the ack window. The bin's failure counters are untouched and
// no callback fires; a later ack for the withdrawn request is discarded as
// stale. Cancelling a bin with no matching request is a no-op.
func (c *Controller) Cancel(ctx context.Context, binID, transactionID string) {
	c.mu.Lock()
	req, ok := c.pending[binID]
	if !ok || (transactionID != "" && req.transactionID != transactionID) {
		c.mu.Unlock()
		return
	}
	delete(c.pending, binID)
	if req.timer != nil {
		req.timer.Stop()
	}
	c.mu.Unlock()

	c.releaseLease(ctx, binID, req.id)
	c.logger.Info("open request cancelled",
		zap.String("bin_id", binID), zap.String("transaction_id", transactionID))
}

// CloseBin records the bin as locked again. Closing an already-closed bin
// is a success no-op.
func (c *Controller) CloseBin(ctx context.Context, binID string) error {
	c.mu.Lock()
	bin, ok := c.bins[binID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("lock: unknown bin %s", binID)
	}
	if bin.IsLocked {
		c.mu.Unlock()
		return nil
	}
	bin.IsLocked = true
	c.mu.Unlock()

	c.persistBin(ctx, bin)
	return nil
}

// MarkAlive resets the bin's failed-open counter.
func (c *Controller) MarkAlive(ctx context.Context, binID string) {
	c.mu.Lock()
	bin, ok := c.bins[binID]
	if ok {
		bin.MarkAlive()
	}
	c.mu.Unlock()
	if ok {
		c.persistBin(ctx, bin)
	}
}

func (c *Controller) persistBin(ctx context.Context, bin *models.Bin) {
	if c.store == nil || bin == nil {
		return
	}
	if err := c.store.SaveBin(ctx, bin); err != nil {
		c.logger.Warn("persist bin state failed", zap.String("bin_id", bin.ID), zap.Error(err))
	}
}

func (c *Controller) releaseLease(ctx context.Context, binID, owner string) {
	if c.lease == nil {
		return
	}
	if err := c.lease.Release(ctx, binID, owner); err != nil {
		c.logger.Warn("release bin lease failed", zap.String("bin_id", binID), zap.Error(err))
	}
}
