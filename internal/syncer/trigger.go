package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunFunc performs one reconciliation pass.
type RunFunc func(ctx context.Context) error

// Result describes the last completed reconciliation.
type Result struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

// Trigger coalesces sync requests: any number of SyncNow calls made while a
// run is pending collapse into one run. Runs happen on a single worker.
type Trigger struct {
	run     RunFunc
	logger  *zap.Logger
	pending chan struct{}

	mu   sync.Mutex
	last *Result
	runs int
}

// NewTrigger creates a Trigger. Call Run to start the worker.
func NewTrigger(run RunFunc, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.L()
	}
	return &Trigger{
		run:     run,
		logger:  logger.Named("sync"),
		pending: make(chan struct{}, 1),
	}
}

// SyncNow requests a reconciliation and returns immediately.
func (t *Trigger) SyncNow() {
	select {
	case t.pending <- struct{}{}:
	default:
		// Already pending.
	}
}

// Run processes requests until ctx is done.
func (t *Trigger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.pending:
			t.runOnce(ctx)
		}
	}
}

// Flush runs the pending request, if any, on the calling goroutine. It lets
// short-lived processes finish their work before returning.
func (t *Trigger) Flush(ctx context.Context) bool {
	select {
	case <-t.pending:
		t.runOnce(ctx)
		return true
	default:
		return false
	}
}

// Last returns the last completed run, or nil.
func (t *Trigger) Last() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	r := *t.last
	return &r
}

// Runs returns how many reconciliations have completed.
func (t *Trigger) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

func (t *Trigger) runOnce(ctx context.Context) {
	res := &Result{StartedAt: time.Now()}
	err := t.run(ctx)
	res.FinishedAt = time.Now()
	if err != nil {
		res.Error = err.Error()
		t.logger.Error("reconciliation failed", zap.Error(err))
	} else {
		t.logger.Info("reconciliation finished", zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	}

	t.mu.Lock()
	t.last = res
	t.runs++
	t.mu.Unlock()
}
