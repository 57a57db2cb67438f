package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stellarpay/escrow"
)

type expiryEngine interface {
	EvaluateExpiry(ctx context.Context, id string) (*escrow.Escrow, error)
}

type expiryLister interface {
	ListExpiredPending(ctx context.Context, now int64) ([]*escrow.Escrow, error)
}

// DeadlineWatcher periodically locks escrows whose deadline has passed so the
// state machine converges even when no client ever touches the record again.
type DeadlineWatcher struct {
	engine   expiryEngine
	store    expiryLister
	interval time.Duration
	nowFn    func() time.Time
	metrics  *Metrics
	log      *slog.Logger
}

func NewDeadlineWatcher(engine expiryEngine, store expiryLister, interval time.Duration, metrics *Metrics, log *slog.Logger) *DeadlineWatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &DeadlineWatcher{
		engine:   engine,
		store:    store,
		interval: interval,
		nowFn:    time.Now,
		metrics:  metrics,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (w *DeadlineWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep locks every expired record it can find. Errors on individual records
// are logged and do not abort the pass; a concurrent transition simply means
// someone else got there first.
func (w *DeadlineWatcher) Sweep(ctx context.Context) {
	expired, err := w.store.ListExpiredPending(ctx, w.nowFn().Unix())
	if err != nil {
		w.log.Error("list expired escrows", "error", err)
		w.metrics.observeSweep(1)
		return
	}
	failures := 0
	for _, esc := range expired {
		if _, err := w.engine.EvaluateExpiry(ctx, esc.ID); err != nil {
			if errors.Is(err, escrow.ErrVersionConflict) || errors.Is(err, escrow.ErrNotFound) {
				continue
			}
			failures++
			w.log.Error("lock expired escrow", "escrowId", esc.ID, "error", err)
		} else {
			w.log.Info("escrow locked on deadline", "escrowId", esc.ID, "deadline", esc.Deadline)
		}
	}
	w.metrics.observeSweep(failures)
}
