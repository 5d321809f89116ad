package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/reybrally/erp-analytics/internal/logging"
)

// Start runs a sweep immediately and then every Interval until ctx is
// cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciliation: daemon is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	<-r.done
	r.running = false
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	r.runOnce(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.Sweep(ctx); err != nil {
		logging.LogError("scheduled reconciliation failed", err, nil)
	}
}
