package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Reconciler runs Queue.Reconcile on a cron schedule such as "@every 10s".
// Overlapping runs are skipped.
type Reconciler struct {
	q    *Queue
	cron *cron.Cron
	ctx  context.Context
}

func NewReconciler(q *Queue, schedule string) (*Reconciler, error) {
	r := &Reconciler{
		q: q,
		cron: cron.New(
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx: context.Background(),
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins scheduling; runs use ctx and stop when it is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.ctx = ctx
	r.cron.Start()
}

// Stop halts scheduling and waits for a running reconcile to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reconciler) run() {
	if r.ctx.Err() != nil {
		return
	}
	n, err := r.q.Reconcile(r.ctx)
	if err != nil {
		slog.Warn("journal reconcile incomplete", "moved", n, "backlog", r.q.Backlog(), "err", err)
		return
	}
	if n > 0 {
		slog.Info("journal reconciled", "moved", n)
	}
}
