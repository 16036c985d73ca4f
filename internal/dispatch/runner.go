package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/queue"
)

type Source interface {
	DequeueBatch(ctx context.Context, max int, timeout time.Duration) ([]queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
}

type Processor interface {
	Process(ctx context.Context, env domain.QueueEnvelope) error
}

// Runner feeds dequeued deliveries to a fixed pool of workers. A delivery
// is acked only after Process returns nil.
type Runner struct {
	Source        Source
	Processor     Processor
	Concurrency   int
	BatchSize     int
	Wait          time.Duration
	ShutdownGrace time.Duration
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Run blocks until ctx is done. It then stops dequeuing, gives in-flight
// deliveries ShutdownGrace to finish and cancels whatever is left; those
// deliveries are redelivered by the queue.
func (r *Runner) Run(ctx context.Context) error {
	workers := max(r.Concurrency, 1)
	batch := r.BatchSize
	if batch <= 0 {
		batch = 10
	}
	grace := r.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	pause := r.ErrorBackoff
	if pause <= 0 {
		pause = 500 * time.Millisecond
	}

	// work outlives ctx by at most the grace period
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	jobs := make(chan queue.Delivery, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				r.handle(workCtx, d)
			}
		}()
	}

	for ctx.Err() == nil {
		deliveries, err := r.Source.DequeueBatch(ctx, batch, r.Wait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.ErrorContext(ctx, "dequeue failed", "err", err)
			select {
			case <-time.After(pause):
			case <-ctx.Done():
			}
			continue
		}
		for _, d := range deliveries {
			select {
			case jobs <- d:
			case <-ctx.Done():
				// not started; the queue redelivers it
			}
		}
	}
	close(jobs)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("dispatch shutdown grace elapsed, cancelling in-flight work")
		cancelWork()
		<-done
	}
	return ctx.Err()
}

func (r *Runner) handle(ctx context.Context, d queue.Delivery) {
	start := time.Now()
	err := r.Processor.Process(ctx, d.Envelope)
	if err != nil {
		slog.WarnContext(ctx, "dispatch job failed, leaving for redelivery",
			"event_id", d.Envelope.EventID, "duration", time.Since(start), "err", err)
		return
	}
	if err := r.Source.Ack(ctx, d); err != nil {
		slog.WarnContext(ctx, "ack failed", "event_id", d.Envelope.EventID, "err", err)
		return
	}
	slog.DebugContext(ctx, "dispatch job finished", "event_id", d.Envelope.EventID, "duration", time.Since(start))
}
