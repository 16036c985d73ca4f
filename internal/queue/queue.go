// Package queue is the durable event queue between source sessions and the
// dispatch worker. A Primary backend (SQS or Redis Streams) carries
// envelopes; when it is unreachable, envelopes are appended to a local
// journal and moved back by Reconcile once the primary recovers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/logging"
	"chatrelay/internal/observability"
	"chatrelay/internal/relayerr"
)

// Delivery is one dequeued envelope plus the backend handle needed to ack it.
type Delivery struct {
	Envelope domain.QueueEnvelope
	Receipt  string
}

// Primary is a queue backend. Receive must drop (and ack) entries it cannot
// decode; Ack is only called after the consumer finished with a delivery.
type Primary interface {
	Push(ctx context.Context, env domain.QueueEnvelope, delay time.Duration) error
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Ping(ctx context.Context) error
}

type Options struct {
	// PrimaryTimeout bounds a single primary push before falling back.
	PrimaryTimeout time.Duration
	Now            func() time.Time
}

type Queue struct {
	primary Primary
	journal *Journal
	opts    Options
}

// New builds a queue. journal may be nil, in which case a primary failure
// is reported to the caller directly.
func New(primary Primary, journal *Journal, opts Options) *Queue {
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{primary: primary, journal: journal, opts: opts}
}

// Enqueue durably records a raw event with attemptCount 0.
func (q *Queue) Enqueue(ctx context.Context, ev domain.RawEvent) error {
	if ev.ID == "" {
		return relayerr.Validation("queue.enqueue", domain.ErrMissingFields)
	}
	return q.push(ctx, domain.NewEnvelope(ev, q.opts.Now()))
}

// Requeue re-enters env with its attempt counter advanced; it becomes
// visible after delay.
func (q *Queue) Requeue(ctx context.Context, env domain.QueueEnvelope, delay time.Duration) error {
	return q.push(ctx, env.Retry(q.opts.Now(), delay))
}

func (q *Queue) push(ctx context.Context, env domain.QueueEnvelope) error {
	ctx = logging.WithFields(ctx, logging.Fields{EventID: env.EventID, Component: "queue"})

	pctx, cancel := context.WithTimeout(ctx, q.opts.PrimaryTimeout)
	err := q.primary.Push(pctx, env, env.Delay(q.opts.Now()))
	cancel()
	if err == nil {
		observability.Enqueues.WithLabelValues("primary").Inc()
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	slog.WarnContext(ctx, "primary queue push failed, using journal", "err", err)
	if q.journal == nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return relayerr.Exhausted("queue.enqueue", err)
	}
	if jerr := q.journal.Append(env); jerr != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		slog.ErrorContext(ctx, "journal append failed", "err", jerr)
		return relayerr.Exhausted("queue.enqueue", errors.Join(err, jerr))
	}
	observability.Enqueues.WithLabelValues("fallback").Inc()
	return nil
}

// DequeueBatch returns up to max due envelopes, waiting at most timeout
// when none are available. Envelopes the backend delivered early (SQS caps
// delays at 15 minutes) are pushed back with their remaining delay.
func (q *Queue) DequeueBatch(ctx context.Context, max int, timeout time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	got, err := q.primary.Receive(ctx, max, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, relayerr.Transient("queue.dequeue", err)
	}

	now := q.opts.Now()
	out := got[:0]
	for _, d := range got {
		delay := d.Envelope.Delay(now)
		if delay <= 0 {
			out = append(out, d)
			continue
		}
		if err := q.primary.Push(ctx, d.Envelope, delay); err != nil {
			// leave it un-acked; the backend redelivers it later
			slog.WarnContext(ctx, "deferring early delivery failed", "event_id", d.Envelope.EventID, "err", err)
			continue
		}
		if err := q.primary.Ack(ctx, d); err != nil {
			slog.WarnContext(ctx, "ack after deferral failed", "event_id", d.Envelope.EventID, "err", err)
		}
	}
	return out, nil
}

// Ack removes a processed delivery from the primary.
func (q *Queue) Ack(ctx context.Context, d Delivery) error {
	if err := q.primary.Ack(ctx, d); err != nil {
		return relayerr.Transient("queue.ack", err)
	}
	return nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.primary.Ping(ctx)
}

// Backlog is the number of journal segments still waiting for Reconcile.
func (q *Queue) Backlog() int {
	if q.journal == nil {
		return 0
	}
	return q.journal.Backlog()
}

// Reconcile moves journaled envelopes to the primary in write order. It is
// a no-op while the primary is unreachable. Envelopes are pushed before
// their journal entries are dropped, so a crash in between duplicates
// rather than loses them.
func (q *Queue) Reconcile(ctx context.Context) (int, error) {
	if q.journal == nil || q.journal.Backlog() == 0 {
		return 0, nil
	}
	if err := q.primary.Ping(ctx); err != nil {
		return 0, fmt.Errorf("primary unavailable: %w", err)
	}
	if err := q.journal.Seal(); err != nil {
		return 0, err
	}

	segments, err := q.journal.Segments()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, seg := range segments {
		n, err := q.journal.Drain(ctx, seg, func(env domain.QueueEnvelope) error {
			pctx, cancel := context.WithTimeout(ctx, q.opts.PrimaryTimeout)
			defer cancel()
			return q.primary.Push(pctx, env, env.Delay(q.opts.Now()))
		})
		moved += n
		observability.Reconciled.Add(float64(n))
		if err != nil {
			observability.JournalBacklog.Set(float64(q.journal.Backlog()))
			return moved, fmt.Errorf("drain %s: %w", seg, err)
		}
	}
	observability.JournalBacklog.Set(float64(q.journal.Backlog()))
	return moved, nil
}
