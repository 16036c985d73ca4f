// Package dispatch drains the durable queue and delivers each event to every
// destination its source channel maps to, at most once per destination.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"chatrelay/internal/content"
	"chatrelay/internal/domain"
	"chatrelay/internal/forwarder"
	"chatrelay/internal/logging"
	"chatrelay/internal/observability"
	"chatrelay/internal/relayerr"
	"chatrelay/internal/store"
)

type Requeuer interface {
	Requeue(ctx context.Context, env domain.QueueEnvelope, delay time.Duration) error
}

type TargetResolver interface {
	GetTargets(serverID, channelID string) []domain.Target
}

type MessageBuilder interface {
	Build(ev domain.RawEvent, platform string) (forwarder.Message, error)
}

type Sender interface {
	Send(ctx context.Context, msg forwarder.Message, target domain.Target) (bool, error)
}

type Config struct {
	Store    store.DispatchLog
	Queue    Requeuer
	Targets  TargetResolver
	Pipeline content.Pipeline
	Builder  MessageBuilder
	Sender   Sender

	MaxRetryCount int
	Backoff       Backoff
	ClaimLease    time.Duration
	SendTimeout   time.Duration
	CacheSize     int
	Now           func() time.Time
}

type Worker struct {
	cfg    Config
	recent *lru.Cache[domain.DispatchKey, struct{}]
	group  singleflight.Group
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Targets == nil || cfg.Sender == nil {
		return nil, errors.New("dispatch: store, queue, targets and sender are required")
	}
	if cfg.Builder == nil {
		cfg.Builder = content.Formatter{}
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = 5
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	recent, err := lru.New[domain.DispatchKey, struct{}](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Worker{cfg: cfg, recent: recent}, nil
}

type outcomeKind int

const (
	delivered outcomeKind = iota
	duplicate
	retry
	deadLettered
)

type outcome struct {
	kind  outcomeKind
	delay time.Duration
}

// Process delivers env to all of its destinations. A nil return means the
// delivery can be acked: every destination succeeded, was already done, was
// dead-lettered, or the envelope was requeued for a later retry. Store and
// queue failures are returned so the delivery stays un-acked.
func (w *Worker) Process(ctx context.Context, env domain.QueueEnvelope) error {
	ev := env.Payload
	ctx = logging.WithFields(ctx, logging.Fields{EventID: ev.ID, Component: "dispatch"})
	ctx, span := observability.Tracer().Start(ctx, "dispatch.process", trace.WithAttributes(
		attribute.String("event_id", ev.ID),
		attribute.Int("attempt", env.AttemptCount),
	))
	defer span.End()

	err := w.process(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *Worker) process(ctx context.Context, env domain.QueueEnvelope) error {
	ev := env.Payload
	if err := ev.Validate(); err != nil {
		slog.DebugContext(ctx, "dropping malformed event", "err", err)
		observability.Dispatches.WithLabelValues("", "dropped").Inc()
		return nil
	}

	targets := w.cfg.Targets.GetTargets(ev.ServerID, ev.ChannelID)
	if len(targets) == 0 {
		slog.DebugContext(ctx, "no destinations for channel", "server_id", ev.ServerID, "channel_id", ev.ChannelID)
		return nil
	}

	prepared, prepErr := w.cfg.Pipeline.Run(ev)

	var (
		errs      []error
		needRetry bool
		delay     time.Duration
	)
	for _, t := range targets {
		out, err := w.dispatchTarget(ctx, prepared, t, prepErr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out.kind == retry {
			needRetry = true
			delay = max(delay, out.delay)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if !needRetry {
		return nil
	}
	if err := w.cfg.Queue.Requeue(ctx, env, delay); err != nil {
		return fmt.Errorf("requeue %s: %w", ev.ID, err)
	}
	slog.InfoContext(ctx, "event requeued", "attempt", env.AttemptCount+1, "delay", delay)
	return nil
}

// dispatchTarget coalesces concurrent attempts for the same key within this
// process; the store lease serializes them across processes.
func (w *Worker) dispatchTarget(ctx context.Context, ev domain.RawEvent, t domain.Target, prepErr error) (outcome, error) {
	key := domain.KeyFor(ev, t)
	if w.recent.Contains(key) {
		observability.Dispatches.WithLabelValues(t.Platform, "duplicate").Inc()
		return outcome{kind: duplicate}, nil
	}
	var leader bool
	v, err, _ := w.group.Do(key.String(), func() (any, error) {
		leader = true
		return w.deliver(ctx, ev, t, key, prepErr)
	})
	if err != nil {
		return outcome{}, err
	}
	out := v.(outcome)
	if !leader && out.kind == retry {
		// the leader's envelope carries the retry
		observability.Dispatches.WithLabelValues(t.Platform, "duplicate").Inc()
		return outcome{kind: duplicate}, nil
	}
	return out, nil
}

func (w *Worker) deliver(ctx context.Context, ev domain.RawEvent, t domain.Target, key domain.DispatchKey, prepErr error) (outcome, error) {
	ctx = logging.WithFields(ctx, logging.Fields{Platform: t.Platform})
	now := w.cfg.Now()

	rec, claimed, err := w.cfg.Store.Claim(ctx, key, now, w.cfg.ClaimLease)
	if err != nil {
		return outcome{}, relayerr.Transient("dispatch.claim", err)
	}
	if !claimed {
		if rec.Status.Terminal() {
			if rec.Status == domain.StatusSuccess {
				w.recent.Add(key, struct{}{})
			}
			observability.Dispatches.WithLabelValues(t.Platform, "duplicate").Inc()
			return outcome{kind: duplicate}, nil
		}
		// in flight elsewhere; come back once that lease can lapse
		wait := time.Second
		if rec.ClaimedUntil != nil {
			wait = max(wait, rec.ClaimedUntil.Sub(now))
		}
		return outcome{kind: retry, delay: wait}, nil
	}

	if prepErr != nil {
		return w.settle(ctx, t, rec, prepErr)
	}

	msg, err := w.cfg.Builder.Build(ev, t.Platform)
	if err != nil {
		return w.settle(ctx, t, rec, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	start := time.Now()
	_, sendErr := w.cfg.Sender.Send(sendCtx, msg, t)
	latency := time.Since(start)
	cancel()

	if sendErr != nil {
		if ctx.Err() != nil {
			// shutting down: leave the attempt to the redelivered envelope
			w.release(ctx, key, sendErr)
			return outcome{}, ctx.Err()
		}
		if errors.Is(sendErr, forwarder.ErrThrottled) {
			// nothing left the process, so the attempt is not spent
			w.release(ctx, key, sendErr)
			wait := max(time.Second, relayerr.RetryAfterOf(sendErr))
			observability.Dispatches.WithLabelValues(t.Platform, "throttled").Inc()
			slog.DebugContext(ctx, "destination throttled locally", "target", t.String(), "delay", wait)
			return outcome{kind: retry, delay: wait}, nil
		}
		return w.settle(ctx, t, rec, sendErr)
	}

	if err := w.cfg.Store.MarkSuccess(ctx, key, latency, w.cfg.Now()); err != nil {
		return outcome{}, relayerr.Transient("dispatch.record", err)
	}
	w.recent.Add(key, struct{}{})
	observability.Dispatches.WithLabelValues(t.Platform, "success").Inc()
	slog.InfoContext(ctx, "dispatched", "target", t.String(), "attempt", rec.AttemptCount, "latency", latency)
	return outcome{kind: delivered}, nil
}

// settle records a failed attempt as pending (retry) or failed (dead letter).
func (w *Worker) settle(ctx context.Context, t domain.Target, rec domain.DispatchRecord, cause error) (outcome, error) {
	key := rec.Key()
	now := w.cfg.Now()

	if relayerr.IsRetryable(cause) && rec.AttemptCount < w.cfg.MaxRetryCount {
		if err := w.cfg.Store.MarkPending(ctx, key, cause.Error(), now); err != nil {
			return outcome{}, relayerr.Transient("dispatch.record", err)
		}
		delay := w.cfg.Backoff.Next(rec.AttemptCount, cause)
		observability.Dispatches.WithLabelValues(t.Platform, "retry").Inc()
		slog.WarnContext(ctx, "dispatch attempt failed, will retry",
			"target", t.String(), "attempt", rec.AttemptCount, "kind", relayerr.KindOf(cause), "delay", delay, "err", cause)
		return outcome{kind: retry, delay: delay}, nil
	}

	if err := w.cfg.Store.MarkFailed(ctx, key, cause.Error(), now); err != nil {
		return outcome{}, relayerr.Transient("dispatch.record", err)
	}
	observability.Dispatches.WithLabelValues(t.Platform, "failed").Inc()
	slog.ErrorContext(ctx, "dispatch dead-lettered",
		"target", t.String(), "attempt", rec.AttemptCount, "kind", relayerr.KindOf(cause), "stage", relayerr.StageOf(cause), "err", cause)
	return outcome{kind: deadLettered}, nil
}

// release gives the lease and the attempt back without a verdict so a
// redelivery can claim the key straight away.
func (w *Worker) release(ctx context.Context, key domain.DispatchKey, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := w.cfg.Store.Release(ctx, key, cause.Error(), w.cfg.Now()); err != nil {
		slog.WarnContext(ctx, "failed to release dispatch lease", "key", key.String(), "err", err)
	}
}
