// Package redisstream is a queue.Primary backed by a Redis stream consumer
// group, with a sorted set holding delayed envelopes until they are due.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain"
	"chatrelay/internal/observability"
	"chatrelay/internal/queue"
)

const envelopeField = "envelope"

type Config struct {
	Stream   string // Redis stream name
	Group    string // consumer group name
	Consumer string // this instance's consumer name
	// DelayKey is the sorted set of delayed envelopes, scored by due time
	// in unix milliseconds. Defaults to Stream + ":delayed".
	DelayKey string
	// ReclaimIdle is how long a delivery may stay un-acked before another
	// consumer takes it over.
	ReclaimIdle time.Duration
	Now         func() time.Time
}

type Primary struct {
	client *redis.Client
	cfg    Config
}

var _ queue.Primary = (*Primary)(nil)

func New(ctx context.Context, client *redis.Client, cfg Config) (*Primary, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("redisstream: stream, group and consumer are required")
	}
	if cfg.DelayKey == "" {
		cfg.DelayKey = cfg.Stream + ":delayed"
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Primary{client: client, cfg: cfg}
	if err := p.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Primary) ensureGroup(ctx context.Context) error {
	// "0" so a recreated group still sees entries already in the stream
	err := p.client.XGroupCreateMkStream(ctx, p.cfg.Stream, p.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (p *Primary) Push(ctx context.Context, env domain.QueueEnvelope, delay time.Duration) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	if delay > 0 {
		due := p.cfg.Now().Add(delay).UnixMilli()
		return p.client.ZAdd(ctx, p.cfg.DelayKey, redis.Z{Score: float64(due), Member: string(body)}).Err()
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.Stream,
		Values: map[string]any{envelopeField: string(body)},
	}).Err()
}

// Receive promotes due delayed envelopes, takes over deliveries other
// consumers left idle, then reads new entries.
func (p *Primary) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error) {
	if err := p.promoteDue(ctx, max); err != nil {
		return nil, err
	}

	var out []queue.Delivery
	claimed, _, err := p.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   p.cfg.Stream,
		Group:    p.cfg.Group,
		Consumer: p.cfg.Consumer,
		MinIdle:  p.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(claimed) > 0 {
		slog.InfoContext(ctx, "reclaimed idle stream entries", "count", len(claimed), "stream", p.cfg.Stream)
	}
	out = p.appendParsed(ctx, out, claimed)
	if len(out) >= max {
		return out, nil
	}

	block := wait
	if block <= 0 {
		block = -1 // no BLOCK argument
	}
	streams, err := p.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    p.cfg.Group,
		Consumer: p.cfg.Consumer,
		Streams:  []string{p.cfg.Stream, ">"},
		Count:    int64(max - len(out)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		return out, fmt.Errorf("reading from stream: %w", err)
	}
	for _, s := range streams {
		out = p.appendParsed(ctx, out, s.Messages)
	}
	return out, nil
}

// promoteDue moves due members of the delay set onto the stream. ZREM and
// XADD run in one MULTI so an entry is never lost between them; two
// consumers racing may both add it, which the dispatch log absorbs.
func (p *Primary) promoteDue(ctx context.Context, max int) error {
	now := strconv.FormatInt(p.cfg.Now().UnixMilli(), 10)
	due, err := p.client.ZRangeByScore(ctx, p.cfg.DelayKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: int64(max),
	}).Result()
	if err != nil {
		return fmt.Errorf("reading delayed envelopes: %w", err)
	}
	for _, member := range due {
		_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, p.cfg.DelayKey, member)
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: p.cfg.Stream,
				Values: map[string]any{envelopeField: member},
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("promoting delayed envelope: %w", err)
		}
	}
	return nil
}

func (p *Primary) appendParsed(ctx context.Context, out []queue.Delivery, msgs []redis.XMessage) []queue.Delivery {
	for _, msg := range msgs {
		raw, _ := msg.Values[envelopeField].(string)
		env, err := domain.DecodeEnvelope([]byte(raw))
		if err != nil {
			observability.CorruptEntries.WithLabelValues("redis").Inc()
			slog.ErrorContext(ctx, "failed to parse stream entry",
				"error", err,
				"raw_message_id", msg.ID,
				"stream", p.cfg.Stream)
			_ = p.Ack(ctx, queue.Delivery{Receipt: msg.ID})
			continue
		}
		out = append(out, queue.Delivery{Envelope: env, Receipt: msg.ID})
	}
	return out
}

// Ack acknowledges and deletes the entry so the stream does not grow
// without bound.
func (p *Primary) Ack(ctx context.Context, d queue.Delivery) error {
	if err := p.client.XAck(ctx, p.cfg.Stream, p.cfg.Group, d.Receipt).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", p.cfg.Stream, err)
	}
	if err := p.client.XDel(ctx, p.cfg.Stream, d.Receipt).Err(); err != nil {
		return fmt.Errorf("xdel (stream=%s): %w", p.cfg.Stream, err)
	}
	return nil
}

func (p *Primary) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
