// Package forwarder sends formatted messages to destination platforms
// through pools of credentials. Each pool member sits behind its own
// circuit breaker; healthy members are used round-robin.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/domain"
	"chatrelay/internal/observability"
	"chatrelay/internal/relayerr"
)

// Message is a destination-ready message produced by the content pipeline.
type Message struct {
	EventID        string
	AuthorName     string
	AvatarURL      string
	Text           string
	AttachmentURLs []string
}

type Credential struct {
	Name   string
	Secret string
}

// Sender delivers one message to a channel with a single credential.
// Errors should be classified with relayerr.
type Sender interface {
	Send(ctx context.Context, channelID string, msg Message) error
}

type SenderFactory func(cred Credential) (Sender, error)

// Throttle hands out send tokens per platform and credential.
type Throttle interface {
	Wait(ctx context.Context, platform, credential string) (time.Duration, error)
}

// ErrThrottled marks a send that never left the process because the
// member's token bucket could not be drawn in time.
var ErrThrottled = errors.New("local rate limit")

type Options struct {
	// FailureThreshold consecutive failures open a member's circuit.
	FailureThreshold uint32
	// Cooldown is how long a circuit stays open before one probe is allowed.
	Cooldown time.Duration
	// Throttle is consulted for the chosen member before each send. Nil
	// means unthrottled.
	Throttle Throttle
}

type member struct {
	index   int
	cred    Credential
	sender  Sender
	breaker *gobreaker.CircuitBreaker
	sends   atomic.Int64

	mu         sync.Mutex
	lastErr    error
	lastFailAt time.Time
}

func (m *member) recordFailure(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.lastFailAt = time.Now()
	m.mu.Unlock()
}

func (m *member) lastFailure() (error, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr, m.lastFailAt
}

type Pool struct {
	platform string
	factory  SenderFactory
	opts     Options

	mu      sync.RWMutex
	members []*member
	byName  map[string]*member

	next atomic.Uint64
}

func NewPool(platform string, factory SenderFactory, opts Options) *Pool {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	return &Pool{
		platform: platform,
		factory:  factory,
		opts:     opts,
		byName:   map[string]*member{},
	}
}

func (p *Pool) Platform() string { return p.platform }

// RegisterMember adds a credential to the rotation.
func (p *Pool) RegisterMember(cred Credential) error {
	if cred.Name == "" || cred.Secret == "" {
		return relayerr.Configuration("forwarder.register", errors.New("credential name and secret are required"))
	}
	sender, err := p.factory(cred)
	if err != nil {
		return relayerr.Configuration("forwarder.register", fmt.Errorf("%s/%s: %w", p.platform, cred.Name, err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byName[cred.Name]; ok {
		return relayerr.Configuration("forwarder.register", fmt.Errorf("duplicate credential %s/%s", p.platform, cred.Name))
	}

	m := &member{index: len(p.members), cred: cred, sender: sender}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.platform + "/" + cred.Name,
		MaxRequests: 1,
		Timeout:     p.opts.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= p.opts.FailureThreshold
		},
		// a rejected message says nothing about the member's health
		IsSuccessful: func(err error) bool {
			return err == nil || relayerr.Is(err, relayerr.KindValidation)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			observability.PoolMemberState.WithLabelValues(p.platform, cred.Name).Set(stateGauge(to))
		},
	})
	observability.PoolMemberState.WithLabelValues(p.platform, cred.Name).Set(0)

	p.members = append(p.members, m)
	p.byName[cred.Name] = m
	return nil
}

func (p *Pool) snapshot() []*member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.members
}

// Send delivers msg to target. A target naming a credential is sent with
// that member only; otherwise members are tried round-robin starting at the
// next slot, skipping open circuits and failing over on error. When no
// member succeeds, the most recent member failure is returned.
func (p *Pool) Send(ctx context.Context, msg Message, target domain.Target) (bool, error) {
	ctx, span := observability.Tracer().Start(ctx, "forwarder.send", trace.WithAttributes(
		attribute.String("platform", p.platform),
		attribute.String("channel_id", target.ChannelID),
	))
	defer span.End()

	ok, err := p.send(ctx, msg, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

func (p *Pool) send(ctx context.Context, msg Message, target domain.Target) (bool, error) {
	members := p.snapshot()
	if len(members) == 0 {
		return false, relayerr.Configuration("forwarder.send", fmt.Errorf("no credentials registered for %s", p.platform))
	}

	if ref := target.CredentialRef; ref != "" && ref != "*" {
		p.mu.RLock()
		m, ok := p.byName[ref]
		p.mu.RUnlock()
		if !ok {
			return false, relayerr.Configuration("forwarder.send", fmt.Errorf("unknown credential %s/%s", p.platform, ref))
		}
		if err := p.sendVia(ctx, m, msg, target); err != nil {
			return false, err
		}
		return true, nil
	}

	n := uint64(len(members))
	start := p.next.Add(1) - 1
	var tried bool
	for i := uint64(0); i < n; i++ {
		if ctx.Err() != nil {
			return false, relayerr.Transient("forwarder.send", ctx.Err())
		}
		m := members[(start+i)%n]
		if m.breaker.State() == gobreaker.StateOpen {
			continue
		}
		err := p.sendVia(ctx, m, msg, target)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, ErrThrottled) {
			return false, err
		}
		if isBreakerRejection(err) {
			continue
		}
		tried = true
		if relayerr.Is(err, relayerr.KindValidation) {
			// every member would reject the same message
			return false, err
		}
	}

	if err := p.mostRecentFailure(members); err != nil {
		return false, err
	}
	if !tried {
		return false, relayerr.Transient("forwarder.send", fmt.Errorf("all %s members unavailable", p.platform))
	}
	return false, relayerr.Transient("forwarder.send", errors.New("send failed"))
}

func (p *Pool) sendVia(ctx context.Context, m *member, msg Message, target domain.Target) error {
	if p.opts.Throttle != nil {
		if _, err := p.opts.Throttle.Wait(ctx, p.platform, m.cred.Name); err != nil {
			observability.PoolSends.WithLabelValues(p.platform, m.cred.Name, "throttled").Inc()
			return relayerr.RateLimited("forwarder.throttle",
				fmt.Errorf("%s/%s: %w: %w", p.platform, m.cred.Name, ErrThrottled, err), relayerr.RetryAfterOf(err))
		}
	}
	start := time.Now()
	_, err := m.breaker.Execute(func() (any, error) {
		return nil, m.sender.Send(ctx, target.ChannelID, msg)
	})
	observability.SendLatency.WithLabelValues(p.platform).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		m.sends.Add(1)
		observability.PoolSends.WithLabelValues(p.platform, m.cred.Name, "ok").Inc()
		return nil
	case isBreakerRejection(err):
		observability.PoolSends.WithLabelValues(p.platform, m.cred.Name, "circuit_open").Inc()
		if last, _ := m.lastFailure(); last != nil {
			return relayerr.Transient("forwarder.send", fmt.Errorf("%s: %w (last error: %v)", m.cred.Name, err, last))
		}
		return relayerr.Transient("forwarder.send", fmt.Errorf("%s: %w", m.cred.Name, err))
	default:
		observability.PoolSends.WithLabelValues(p.platform, m.cred.Name, string(relayerr.KindOf(err))).Inc()
		err = relayerr.New(relayerr.KindOf(err), "forwarder.send", fmt.Errorf("%s/%s: %w", p.platform, m.cred.Name, err))
		m.recordFailure(err)
		return err
	}
}

func (p *Pool) mostRecentFailure(members []*member) error {
	var (
		latest error
		at     time.Time
	)
	for _, m := range members {
		err, when := m.lastFailure()
		if err != nil && !when.Before(at) {
			latest, at = err, when
		}
	}
	return latest
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

type MemberStats struct {
	Index               int       `json:"index"`
	Name                string    `json:"name"`
	State               string    `json:"state"`
	SendCount           int64     `json:"sendCount"`
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitempty"`
}

type Stats struct {
	Platform    string            `json:"platform"`
	MemberCount int               `json:"memberCount"`
	SendCounts  map[string]int64  `json:"sendCounts"`
	States      map[string]string `json:"states"`
	LastErrors  map[string]string `json:"lastErrors"`
	Members     []MemberStats     `json:"members"`
}

func (p *Pool) Stats() Stats {
	members := p.snapshot()
	st := Stats{
		Platform:    p.platform,
		MemberCount: len(members),
		SendCounts:  make(map[string]int64, len(members)),
		States:      make(map[string]string, len(members)),
		LastErrors:  map[string]string{},
		Members:     make([]MemberStats, 0, len(members)),
	}
	for _, m := range members {
		state := m.breaker.State()
		ms := MemberStats{
			Index:               m.index,
			Name:                m.cred.Name,
			State:               state.String(),
			SendCount:           m.sends.Load(),
			ConsecutiveFailures: m.breaker.Counts().ConsecutiveFailures,
		}
		if err, at := m.lastFailure(); err != nil {
			ms.LastError = err.Error()
			ms.LastFailureAt = at
			st.LastErrors[m.cred.Name] = ms.LastError
		}
		st.SendCounts[m.cred.Name] = ms.SendCount
		st.States[m.cred.Name] = ms.State
		st.Members = append(st.Members, ms)
		observability.PoolMemberState.WithLabelValues(p.platform, m.cred.Name).Set(stateGauge(state))
	}
	return st
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func memberID(m MemberStats) string {
	if m.Name != "" {
		return m.Name
	}
	return strconv.Itoa(m.Index)
}
