// Package session keeps source-platform ingestion sessions alive, one per
// account, and funnels their events into the durable queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/relayerr"
	"chatrelay/internal/status"
)

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxReconnects     int
	StableAfter       time.Duration
	DegradedThreshold int
	IdleWindow        time.Duration
	StatusInterval    time.Duration
	EventBuffer       int
	Now               func() time.Time
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 90 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 2 * time.Second
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 5 * time.Minute
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 10
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 10 * time.Minute
	}
	if o.DegradedThreshold <= 0 {
		o.DegradedThreshold = 60
	}
	if o.IdleWindow <= 0 {
		o.IdleWindow = 10 * time.Minute
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 15 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Enqueuer is the durable queue as seen by Pump.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev domain.RawEvent) error
}

type Manager struct {
	transport Transport
	sink      status.Sink
	opts      Options
	events    chan domain.RawEvent

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func NewManager(transport Transport, sink status.Sink, opts Options) *Manager {
	opts.defaults()
	if sink == nil {
		sink = status.LogSink{}
	}
	return &Manager{
		transport: transport,
		sink:      sink,
		opts:      opts,
		events:    make(chan domain.RawEvent, opts.EventBuffer),
		sessions:  map[string]*session{},
	}
}

// Events carries RawEvents from every session. It is never closed.
func (m *Manager) Events() <-chan domain.RawEvent { return m.events }

// Start launches the session for accountID under ctx. Starting an account
// whose session is still running is an error; a stopped or failed session
// is replaced.
func (m *Manager) Start(ctx context.Context, accountID string) error {
	if accountID == "" {
		return relayerr.Configuration("session.start", errors.New("account id is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[accountID]; ok {
		select {
		case <-cur.done:
		default:
			return fmt.Errorf("session %s already running", accountID)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		accountID: accountID,
		opts:      m.opts,
		transport: m.transport,
		sink:      m.sink,
		events:    m.events,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     domain.SessionState{AccountID: accountID},
	}
	m.sessions[accountID] = s

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(sctx)
	}()
	return nil
}

// Stop ends the session for accountID and waits for it to reach stopped.
func (m *Manager) Stop(accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Wait blocks until every session goroutine has exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) State(accountID string) (domain.SessionState, bool) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	m.mu.Unlock()
	if !ok {
		return domain.SessionState{}, false
	}
	return s.snapshot(), true
}

// States returns every session's state ordered by account.
func (m *Manager) States() []domain.SessionState {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]domain.SessionState, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// RunReports broadcasts every session's status each StatusInterval until
// ctx is done. Transitions are broadcast as they happen regardless.
func (m *Manager) RunReports(ctx context.Context) {
	t := time.NewTicker(m.opts.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			list := make([]*session, 0, len(m.sessions))
			for _, s := range m.sessions {
				list = append(list, s)
			}
			m.mu.Unlock()
			for _, s := range list {
				s.publish(ctx)
			}
		}
	}
}

// Pump moves events into q until ctx is done, then flushes whatever is
// still buffered. Stop the sessions first to flush everything. A
// resource-exhausted error means the event could not be stored anywhere;
// it is returned, never dropped.
func (m *Manager) Pump(ctx context.Context, q Enqueuer) error {
	// an event already taken off the channel is finished even during shutdown
	qctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-m.events:
					if err := enqueue(qctx, q, ev); err != nil {
						return err
					}
				default:
					return ctx.Err()
				}
			}
		case ev := <-m.events:
			if err := enqueue(qctx, q, ev); err != nil {
				return err
			}
		}
	}
}

func enqueue(ctx context.Context, q Enqueuer, ev domain.RawEvent) error {
	err := q.Enqueue(ctx, ev)
	switch {
	case err == nil:
		return nil
	case relayerr.Is(err, relayerr.KindResourceExhausted):
		slog.ErrorContext(ctx, "event could not be queued", "event_id", ev.ID, "err", err)
		return err
	case relayerr.Is(err, relayerr.KindValidation):
		slog.DebugContext(ctx, "dropping invalid event", "event_id", ev.ID, "err", err)
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", ev.ID, err)
	}
}
