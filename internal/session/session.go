package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/logging"
	"chatrelay/internal/observability"
	"chatrelay/internal/relayerr"
	"chatrelay/internal/status"
)

// Conn is one live connection to the source platform for an account.
// NextEvent must return once ctx is done or the connection is closed.
// Malformed notifications are reported as relayerr validation errors and
// do not end the connection.
type Conn interface {
	Authenticate(ctx context.Context) error
	NextEvent(ctx context.Context) (domain.RawEvent, error)
	Heartbeat(ctx context.Context) (time.Duration, error)
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, accountID string) (Conn, error)
}

var errHeartbeatTimeout = errors.New("no event or heartbeat ack within timeout")

// ReconnectDelay is min(base·2^(attempt-1), cap).
func ReconnectDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	return min(d, cap)
}

type session struct {
	accountID string
	opts      Options
	transport Transport
	sink      status.Sink
	events    chan<- domain.RawEvent
	cancel    context.CancelFunc
	done      chan struct{}

	mu            sync.Mutex
	state         domain.SessionState
	rtts          rttWindow
	pushed        int64
	onlineSince   time.Time
	lastHeartbeat time.Time
	lastEvent     time.Time
}

func (s *session) snapshot() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.QualityScore = s.scoreLocked()
	return st
}

func (s *session) scoreLocked() int {
	now := s.opts.Now()
	last := s.lastEvent
	if last.IsZero() || last.Before(s.onlineSince) {
		last = s.onlineSince
	}
	var idle time.Duration
	if !last.IsZero() {
		idle = now.Sub(last)
	}
	return Score(QualityInputs{
		AvgRTT:         s.rtts.avg(),
		SinceLastEvent: idle,
		IdleWindow:     s.opts.IdleWindow,
		Reconnects:     s.state.ReconnectCount,
		Pushed:         s.pushed,
	})
}

// transition moves to next and broadcasts, unless nothing changed.
func (s *session) transition(ctx context.Context, next domain.SessionStatus, cause error) {
	s.mu.Lock()
	prev := s.state.Status
	if prev == next && cause == nil {
		s.mu.Unlock()
		return
	}
	s.state.Status = next
	if cause != nil {
		s.state.LastError = cause.Error()
	}
	if next == domain.SessionOnline && prev != domain.SessionDegraded {
		s.onlineSince = s.opts.Now()
	}
	s.mu.Unlock()

	if prev != "" {
		observability.SessionStatus.WithLabelValues(s.accountID, string(prev)).Set(0)
	}
	observability.SessionStatus.WithLabelValues(s.accountID, string(next)).Set(1)
	slog.InfoContext(ctx, "session status changed", "from", prev, "to", next)
	s.publish(ctx)
}

func (s *session) publish(ctx context.Context) {
	st := s.snapshot()
	observability.SessionQuality.WithLabelValues(s.accountID).Set(float64(st.QualityScore))
	rep := status.Report{
		Kind:           status.KindSession,
		AccountID:      s.accountID,
		Status:         string(st.Status),
		QualityScore:   &st.QualityScore,
		ReconnectCount: st.ReconnectCount,
		Timestamp:      s.opts.Now().UTC(),
	}
	if st.Status == domain.SessionFailed || st.Status == domain.SessionReconnecting || st.Status == domain.SessionDegraded {
		rep.Error = st.LastError
	}
	// status delivery must not depend on the session's own lifetime
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.sink.Publish(pctx, rep); err != nil {
		slog.WarnContext(ctx, "status publish failed", "err", err)
	}
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	ctx = logging.WithFields(ctx, logging.Fields{AccountID: s.accountID, Component: "session"})

	first := true
	for {
		err := s.connectAndServe(ctx, first)
		first = false
		if ctx.Err() != nil {
			s.transition(ctx, domain.SessionStopped, nil)
			return
		}
		if relayerr.Is(err, relayerr.KindConfiguration) || relayerr.Is(err, relayerr.KindValidation) {
			slog.ErrorContext(ctx, "session failed, not retrying", "err", err)
			s.transition(ctx, domain.SessionFailed, err)
			return
		}

		s.mu.Lock()
		if !s.onlineSince.IsZero() && s.opts.Now().Sub(s.onlineSince) >= s.opts.StableAfter {
			s.state.ReconnectCount = 0
		}
		s.state.ReconnectCount++
		attempt := s.state.ReconnectCount
		s.onlineSince = time.Time{}
		s.mu.Unlock()

		if attempt > s.opts.MaxReconnects {
			err = fmt.Errorf("gave up after %d reconnects: %w", attempt-1, err)
			slog.ErrorContext(ctx, "session failed", "err", err)
			s.transition(ctx, domain.SessionFailed, err)
			return
		}

		delay := ReconnectDelay(attempt, s.opts.ReconnectBase, s.opts.ReconnectCap)
		slog.WarnContext(ctx, "session lost, reconnecting", "attempt", attempt, "delay", delay, "err", err)
		s.transition(ctx, domain.SessionReconnecting, err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.transition(ctx, domain.SessionStopped, nil)
			return
		case <-t.C:
		}
	}
}

type nextResult struct {
	ev  domain.RawEvent
	err error
}

func (s *session) connectAndServe(ctx context.Context, first bool) error {
	if first {
		s.transition(ctx, domain.SessionConnecting, nil)
	}
	conn, err := s.transport.Dial(ctx, s.accountID)
	if err != nil {
		return err
	}
	defer conn.Close()

	if first {
		s.transition(ctx, domain.SessionAuthenticating, nil)
	}
	if err := conn.Authenticate(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastHeartbeat = s.opts.Now()
	s.mu.Unlock()
	s.transition(ctx, domain.SessionOnline, nil)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan nextResult)
	go func() {
		for {
			ev, err := conn.NextEvent(connCtx)
			select {
			case results <- nextResult{ev: ev, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil && !relayerr.Is(err, relayerr.KindValidation) {
				return
			}
		}
	}()

	hb := time.NewTicker(s.opts.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-results:
			if r.err != nil {
				if relayerr.Is(r.err, relayerr.KindValidation) {
					slog.DebugContext(ctx, "skipping malformed source notification", "err", r.err)
					continue
				}
				return r.err
			}
			s.mu.Lock()
			s.lastEvent = s.opts.Now()
			s.state.LastEventAt = s.lastEvent
			s.mu.Unlock()

			select {
			case s.events <- r.ev:
				s.mu.Lock()
				s.pushed++
				s.mu.Unlock()
				observability.SessionEvents.WithLabelValues(s.accountID).Inc()
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-hb.C:
			if err := s.heartbeat(ctx, conn); err != nil {
				return err
			}
		}
	}
}

// heartbeat pings the connection, enforces the liveness window and moves
// between online and degraded on the quality score.
func (s *session) heartbeat(ctx context.Context, conn Conn) error {
	hctx, cancel := context.WithTimeout(ctx, min(s.opts.HeartbeatInterval, 10*time.Second))
	rtt, err := conn.Heartbeat(hctx)
	cancel()

	now := s.opts.Now()
	s.mu.Lock()
	if err == nil {
		s.rtts.add(rtt)
		s.lastHeartbeat = now
		s.state.LastHeartbeatAt = now
	}
	lastSeen := s.lastHeartbeat
	if s.lastEvent.After(lastSeen) {
		lastSeen = s.lastEvent
	}
	if !s.onlineSince.IsZero() && s.state.ReconnectCount > 0 && now.Sub(s.onlineSince) >= s.opts.StableAfter {
		s.state.ReconnectCount = 0
	}
	score := s.scoreLocked()
	cur := s.state.Status
	s.mu.Unlock()

	if err != nil {
		if relayerr.Is(err, relayerr.KindAuthExpired) || relayerr.Is(err, relayerr.KindConfiguration) {
			return err
		}
		slog.DebugContext(ctx, "heartbeat failed", "err", err)
	}
	if now.Sub(lastSeen) > s.opts.HeartbeatTimeout {
		return relayerr.Transient("session.heartbeat", errHeartbeatTimeout)
	}

	switch {
	case cur == domain.SessionOnline && score < s.opts.DegradedThreshold:
		s.transition(ctx, domain.SessionDegraded, fmt.Errorf("quality score %d below %d", score, s.opts.DegradedThreshold))
	case cur == domain.SessionDegraded && score >= s.opts.DegradedThreshold:
		s.transition(ctx, domain.SessionOnline, nil)
	}
	return nil
}
