package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/relayerr"
	"chatrelay/internal/status"
)

// Registry maps destination platforms to their pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{pools: map[string]*Pool{}, now: time.Now}
}

func (r *Registry) Register(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.Platform()] = p
}

func (r *Registry) Get(platform string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[platform]
	return p, ok
}

// Send routes to the pool for target.Platform.
func (r *Registry) Send(ctx context.Context, msg Message, target domain.Target) (bool, error) {
	p, ok := r.Get(target.Platform)
	if !ok {
		return false, relayerr.Configuration("forwarder.send", fmt.Errorf("no pool for platform %q", target.Platform))
	}
	return p.Send(ctx, msg, target)
}

// Stats returns every pool's stats ordered by platform.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].Platform() < pools[j].Platform() })
	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	return out
}

// Report publishes one status report per pool member.
func (r *Registry) Report(ctx context.Context, sink status.Sink) error {
	now := r.now().UTC()
	var errs []error
	for _, st := range r.Stats() {
		for _, m := range st.Members {
			rep := status.Report{
				Kind:      status.KindPoolMember,
				Platform:  st.Platform,
				MemberID:  memberID(m),
				Status:    m.State,
				SendCount: m.SendCount,
				Timestamp: now,
			}
			if m.State != "closed" {
				rep.Error = m.LastError
			}
			if err := sink.Publish(ctx, rep); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RunReports publishes member reports every interval until ctx is done.
func (r *Registry) RunReports(ctx context.Context, sink status.Sink, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = r.Report(ctx, sink)
		}
	}
}
