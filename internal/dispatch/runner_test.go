package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/queue"
)

type fakeSource struct {
	mu      sync.Mutex
	pending []queue.Delivery
	acked   []string
	failed  int
}

func (s *fakeSource) DequeueBatch(ctx context.Context, max int, _ time.Duration) ([]queue.Delivery, error) {
	s.mu.Lock()
	if s.failed > 0 {
		s.failed--
		s.mu.Unlock()
		return nil, errors.New("receive failed")
	}
	n := min(max, len(s.pending))
	out := append([]queue.Delivery(nil), s.pending[:n]...)
	s.pending = s.pending[n:]
	s.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (s *fakeSource) Ack(_ context.Context, d queue.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, d.Receipt)
	return nil
}

func (s *fakeSource) ackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}

type funcProcessor func(ctx context.Context, env domain.QueueEnvelope) error

func (f funcProcessor) Process(ctx context.Context, env domain.QueueEnvelope) error {
	return f(ctx, env)
}

func deliveries(ids ...string) []queue.Delivery {
	out := make([]queue.Delivery, len(ids))
	for i, id := range ids {
		out[i] = queue.Delivery{Envelope: domain.QueueEnvelope{EventID: id}, Receipt: "r-" + id}
	}
	return out
}

func TestRunnerAcksOnlySuccessfulDeliveries(t *testing.T) {
	src := &fakeSource{pending: deliveries("a", "b", "c", "d"), failed: 1}
	r := &Runner{
		Source:       src,
		Concurrency:  2,
		BatchSize:    3,
		ErrorBackoff: time.Millisecond,
		Processor: funcProcessor(func(_ context.Context, env domain.QueueEnvelope) error {
			if env.EventID == "c" {
				return errors.New("store down")
			}
			return nil
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for src.ackedCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.acked) != 3 {
		t.Fatalf("expected 3 acks, got %v", src.acked)
	}
	for _, receipt := range src.acked {
		if receipt == "r-c" {
			t.Fatalf("failed delivery was acked")
		}
	}
}

func TestRunnerLetsInFlightWorkFinish(t *testing.T) {
	src := &fakeSource{pending: deliveries("slow")}
	started := make(chan struct{})
	r := &Runner{
		Source:        src,
		Concurrency:   1,
		ShutdownGrace: time.Second,
		Processor: funcProcessor(func(ctx context.Context, _ domain.QueueEnvelope) error {
			close(started)
			select {
			case <-time.After(50 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	<-started
	cancel()
	<-done

	if src.ackedCount() != 1 {
		t.Fatalf("in-flight delivery should finish and be acked during grace")
	}
}

func TestRunnerCancelsAfterGrace(t *testing.T) {
	src := &fakeSource{pending: deliveries("stuck")}
	started := make(chan struct{})
	r := &Runner{
		Source:        src,
		Concurrency:   1,
		ShutdownGrace: 30 * time.Millisecond,
		Processor: funcProcessor(func(ctx context.Context, _ domain.QueueEnvelope) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not force-cancel after grace")
	}
	if src.ackedCount() != 0 {
		t.Fatalf("cancelled delivery must stay un-acked")
	}
}
