package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/relayerr"
)

type memItem struct {
	env   domain.QueueEnvelope
	delay time.Duration
}

type memPrimary struct {
	mu       sync.Mutex
	items    []memItem
	acked    []string
	inflight map[string]memItem
	seq      int

	pushErr    error
	pingErr    error
	failPushAt int
	pushes     int
}

func newMemPrimary() *memPrimary {
	return &memPrimary{inflight: map[string]memItem{}}
}

func (m *memPrimary) Push(_ context.Context, env domain.QueueEnvelope, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes++
	if m.pushErr != nil {
		return m.pushErr
	}
	if m.failPushAt > 0 && m.pushes == m.failPushAt {
		return errors.New("push rejected")
	}
	m.items = append(m.items, memItem{env: env, delay: delay})
	return nil
}

func (m *memPrimary) Receive(_ context.Context, max int, _ time.Duration) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for len(m.items) > 0 && len(out) < max {
		it := m.items[0]
		m.items = m.items[1:]
		m.seq++
		receipt := strconv.Itoa(m.seq)
		m.inflight[receipt] = it
		out = append(out, Delivery{Envelope: it.env, Receipt: receipt})
	}
	return out, nil
}

func (m *memPrimary) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, d.Receipt)
	m.acked = append(m.acked, d.Receipt)
	return nil
}

func (m *memPrimary) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memPrimary) setDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.pushErr = errors.New("connection refused")
		m.pingErr = m.pushErr
	} else {
		m.pushErr, m.pingErr = nil, nil
	}
}

func event(id string) domain.RawEvent {
	return domain.RawEvent{
		ID:        id,
		ChannelID: "c1",
		Author:    domain.Author{ID: "u1", Name: "alice"},
		Content:   "hello " + id,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func newJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return j
}

func TestEnqueueGoesToPrimary(t *testing.T) {
	ctx := context.Background()
	p := newMemPrimary()
	q := New(p, newJournal(t), Options{})

	if err := q.Enqueue(ctx, event("m1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.DequeueBatch(ctx, 10, 0)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(got) != 1 || got[0].Envelope.EventID != "m1" || got[0].Envelope.AttemptCount != 0 {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if q.Backlog() != 0 {
		t.Fatalf("expected empty journal, got %d", q.Backlog())
	}
}

func TestEnqueueFallsBackAndReconciles(t *testing.T) {
	ctx := context.Background()
	p := newMemPrimary()
	q := New(p, newJournal(t), Options{})

	p.setDown(true)
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := q.Enqueue(ctx, event(id)); err != nil {
			t.Fatalf("enqueue %s during outage: %v", id, err)
		}
	}
	if q.Backlog() != 1 {
		t.Fatalf("expected one journal segment, got %d", q.Backlog())
	}

	if n, err := q.Reconcile(ctx); err == nil || n != 0 {
		t.Fatalf("reconcile must wait for the primary, got n=%d err=%v", n, err)
	}

	p.setDown(false)
	n, err := q.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 moved, got %d", n)
	}
	if q.Backlog() != 0 {
		t.Fatalf("journal not drained: %d", q.Backlog())
	}

	got, _ := q.DequeueBatch(ctx, 10, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if got[i].Envelope.EventID != id {
			t.Fatalf("order lost: %d = %s", i, got[i].Envelope.EventID)
		}
	}
}

func TestEnqueueExhaustedWhenBothStoresFail(t *testing.T) {
	ctx := context.Background()
	p := newMemPrimary()
	p.setDown(true)

	dir := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(dir, 1<<20)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	q := New(p, j, Options{})

	err = q.Enqueue(ctx, event("m1"))
	if !relayerr.Is(err, relayerr.KindResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}

	qNoJournal := New(p, nil, Options{})
	if err := qNoJournal.Enqueue(ctx, event("m2")); !relayerr.Is(err, relayerr.KindResourceExhausted) {
		t.Fatalf("expected resource exhausted without journal, got %v", err)
	}
}

func TestReconcileSkipsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	good1, _ := domain.NewEnvelope(event("m1"), time.Now()).Marshal()
	good2, _ := domain.NewEnvelope(event("m2"), time.Now()).Marshal()
	content := string(good1) + "\n" +
		"not json at all\n" +
		`{"eventId":"x","payload":{"id":"y"}}` + "\n" +
		string(good2) + "\n" +
		`{"eventId":"m3","enqueuedAt":` // torn tail
	if err := os.WriteFile(filepath.Join(dir, "journal-00000000000000000000000001.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	j, err := OpenJournal(dir, 1<<20)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	p := newMemPrimary()
	q := New(p, j, Options{})

	n, err := q.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 valid envelopes moved, got %d", n)
	}
	got, _ := q.DequeueBatch(ctx, 10, 0)
	if len(got) != 2 || got[0].Envelope.EventID != "m1" || got[1].Envelope.EventID != "m2" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
}

func TestReconcileKeepsRemainderOnFailure(t *testing.T) {
	ctx := context.Background()
	p := newMemPrimary()
	q := New(p, newJournal(t), Options{})

	p.setDown(true)
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := q.Enqueue(ctx, event(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	p.setDown(false)

	p.mu.Lock()
	p.failPushAt = p.pushes + 2
	p.mu.Unlock()

	n, err := q.Reconcile(ctx)
	if err == nil || n != 1 {
		t.Fatalf("expected partial drain, got n=%d err=%v", n, err)
	}
	if q.Backlog() != 1 {
		t.Fatalf("remainder must stay journaled, backlog=%d", q.Backlog())
	}

	n, err = q.Reconcile(ctx)
	if err != nil || n != 2 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}
	got, _ := q.DequeueBatch(ctx, 10, 0)
	if len(got) != 3 {
		t.Fatalf("expected every event exactly once in the primary, got %d", len(got))
	}
}

func TestDequeueDefersEarlyDeliveries(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	p := newMemPrimary()
	q := New(p, nil, Options{Now: func() time.Time { return now }})

	env := domain.NewEnvelope(event("m1"), now).Retry(now, time.Hour)
	// simulate a backend that capped the delay and delivered early
	p.items = append(p.items, memItem{env: env})

	got, err := q.DequeueBatch(ctx, 10, 0)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("early envelope must not be delivered: %+v", got)
	}
	if len(p.acked) != 1 || len(p.items) != 1 || p.items[0].delay != time.Hour {
		t.Fatalf("expected ack plus re-push with remaining delay, got acked=%v items=%+v", p.acked, p.items)
	}
}

func TestRequeueAdvancesAttemptCount(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p := newMemPrimary()
	q := New(p, newJournal(t), Options{})

	env := domain.NewEnvelope(event("m1"), now)
	if err := q.Requeue(ctx, env, 0); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, _ := q.DequeueBatch(ctx, 1, 0)
	if len(got) != 1 || got[0].Envelope.AttemptCount != 1 {
		t.Fatalf("unexpected requeued envelope %+v", got)
	}
}

func TestNewReconcilerRejectsBadSchedule(t *testing.T) {
	q := New(newMemPrimary(), nil, Options{})
	if _, err := NewReconciler(q, "every now and then"); err == nil {
		t.Fatalf("expected schedule error")
	}
	r, err := NewReconciler(q, "@every 10s")
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	r.Start(context.Background())
	r.Stop()
}

// faultyFile cuts the chosen write short, or fails the sync that follows it.
type faultyFile struct {
	*os.File
	writes      *int
	writeFailAt int
	syncFailAt  int
}

func (f faultyFile) Write(p []byte) (int, error) {
	*f.writes++
	if *f.writes == f.writeFailAt {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

func (f faultyFile) Sync() error {
	if *f.writes == f.syncFailAt {
		return errors.New("input/output error")
	}
	return f.File.Sync()
}

func TestFailedAppendLeavesNoTornLine(t *testing.T) {
	for _, tc := range []struct {
		name        string
		writeFailAt int
		syncFailAt  int
	}{
		{name: "ShortWrite", writeFailAt: 2},
		{name: "SyncError", syncFailAt: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			j := newJournal(t)
			writes := 0
			j.open = func(path string) (segmentFile, error) {
				f, err := openSegment(path)
				if err != nil {
					return nil, err
				}
				return faultyFile{File: f.(*os.File), writes: &writes, writeFailAt: tc.writeFailAt, syncFailAt: tc.syncFailAt}, nil
			}

			if err := j.Append(domain.NewEnvelope(event("m1"), time.Now())); err != nil {
				t.Fatalf("append m1: %v", err)
			}
			if err := j.Append(domain.NewEnvelope(event("m2"), time.Now())); err == nil {
				t.Fatalf("append m2 should fail")
			}
			if err := j.Append(domain.NewEnvelope(event("m3"), time.Now())); err != nil {
				t.Fatalf("append m3: %v", err)
			}
			if err := j.Seal(); err != nil {
				t.Fatalf("seal: %v", err)
			}

			segs, err := j.Segments()
			if err != nil {
				t.Fatalf("segments: %v", err)
			}
			if len(segs) != 2 {
				t.Fatalf("expected the failed segment sealed and a new one started, got %v", segs)
			}
			for _, name := range segs {
				raw, err := os.ReadFile(filepath.Join(j.dir, name))
				if err != nil {
					t.Fatalf("read %s: %v", name, err)
				}
				if lines := strings.Count(string(raw), "\n"); lines != 1 || raw[len(raw)-1] != '\n' {
					t.Fatalf("segment %s should hold exactly one whole line: %q", name, raw)
				}
			}

			var got []string
			for _, name := range segs {
				if _, err := j.Drain(context.Background(), name, func(env domain.QueueEnvelope) error {
					got = append(got, env.EventID)
					return nil
				}); err != nil {
					t.Fatalf("drain %s: %v", name, err)
				}
			}
			if len(got) != 2 || got[0] != "m1" || got[1] != "m3" {
				t.Fatalf("expected m1 and m3 intact, got %v", got)
			}
		})
	}
}
