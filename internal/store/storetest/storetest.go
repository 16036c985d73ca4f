// Package storetest holds behaviour checks shared by every DispatchLog
// implementation.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/store"
)

// Run exercises log against the claim and completion contract.
// newLog must return an empty log.
func Run(t *testing.T, newLog func(t *testing.T) store.DispatchLog) {
	t.Run("ClaimCreatesPendingRecord", func(t *testing.T) { claimCreates(t, newLog(t)) })
	t.Run("LeasedRecordIsNotReclaimed", func(t *testing.T) { leased(t, newLog(t)) })
	t.Run("LapsedLeaseIsReclaimed", func(t *testing.T) { lapsed(t, newLog(t)) })
	t.Run("ReleaseReturnsTheAttempt", func(t *testing.T) { release(t, newLog(t)) })
	t.Run("TerminalRecordsAreFinal", func(t *testing.T) { terminal(t, newLog(t)) })
	t.Run("ConcurrentClaimsSerialize", func(t *testing.T) { concurrent(t, newLog(t)) })
	t.Run("ListByEvent", func(t *testing.T) { listByEvent(t, newLog(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func key(event, channel string) domain.DispatchKey {
	return domain.DispatchKey{EventID: event, TargetPlatform: "discord", TargetChannelID: channel}
}

func claimCreates(t *testing.T, log store.DispatchLog) {
	ctx := context.Background()
	k := key("ev-1", "c1")

	rec, claimed, err := log.Claim(ctx, k, base, time.Minute)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if rec.Status != domain.StatusPending || rec.AttemptCount != 1 || rec.ID == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Key() != k {
		t.Fatalf("key mismatch: %v", rec.Key())
	}

	got, found, err := log.Get(ctx, k)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.ID != rec.ID {
		t.Fatalf("id changed: %d vs %d", got.ID, rec.ID)
	}
	if _, found, _ := log.Get(ctx, key("ev-missing", "c1")); found {
		t.Fatalf("missing key reported as found")
	}
}

func leased(t *testing.T, log store.DispatchLog) {
	ctx := context.Background()
	k := key("ev-2", "c1")
	if _, ok, err := log.Claim(ctx, k, base, time.Minute); !ok || err != nil {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	rec, ok, err := log.Claim(ctx, k, base.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("leased record must not be claimed twice")
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("attempt count moved without a claim: %d", rec.AttemptCount)
	}
}

func lapsed(t *testing.T, log store.DispatchLog) {
	ctx := context.Background()
	k := key("ev-3", "c1")
	if _, ok, err := log.Claim(ctx, k, base, time.Minute); !ok || err != nil {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	// crashed worker: the lease simply runs out
	rec, ok, err := log.Claim(ctx, k, base.Add(2*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("reclaim after lapse: ok=%v err=%v", ok, err)
	}
	if rec.AttemptCount != 2 {
		t.Fatalf("expected attempt 2, got %d", rec.AttemptCount)
	}

	// a released lease is claimable immediately
	if err := log.MarkPending(ctx, k, "rate limited", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	rec, ok, err = log.Claim(ctx, k, base.Add(2*time.Minute+time.Second), time.Minute)
	if err != nil || !ok || rec.AttemptCount != 3 {
		t.Fatalf("claim after release: ok=%v attempts=%d err=%v", ok, rec.AttemptCount, err)
	}
	if rec.ErrorMessage != "rate limited" {
		t.Fatalf("error message lost: %q", rec.ErrorMessage)
	}
}

func release(t *testing.T, log store.DispatchLog) {
	ctx := context.Background()
	k := key("ev-8", "c1")

	// five attempts abandoned before the send leave the budget untouched
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		rec, ok, err := log.Claim(ctx, k, at, time.Minute)
		if err != nil || !ok || rec.AttemptCount != 1 {
			t.Fatalf("claim %d: ok=%v attempts=%d err=%v", i+1, ok, rec.AttemptCount, err)
		}
		if err := log.Release(ctx, k, "context canceled", at); err != nil {
			t.Fatalf("release %d: %v", i+1, err)
		}
	}
	got, _, err := log.Get(ctx, k)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPending || got.AttemptCount != 0 || got.ClaimedUntil != nil {
		t.Fatalf("unexpected record after releases %+v", got)
	}
	if got.ErrorMessage != "context canceled" {
		t.Fatalf("error message %q", got.ErrorMessage)
	}

	// a real failure still counts
	if _, _, err := log.Claim(ctx, k, base.Add(time.Minute), time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := log.MarkPending(ctx, k, "502", base.Add(time.Minute)); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if got, _, _ := log.Get(ctx, k); got.AttemptCount != 1 {
		t.Fatalf("expected one counted attempt, got %d", got.AttemptCount)
	}

	// releasing a terminal record is a no-op
	if _, _, err := log.Claim(ctx, k, base.Add(2*time.Minute), time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := log.MarkSuccess(ctx, k, time.Millisecond, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if err := log.Release(ctx, k, "late", base.Add(3*time.Minute)); err != nil {
		t.Fatalf("late release: %v", err)
	}
	if got, _, _ := log.Get(ctx, k); got.Status != domain.StatusSuccess || got.AttemptCount != 2 {
		t.Fatalf("terminal record changed by release %+v", got)
	}
}

func terminal(t *testing.T, log store.DispatchLog) {
	ctx := context.Background()
	ok1, failed := key("ev-4", "c1"), key("ev-4", "c2")

	for _, k := range []domain.DispatchKey{ok1, failed} {
		if _, ok, err := log.Claim(ctx, k, base, time.Minute); !ok || err != nil {
			t.Fatalf("claim %v: %v %v", k, ok, err)
		}
	}
	if err := log.MarkSuccess(ctx, ok1, 250*time.Millisecond, base.Add(time.Second)); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if err := log.MarkFailed(ctx, failed, "unknown channel", base.Add(time.Second)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	rec, ok, err := log.Claim(ctx, ok1, base.Add(time.Hour), time.Minute)
	if err != nil || ok {
		t.Fatalf("success record reclaimed: ok=%v err=%v", ok, err)
	}
	if rec.Status != domain.StatusSuccess || rec.LatencyMs == nil || *rec.LatencyMs != 250 || rec.ErrorMessage != "" {
		t.Fatalf("unexpected success record %+v", rec)
	}

	rec, ok, err = log.Claim(ctx, failed, base.Add(time.Hour), time.Minute)
	if err != nil || ok {
		t.Fatalf("failed record reclaimed: ok=%v err=%v", ok, err)
	}
	if rec.Status != domain.StatusFailed || rec.ErrorMessage != "unknown channel" {
		t.Fatalf("unexpected failed record %+v", rec)
	}

	// late writers never overturn a terminal status
	if err := log.MarkPending(ctx, ok1, "late", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if got, _, _ := log.Get(ctx, ok1); got.Status != domain.StatusSuccess {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
}

func concurrent(t *testing.T, log store.DispatchLog) {
	ctx := context.Background()
	k := key("ev-5", "c1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := log.Claim(ctx, k, base, time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners)
	}
}

func listByEvent(t *testing.T, log store.DispatchLog) {
	ctx := context.Background()
	for _, c := range []string{"c2", "c1"} {
		if _, _, err := log.Claim(ctx, key("ev-6", c), base, time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	if _, _, err := log.Claim(ctx, key("ev-7", "c1"), base, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	recs, err := log.ListByEvent(ctx, "ev-6")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].TargetChannelID != "c1" || recs[1].TargetChannelID != "c2" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if err := log.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
