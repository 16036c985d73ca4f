package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/forwarder"
)

type fakeSessions []domain.SessionState

func (f fakeSessions) States() []domain.SessionState { return f }

type fakePools []forwarder.Stats

func (f fakePools) Stats() []forwarder.Stats { return f }

type fakeDispatch struct {
	recs map[string][]domain.DispatchRecord
	err  error
}

func (f fakeDispatch) ListByEvent(_ context.Context, id string) ([]domain.DispatchRecord, error) {
	return f.recs[id], f.err
}

func newTestServer(d fakeDispatch) *Server {
	srv := New()
	api := &API{
		Sessions: fakeSessions{
			{AccountID: "acct-a", Status: domain.SessionOnline, QualityScore: 92},
			{AccountID: "acct-b", Status: domain.SessionReconnecting, ReconnectCount: 2},
		},
		Pools:    fakePools{{Platform: "discord", MemberCount: 2}},
		Dispatch: d,
	}
	api.Register(srv.Mux)
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSessionsEndpoint(t *testing.T) {
	srv := newTestServer(fakeDispatch{})

	rec := get(t, srv, "/v1/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got []domain.SessionState
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].AccountID != "acct-a" || got[0].QualityScore != 92 {
		t.Fatalf("unexpected sessions: %+v", got)
	}

	if rec := get(t, srv, "/v1/sessions/acct-b"); rec.Code != http.StatusOK {
		t.Fatalf("single session status=%d", rec.Code)
	}
	if rec := get(t, srv, "/v1/sessions/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status=%d", rec.Code)
	}
}

func TestPoolsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(fakeDispatch{}), "/v1/pools")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got []forwarder.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Platform != "discord" || got[0].MemberCount != 2 {
		t.Fatalf("unexpected pools: %+v", got)
	}
}

func TestDispatchEndpoint(t *testing.T) {
	srv := newTestServer(fakeDispatch{recs: map[string][]domain.DispatchRecord{
		"evt-1": {{ID: 7, EventID: "evt-1", TargetPlatform: "telegram", TargetChannelID: "-100", Status: domain.StatusSuccess, AttemptCount: 1}},
	}})

	rec := get(t, srv, "/v1/dispatch/evt-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got []domain.DispatchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != 7 || got[0].Status != domain.StatusSuccess {
		t.Fatalf("unexpected records: %+v", got)
	}

	if rec := get(t, srv, "/v1/dispatch/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown event status=%d", rec.Code)
	}
}

func TestDispatchEndpointStoreError(t *testing.T) {
	srv := newTestServer(fakeDispatch{err: errors.New("db down")})
	if rec := get(t, srv, "/v1/dispatch/evt-1"); rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	rec := httptest.NewRecorder()
	Readyz(time.Second, ok, ok)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Readyz(time.Second, ok, down)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready status=%d", rec.Code)
	}
}

func TestReadyzHonoursTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	rec := httptest.NewRecorder()
	start := time.Now()
	Readyz(50*time.Millisecond, slow)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	if time.Since(start) > time.Second {
		t.Fatal("readiness check was not bounded by the timeout")
	}
}

func TestMetricsServedOnlyOnMetricsListener(t *testing.T) {
	if rec := get(t, newTestServer(fakeDispatch{}), "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("ops router should not serve metrics, status=%d", rec.Code)
	}

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected runtime metrics in exposition")
	}
}
