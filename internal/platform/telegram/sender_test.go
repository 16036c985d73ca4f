package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/forwarder"
	"chatrelay/internal/relayerr"
)

func apiServer(t *testing.T, status int, body string, seen *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = r.URL.Path
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendMessage(t *testing.T) {
	var path string
	srv := apiServer(t, 200, `{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":-100123,"type":"supergroup"}}}`, &path)

	s, err := New("123:abc", srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(context.Background(), "-100123", forwarder.Message{Text: "<b>hi</b>"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasSuffix(path, "/sendMessage") {
		t.Fatalf("unexpected api path %q", path)
	}
}

func TestSendFloodIsRateLimited(t *testing.T) {
	srv := apiServer(t, 429, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`, nil)
	s, _ := New("123:abc", srv.URL, srv.Client())

	err := s.Send(context.Background(), "1", forwarder.Message{Text: "x"})
	if !relayerr.Is(err, relayerr.KindRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if relayerr.RetryAfterOf(err) != 5*time.Second {
		t.Fatalf("expected 5s hint, got %s", relayerr.RetryAfterOf(err))
	}
}

func TestSendServerErrorIsTransient(t *testing.T) {
	srv := apiServer(t, 502, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, nil)
	s, _ := New("123:abc", srv.URL, srv.Client())

	if err := s.Send(context.Background(), "1", forwarder.Message{Text: "x"}); !relayerr.Is(err, relayerr.KindTransientNetwork) {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestSendRejectsNonNumericChat(t *testing.T) {
	s, _ := New("123:abc", "http://127.0.0.1:0", nil)
	if err := s.Send(context.Background(), "general", forwarder.Message{Text: "x"}); !relayerr.Is(err, relayerr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(" ", "", nil); err == nil {
		t.Fatalf("expected error")
	}
}
