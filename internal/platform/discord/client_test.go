package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/internal/forwarder"
	"chatrelay/internal/relayerr"
)

func TestSendPostsMessage(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody createMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	c := New("tok", srv.URL, srv.Client())
	err := c.Send(context.Background(), "42", forwarder.Message{
		AuthorName:     "alice",
		Text:           "hello",
		AttachmentURLs: []string{"https://cdn.example/a.png"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/channels/42/messages" || gotAuth != "Bot tok" {
		t.Fatalf("unexpected request %s %s", gotPath, gotAuth)
	}
	if gotBody.Content != "hello\nhttps://cdn.example/a.png" {
		t.Fatalf("unexpected content %q", gotBody.Content)
	}
	if len(gotBody.Embeds) != 1 || gotBody.Embeds[0].Author.Name != "alice" {
		t.Fatalf("author embed missing: %+v", gotBody.Embeds)
	}
	if gotBody.AllowedMentions.Parse == nil || len(gotBody.AllowedMentions.Parse) != 0 {
		t.Fatalf("mentions must be suppressed")
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   relayerr.Kind
		after  time.Duration
	}{
		{"rate limited", 429, `{"message":"You are being rate limited.","retry_after":1.5}`, relayerr.KindRateLimited, 1500 * time.Millisecond},
		{"bad token", 401, `{"message":"401: Unauthorized"}`, relayerr.KindConfiguration, 0},
		{"missing access", 403, `{"message":"Missing Access","code":50001}`, relayerr.KindConfiguration, 0},
		{"bad body", 400, `{"message":"Invalid Form Body"}`, relayerr.KindValidation, 0},
		{"upstream", 502, ``, relayerr.KindTransientNetwork, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := New("tok", srv.URL, srv.Client()).Send(context.Background(), "42", forwarder.Message{Text: "x"})
			if relayerr.KindOf(err) != tc.kind {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			if relayerr.RetryAfterOf(err) != tc.after {
				t.Fatalf("expected retry-after %s, got %s", tc.after, relayerr.RetryAfterOf(err))
			}
		})
	}
}

func TestSendNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New("tok", url, nil).Send(context.Background(), "42", forwarder.Message{Text: "x"})
	if !relayerr.Is(err, relayerr.KindTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestFactoryRejectsEmptyToken(t *testing.T) {
	if _, err := Factory("", nil)(forwarder.Credential{Name: "a"}); err == nil {
		t.Fatalf("expected error")
	}
}
