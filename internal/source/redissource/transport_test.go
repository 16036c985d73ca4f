package redissource

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain"
	"chatrelay/internal/relayerr"
)

func setup(t *testing.T) (*miniredis.Miniredis, *Transport) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client)
}

func TestAuthenticateReflectsSidecarState(t *testing.T) {
	mr, tr := setup(t)
	ctx := context.Background()
	c, err := tr.Dial(ctx, "acct")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Authenticate(ctx); !relayerr.Is(err, relayerr.KindTransientNetwork) {
		t.Fatalf("missing auth key should be transient, got %v", err)
	}
	mr.Set("relay:source:acct:auth", "ok")
	if err := c.Authenticate(ctx); err != nil {
		t.Fatalf("ok auth: %v", err)
	}
	mr.Set("relay:source:acct:auth", "expired")
	if err := c.Authenticate(ctx); !relayerr.Is(err, relayerr.KindAuthExpired) {
		t.Fatalf("expected auth expired, got %v", err)
	}
	mr.Set("relay:source:acct:auth", "revoked")
	if err := c.Authenticate(ctx); !relayerr.Is(err, relayerr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNextEventDecodesPublishedEvents(t *testing.T) {
	mr, tr := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := tr.Dial(ctx, "acct")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	b, _ := json.Marshal(domain.RawEvent{ID: "m1", ChannelID: "c1", Content: "hi"})
	mr.Publish("relay:source:acct:events", "{not json")
	mr.Publish("relay:source:acct:events", string(b))
	mr.Publish("relay:source:acct:control", "auth_expired")

	if _, err := c.NextEvent(ctx); !relayerr.Is(err, relayerr.KindValidation) {
		t.Fatalf("malformed payload should be a validation error, got %v", err)
	}
	ev, err := c.NextEvent(ctx)
	if err != nil || ev.ID != "m1" || ev.Content != "hi" {
		t.Fatalf("unexpected event %+v err=%v", ev, err)
	}
	if _, err := c.NextEvent(ctx); !relayerr.Is(err, relayerr.KindAuthExpired) {
		t.Fatalf("expected auth expired control notice, got %v", err)
	}
}

func TestHeartbeatDetectsRevocation(t *testing.T) {
	mr, tr := setup(t)
	ctx := context.Background()
	c, err := tr.Dial(ctx, "acct")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	mr.Set("relay:source:acct:auth", "ok")
	if _, err := c.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	mr.Set("relay:source:acct:auth", "revoked")
	if _, err := c.Heartbeat(ctx); !relayerr.Is(err, relayerr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	mr.Close()
	if _, err := c.Heartbeat(ctx); !relayerr.Is(err, relayerr.KindTransientNetwork) {
		t.Fatalf("expected transient error with redis down, got %v", err)
	}
}
