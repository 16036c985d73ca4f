// Package redissource is a session.Transport fed through Redis by the
// browser automation sidecar. For each account the sidecar publishes
// normalized events on relay:source:{account}:events, control notices
// ("auth_expired", "revoked") on relay:source:{account}:control, and keeps
// relay:source:{account}:auth set to ok, expired or revoked.
package redissource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain"
	"chatrelay/internal/relayerr"
	"chatrelay/internal/session"
)

const (
	authOK      = "ok"
	authExpired = "expired"
	authRevoked = "revoked"
)

func eventsChannel(account string) string  { return "relay:source:" + account + ":events" }
func controlChannel(account string) string { return "relay:source:" + account + ":control" }
func authKey(account string) string        { return "relay:source:" + account + ":auth" }

type Transport struct {
	Client *redis.Client
}

var _ session.Transport = (*Transport)(nil)

func New(client *redis.Client) *Transport { return &Transport{Client: client} }

func (t *Transport) Dial(ctx context.Context, accountID string) (session.Conn, error) {
	ps := t.Client.Subscribe(ctx, eventsChannel(accountID), controlChannel(accountID))
	// wait for both subscription confirmations so nothing published after
	// Dial returns is missed
	for i := 0; i < 2; i++ {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, relayerr.Transient("source.dial", err)
		}
	}
	return &conn{client: t.Client, account: accountID, ps: ps}, nil
}

type conn struct {
	client  *redis.Client
	account string
	ps      *redis.PubSub
}

func (c *conn) Authenticate(ctx context.Context) error {
	v, err := c.client.Get(ctx, authKey(c.account)).Result()
	if errors.Is(err, redis.Nil) {
		return relayerr.Transient("source.auth", fmt.Errorf("sidecar has not authenticated %s yet", c.account))
	}
	if err != nil {
		return relayerr.Transient("source.auth", err)
	}
	return authError(v)
}

func authError(v string) error {
	switch strings.TrimSpace(v) {
	case authOK:
		return nil
	case authExpired:
		return relayerr.AuthExpired("source.auth", errors.New("source session expired"))
	case authRevoked:
		return relayerr.Configuration("source.auth", errors.New("source credentials revoked"))
	default:
		return relayerr.Transient("source.auth", fmt.Errorf("unknown auth state %q", v))
	}
}

func (c *conn) NextEvent(ctx context.Context) (domain.RawEvent, error) {
	msg, err := c.ps.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.RawEvent{}, ctx.Err()
		}
		return domain.RawEvent{}, relayerr.Transient("source.read", err)
	}

	if msg.Channel == controlChannel(c.account) {
		switch strings.TrimSpace(msg.Payload) {
		case "auth_expired":
			return domain.RawEvent{}, relayerr.AuthExpired("source.read", errors.New("sidecar reported expired session"))
		case authRevoked:
			return domain.RawEvent{}, relayerr.Configuration("source.read", errors.New("sidecar reported revoked credentials"))
		default:
			return domain.RawEvent{}, relayerr.Validation("source.read", fmt.Errorf("unknown control notice %q", msg.Payload))
		}
	}

	var ev domain.RawEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return domain.RawEvent{}, relayerr.Validation("source.read", err)
	}
	if ev.ID == "" {
		return domain.RawEvent{}, relayerr.Validation("source.read", domain.ErrMissingFields)
	}
	return ev, nil
}

// Heartbeat round-trips a PING and re-reads the auth state in one pipeline.
func (c *conn) Heartbeat(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var auth *redis.StringCmd
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Ping(ctx)
		auth = p.Get(ctx, authKey(c.account))
		return nil
	})
	rtt := time.Since(start)
	if err != nil && !errors.Is(err, redis.Nil) {
		return rtt, relayerr.Transient("source.heartbeat", err)
	}
	if v, err := auth.Result(); err == nil {
		if aerr := authError(v); aerr != nil && !relayerr.Is(aerr, relayerr.KindTransientNetwork) {
			return rtt, aerr
		}
	}
	return rtt, nil
}

func (c *conn) Close() error { return c.ps.Close() }
