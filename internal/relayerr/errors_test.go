package relayerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("dispatch: %w", Configuration("forwarder.send", base))

	if got := KindOf(err); got != KindConfiguration {
		t.Fatalf("expected configuration, got %q", got)
	}
	if IsRetryable(err) {
		t.Fatalf("configuration errors must not be retryable")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected unwrap to reach base error")
	}
	if StageOf(err) != "forwarder.send" {
		t.Fatalf("unexpected stage %q", StageOf(err))
	}
}

func TestRetryableKinds(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Transient("x", errors.New("reset")), true},
		{RateLimited("x", errors.New("429"), time.Second), true},
		{AuthExpired("x", errors.New("401")), false},
		{Validation("x", errors.New("bad")), false},
		{Exhausted("x", errors.New("disk")), false},
		{context.DeadlineExceeded, true},
		{errors.New("unclassified"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestUnclassifiedErrorsAreTransient(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "discord.com", IsTimeout: true}
	for _, err := range []error{
		context.DeadlineExceeded,
		fmt.Errorf("post: %w", dnsErr),
		errors.New("unexpected EOF"),
	} {
		if got := KindOf(err); got != KindTransientNetwork {
			t.Fatalf("KindOf(%v) = %q, want transient", err, got)
		}
	}
	// a classification further out wins over the raw cause
	if got := KindOf(Validation("x", context.DeadlineExceeded)); got != KindValidation {
		t.Fatalf("classified wrapper ignored: %q", got)
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", RateLimited("discord", errors.New("slow down"), 3*time.Second))
	if got := RetryAfterOf(err); got != 3*time.Second {
		t.Fatalf("expected 3s hint, got %s", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Fatalf("expected no hint, got %s", got)
	}
}

func TestNewNil(t *testing.T) {
	if New(KindValidation, "x", nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
	if RateLimited("x", nil, time.Second) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
