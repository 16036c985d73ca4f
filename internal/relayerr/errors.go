// Package relayerr classifies failures so the dispatch worker can decide
// between retry and dead-letter without knowing which component failed.
package relayerr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindTransientNetwork  Kind = "transient_network"
	KindRateLimited       Kind = "rate_limited"
	KindAuthExpired       Kind = "auth_expired"
	KindConfiguration     Kind = "configuration"
	KindValidation        Kind = "validation"
	KindResourceExhausted Kind = "resource_exhausted"
)

// Error carries the kind and the pipeline stage that produced it.
type Error struct {
	Kind       Kind
	Stage      string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func Transient(stage string, err error) error { return New(KindTransientNetwork, stage, err) }

// RateLimited wraps err with an optional server-provided backoff hint.
func RateLimited(stage string, err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{Kind: KindRateLimited, Stage: stage, RetryAfter: retryAfter, Err: err}
}

func AuthExpired(stage string, err error) error   { return New(KindAuthExpired, stage, err) }
func Configuration(stage string, err error) error { return New(KindConfiguration, stage, err) }
func Validation(stage string, err error) error    { return New(KindValidation, stage, err) }
func Exhausted(stage string, err error) error     { return New(KindResourceExhausted, stage, err) }

// KindOf returns the outermost classified kind. Unclassified errors are
// transient: the worker bounds their retries with its dead-letter threshold.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransientNetwork
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsRetryable reports whether a message-level retry may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the largest backoff hint found in the chain.
func RetryAfterOf(err error) time.Duration {
	var hint time.Duration
	for err != nil {
		var re *Error
		if !errors.As(err, &re) {
			break
		}
		if re.RetryAfter > hint {
			hint = re.RetryAfter
		}
		err = re.Err
	}
	return hint
}

// StageOf returns the stage of the outermost classified error.
func StageOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}
