package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// QueueEnvelope is the queue-level wrapper around a RawEvent.
type QueueEnvelope struct {
	EventID      string     `json:"eventId"`
	EnqueuedAt   time.Time  `json:"enqueuedAt"`
	AttemptCount int        `json:"attemptCount"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	Payload      RawEvent   `json:"payload"`
}

var ErrCorruptEnvelope = errors.New("corrupt envelope")

func NewEnvelope(ev RawEvent, now time.Time) QueueEnvelope {
	return QueueEnvelope{
		EventID:    ev.ID,
		EnqueuedAt: now.UTC(),
		Payload:    ev,
	}
}

// Retry returns a copy for re-enqueue with the attempt counter advanced.
func (e QueueEnvelope) Retry(now time.Time, delay time.Duration) QueueEnvelope {
	out := e
	out.AttemptCount = e.AttemptCount + 1
	out.EnqueuedAt = now.UTC()
	if delay > 0 {
		at := now.Add(delay).UTC()
		out.NextRetryAt = &at
	} else {
		out.NextRetryAt = nil
	}
	return out
}

// Delay is how long until the envelope is due, never negative.
func (e QueueEnvelope) Delay(now time.Time) time.Duration {
	if e.NextRetryAt == nil {
		return 0
	}
	if d := e.NextRetryAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (e QueueEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope rejects partially written or structurally broken entries.
func DecodeEnvelope(b []byte) (QueueEnvelope, error) {
	var env QueueEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return QueueEnvelope{}, errors.Join(ErrCorruptEnvelope, err)
	}
	if env.EventID == "" || env.Payload.ID == "" || env.EventID != env.Payload.ID {
		return QueueEnvelope{}, ErrCorruptEnvelope
	}
	if env.AttemptCount < 0 {
		return QueueEnvelope{}, ErrCorruptEnvelope
	}
	return env, nil
}
