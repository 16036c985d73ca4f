package domain

import "time"

type DispatchStatus string

const (
	StatusPending DispatchStatus = "pending"
	StatusSuccess DispatchStatus = "success"
	StatusFailed  DispatchStatus = "failed"
)

func (s DispatchStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// DispatchKey identifies one delivery of one event to one destination.
type DispatchKey struct {
	EventID         string
	TargetPlatform  string
	TargetChannelID string
}

func (k DispatchKey) String() string {
	return k.EventID + "|" + k.TargetPlatform + "|" + k.TargetChannelID
}

func KeyFor(ev RawEvent, t Target) DispatchKey {
	return DispatchKey{EventID: ev.ID, TargetPlatform: t.Platform, TargetChannelID: t.ChannelID}
}

type DispatchRecord struct {
	ID              int64          `json:"id,string"`
	EventID         string         `json:"eventId"`
	TargetPlatform  string         `json:"targetPlatform"`
	TargetChannelID string         `json:"targetChannelId"`
	Status          DispatchStatus `json:"status"`
	AttemptCount    int            `json:"attemptCount"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	LatencyMs       *int64         `json:"latencyMs,omitempty"`
	ClaimedUntil    *time.Time     `json:"-"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (r DispatchRecord) Key() DispatchKey {
	return DispatchKey{EventID: r.EventID, TargetPlatform: r.TargetPlatform, TargetChannelID: r.TargetChannelID}
}
