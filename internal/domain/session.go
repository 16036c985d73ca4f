package domain

import "time"

type SessionStatus string

const (
	SessionConnecting     SessionStatus = "connecting"
	SessionAuthenticating SessionStatus = "authenticating"
	SessionOnline         SessionStatus = "online"
	SessionDegraded       SessionStatus = "degraded"
	SessionReconnecting   SessionStatus = "reconnecting"
	SessionStopped        SessionStatus = "stopped"
	SessionFailed         SessionStatus = "failed"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// SessionState is a point-in-time copy; the owning session never hands out
// its live struct.
type SessionState struct {
	AccountID       string        `json:"accountId"`
	Status          SessionStatus `json:"status"`
	ReconnectCount  int           `json:"reconnectCount"`
	QualityScore    int           `json:"qualityScore"`
	LastHeartbeatAt time.Time     `json:"lastHeartbeatAt"`
	LastEventAt     time.Time     `json:"lastEventAt"`
	LastError       string        `json:"lastError,omitempty"`
}
