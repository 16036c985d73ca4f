// Package status publishes session and pool-member health reports.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	KindSession    = "session"
	KindPoolMember = "pool_member"
)

// Report is one health snapshot. Session reports carry AccountID and
// QualityScore; pool member reports carry Platform, MemberID and SendCount.
type Report struct {
	Kind           string    `json:"kind"`
	AccountID      string    `json:"accountId,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	MemberID       string    `json:"memberId,omitempty"`
	Status         string    `json:"status"`
	QualityScore   *int      `json:"qualityScore,omitempty"`
	ReconnectCount int       `json:"reconnectCount,omitempty"`
	SendCount      int64     `json:"sendCount,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Key groups reports of the same subject.
func (r Report) Key() string {
	if r.Kind == KindPoolMember {
		return r.Platform + "/" + r.MemberID
	}
	return r.AccountID
}

type Sink interface {
	Publish(ctx context.Context, r Report) error
}

// LogSink writes reports as structured log lines; reports with an error
// are logged at error level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, r Report) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"kind", r.Kind,
		"subject", r.Key(),
		"status", r.Status,
	}
	if r.QualityScore != nil {
		attrs = append(attrs, "quality_score", *r.QualityScore, "reconnect_count", r.ReconnectCount)
	}
	if r.Kind == KindPoolMember {
		attrs = append(attrs, "send_count", r.SendCount)
	}
	if r.Error != "" {
		logger.ErrorContext(ctx, "status report", append(attrs, "error", r.Error)...)
		return nil
	}
	logger.InfoContext(ctx, "status report", attrs...)
	return nil
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, r Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
