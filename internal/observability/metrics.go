package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_api_requests_total", Help: "Ops API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_enqueue_total", Help: "Durable queue enqueue results"},
		[]string{"result"}, // primary | fallback | error
	)
	JournalBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "relay_journal_backlog_segments", Help: "Fallback journal segments awaiting reconciliation"},
	)
	Reconciled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_journal_reconciled_total", Help: "Envelopes moved from the fallback journal to the primary"},
	)
	CorruptEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_queue_corrupt_total", Help: "Malformed queue entries skipped"},
		[]string{"source"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_dispatch_total", Help: "Dispatch outcomes per destination"},
		[]string{"platform", "result"}, // success | retry | failed | duplicate | dropped
	)
	SendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "relay_send_latency_seconds", Help: "Forwarder send latency"},
		[]string{"platform"},
	)
	RateLimitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "relay_rate_limit_wait_seconds", Help: "Time spent waiting for a token"},
		[]string{"platform"},
	)
	PoolMemberState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_pool_member_state", Help: "Circuit state per pool member (0 closed, 1 half-open, 2 open)"},
		[]string{"platform", "member"},
	)
	PoolSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_pool_sends_total", Help: "Sends per pool member"},
		[]string{"platform", "member", "result"},
	)
	SessionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_session_status", Help: "1 for the current status of each source session"},
		[]string{"account", "status"},
	)
	SessionQuality = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_session_quality", Help: "Session quality score (0-100)"},
		[]string{"account"},
	)
	SessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_session_events_total", Help: "Events pushed by source sessions"},
		[]string{"account"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Enqueues, JournalBacklog, Reconciled, CorruptEntries,
		Dispatches, SendLatency, RateLimitWait,
		PoolMemberState, PoolSends,
		SessionStatus, SessionQuality, SessionEvents,
	)
}
