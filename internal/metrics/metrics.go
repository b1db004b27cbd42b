package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrouter_messages_total",
			Help: "Messages entering the router by direction.",
		},
		[]string{"direction", "type"},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrouter_dispatch_total",
			Help: "Handler tasks enqueued by band.",
		},
		[]string{"band"},
	)

	DispatchDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrouter_dispatch_dropped_total",
			Help: "Messages dropped at dispatch by reason.",
		},
		[]string{"reason"},
	)

	ForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrouter_forwarded_total",
			Help: "Frames forwarded to peer routers.",
		},
		[]string{"peer"},
	)

	FrameErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrouter_frame_errors_total",
			Help: "Frame encode/decode failures by stage.",
		},
		[]string{"stage"},
	)

	SessionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrouter_session_retries_total",
			Help: "Duplicate session opens answered from the idempotence cache.",
		},
	)

	SessionTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrouter_session_timeouts_total",
			Help: "Sessions terminated by inactivity or query timeout.",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgrouter_sessions_active",
			Help: "Server sessions currently open.",
		},
	)

	ReceiptsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrouter_receipts_expired_total",
			Help: "Tracked messages whose receipt never arrived.",
		},
	)

	DeadRoutersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrouter_dead_routers_total",
			Help: "Dead-router detections.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgrouter_queue_depth",
			Help: "Worker queue depth by band.",
		},
		[]string{"band"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		MessagesTotal,
		DispatchTotal,
		DispatchDroppedTotal,
		ForwardedTotal,
		FrameErrorsTotal,
		SessionRetriesTotal,
		SessionTimeoutsTotal,
		SessionsActive,
		ReceiptsExpiredTotal,
		DeadRoutersTotal,
		QueueDepth,
	)
}
