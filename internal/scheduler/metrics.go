package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requestsSentVec      *prometheus.CounterVec
	repliesDepositedVec  *prometheus.CounterVec
	recvsPolledVec       *prometheus.CounterVec
	readyWaitSecondsVec  *prometheus.HistogramVec
	reqBufOverflowVec    *prometheus.CounterVec
)

func registerMetrics() {
	registerOnce.Do(func() {
		requestsSentVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "occtrans",
			Subsystem: "scheduler",
			Name:      "requests_sent_total",
			Help:      "RPC requests handed to append_pending_req, by worker.",
		}, []string{"worker_id"})
		repliesDepositedVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "occtrans",
			Subsystem: "scheduler",
			Name:      "replies_deposited_total",
			Help:      "RESP frames deposited into a coroutine's reply slot, by worker.",
		}, []string{"worker_id"})
		recvsPolledVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "occtrans",
			Subsystem: "scheduler",
			Name:      "recvs_polled_total",
			Help:      "Messages drained by poll_recvs across all connections, by worker.",
		}, []string{"worker_id"})
		readyWaitSecondsVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "occtrans",
			Subsystem: "scheduler",
			Name:      "yield_until_ready_seconds",
			Help:      "Time a coroutine spent blocked in yield_until_ready.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker_id"})
		reqBufOverflowVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "occtrans",
			Subsystem: "scheduler",
			Name:      "reply_fanin_overflow_total",
			Help:      "Reply deposits that exceeded the prepared fan-in count (protocol violation).",
		}, []string{"worker_id"})
		prometheus.MustRegister(requestsSentVec, repliesDepositedVec, recvsPolledVec, readyWaitSecondsVec, reqBufOverflowVec)
	})
}

// metrics is the set of prometheus instruments bound to a single
// scheduler's worker_id label.
type metrics struct {
	requestsSent     prometheus.Counter
	repliesDeposited prometheus.Counter
	recvsPolled      prometheus.Counter
	readyWaitSeconds prometheus.Observer
	fanInOverflow    prometheus.Counter
}

func newMetrics(workerID string) *metrics {
	registerMetrics()
	return &metrics{
		requestsSent:     requestsSentVec.WithLabelValues(workerID),
		repliesDeposited: repliesDepositedVec.WithLabelValues(workerID),
		recvsPolled:      recvsPolledVec.WithLabelValues(workerID),
		readyWaitSeconds: readyWaitSecondsVec.WithLabelValues(workerID),
		fanInOverflow:    reqBufOverflowVec.WithLabelValues(workerID),
	}
}
