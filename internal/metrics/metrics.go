package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qrattendance"

var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_total",
		Help:      "QR scans processed, by result.",
	}, []string{"result"})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Attendance sessions opened.",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Attendance sessions closed, by trigger.",
	}, []string{"trigger"})

	QRIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "qr_tokens_issued_total",
		Help:      "QR tokens issued.",
	})

	BulkMarked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bulk_mark_students_total",
		Help:      "Students processed by bulk mark, by outcome.",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
