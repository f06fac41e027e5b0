// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiattend_heartbeats_total",
		Help: "Device heartbeats received, by outcome.",
	}, []string{"outcome"})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifiattend_sessions_started_total",
		Help: "Network sessions started.",
	})

	SessionStartConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifiattend_session_start_conflicts_total",
		Help: "Session starts rejected because the device already backs an active session.",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiattend_sessions_ended_total",
		Help: "Network sessions ended, by reason.",
	}, []string{"reason"})

	PresenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiattend_presence_events_total",
		Help: "Client association events, by kind.",
	}, []string{"kind"})

	AttendanceMarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifiattend_attendance_marks_total",
		Help: "Attendance mark attempts, by outcome.",
	}, []string{"outcome"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifiattend_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
)
