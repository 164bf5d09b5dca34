package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "triviape"

var (
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_live",
		Help:      "Sessions held in memory, including terminal sessions in their retention window.",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Sessions that reached a terminal state, by state.",
	}, []string{"state"})

	AnswersEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_evaluated_total",
		Help:      "Accepted answer submissions, by correctness.",
	}, []string{"correct"})

	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_open",
		Help:      "Authenticated websocket connections.",
	})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time to process a client command, by command and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command", "outcome"})
)
