package devserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parleyd",
		Name:      "stream_sessions",
		Help:      "Currently attached stream sessions.",
	})

	metricFramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parleyd",
		Name:      "stream_frames_broadcast_total",
		Help:      "Frames broadcast to stream sessions, by frame type.",
	}, []string{"type"})

	metricMessagesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parleyd",
		Name:      "messages_created_total",
		Help:      "Messages durably created.",
	})
)
