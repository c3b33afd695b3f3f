package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runtime counters for the connection layer. Registered on the default
// registerer; exposing them over HTTP is left to the embedding process.
var (
	MsgsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrorng", Subsystem: "connection", Name: "messages_received_total",
		Help: "Messages dispatched to handlers.",
	}, []string{"transport"})

	MsgsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrorng", Subsystem: "connection", Name: "messages_sent_total",
		Help: "Messages submitted to the transport.",
	}, []string{"transport"})

	MsgsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrorng", Subsystem: "connection", Name: "messages_dropped_total",
		Help: "Inbound messages dropped (unknown type key or auth gate).",
	}, []string{"reason"})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrorng", Subsystem: "connection", Name: "handler_panics_total",
		Help: "Handler panics recovered by the read loop.",
	})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrorng", Subsystem: "connection", Name: "decode_errors_total",
		Help: "Malformed frames, fatal to their connection.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mirrorng", Subsystem: "server", Name: "active_connections",
		Help: "Connections currently in the server's active set.",
	})

	CapacityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrorng", Subsystem: "server", Name: "capacity_rejections_total",
		Help: "Inbound peers rejected because the server was full.",
	})
)
