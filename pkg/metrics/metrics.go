// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

var (
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_opened_total",
		Help:      "Client connections accepted",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_closed_total",
		Help:      "Sessions ended, by close reason",
	}, []string{"reason"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Connections currently being served",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Inbound messages that passed framing and checksum, by MsgType",
	}, []string{"msg_type"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Inbound frames rejected by the codec, by kind",
	}, []string{"kind"})

	OrdersAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_accepted_total",
		Help:      "Orders inserted into the book, by side",
	}, []string{"side"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_rejected_total",
		Help:      "Order requests rejected, by reject code",
	}, []string{"code"})

	StoreApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_applies_total",
		Help:      "Index store updates, by operation and result",
	}, []string{"op", "result"})

	StoreApplySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_apply_seconds",
		Help:      "Time spent in one index store update, lock wait included",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16),
	}, []string{"op"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Order events dropped because the forwarding queue was full",
	})

	MessageLogErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_log_errors_total",
		Help:      "Frames that could not be written to the message log",
	})
)
