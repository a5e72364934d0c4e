// Package metrics holds the Prometheus collectors of the client and the
// relay. Collectors are registered on a caller-supplied registry so tests
// and the two commands never share global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client metrics, owned by the coordinator.
type Client struct {
	MalformedSignals  prometheus.Counter
	MessagesAppended  prometheus.Counter
	MessageDuplicates prometheus.Counter
	MessagesRejected  *prometheus.CounterVec // by event: "message", "snapshot", "send"
	Snapshots         prometheus.Counter
	CallsStarted      *prometheus.CounterVec // by role
	CallsEnded        *prometheus.CounterVec // by ended_by
	Connected         prometheus.Gauge
}

func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		MalformedSignals: f.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_malformed_signals_total",
			Help: "Inbound signal payloads dropped because they could not be parsed",
		}),
		MessagesAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_messages_appended_total",
			Help: "Messages added to the timeline",
		}),
		MessageDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_message_duplicates_total",
			Help: "Live messages ignored because the timeline already had their id",
		}),
		MessagesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_messages_rejected_total",
			Help: "Messages that failed validation",
		}, []string{"event"}),
		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_snapshots_total",
			Help: "Timeline snapshots merged",
		}),
		CallsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_calls_started_total",
			Help: "Calls created",
		}, []string{"role"}),
		CallsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_calls_ended_total",
			Help: "Calls ended",
		}, []string{"ended_by"}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_relay_connected",
			Help: "1 while the relay channel is connected",
		}),
	}
}

// Relay metrics, owned by the relay hub.
type Relay struct {
	Peers              prometheus.Gauge
	MessagesRelayed    prometheus.Counter
	MessagesRejected   prometheus.Counter
	SignalsForwarded   *prometheus.CounterVec // by type
	SignalsUndelivered prometheus.Counter
	HistoryLatency     prometheus.Histogram
}

func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "relaychat_relay_peers",
			Help: "Connected peers",
		}),
		MessagesRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_relay_messages_total",
			Help: "Chat messages accepted and broadcast",
		}),
		MessagesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_relay_messages_rejected_total",
			Help: "Chat messages rejected by validation",
		}),
		SignalsForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_relay_signals_total",
			Help: "Call signals forwarded between peers",
		}, []string{"type"}),
		SignalsUndelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_relay_signals_undelivered_total",
			Help: "Call signals addressed to a peer that is not connected",
		}),
		HistoryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaychat_relay_history_seconds",
			Help:    "History backend operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
