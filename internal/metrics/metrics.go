// Package metrics exposes the relay's Prometheus counters and gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame outcomes recorded by FrameReceived.
const (
	FrameAccepted    = "accepted"
	FrameInvalid     = "invalid"
	FrameRateLimited = "rate_limited"
)

// Collector implements the observer hooks of the chat, gateway and store layers.
// Room names are never used as labels; only the two route kinds are.
type Collector struct {
	connsOpen        *prometheus.GaugeVec
	framesReceived   *prometheus.CounterVec
	messagesRelayed  prometheus.Counter
	historyFailures  prometheus.Counter
	historyDropped   prometheus.Counter
	deliveryFailures *prometheus.CounterVec
	storeRetries     *prometheus.CounterVec
	rosterSize       prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ivochat_ws_connections_open",
			Help: "Open websocket connections by route.",
		}, []string{"route"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ivochat_ws_frames_received_total",
			Help: "Inbound websocket frames by route and outcome.",
		}, []string{"route", "outcome"}),
		messagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivochat_chat_messages_relayed_total",
			Help: "Chat frames fanned out to a room group.",
		}),
		historyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivochat_chat_history_write_failures_total",
			Help: "History appends that failed against the shared store.",
		}),
		historyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivochat_chat_history_dropped_total",
			Help: "History appends dropped because the writer queue was full or closed.",
		}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ivochat_group_delivery_failures_total",
			Help: "Frames a group member could not accept.",
		}, []string{"kind"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ivochat_store_retries_total",
			Help: "Shared store operations retried after a transient error.",
		}, []string{"op"}),
		rosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ivochat_presence_roster_size",
			Help: "Entries in the presence roster as last seen by this instance.",
		}),
	}

	reg.MustRegister(
		c.connsOpen,
		c.framesReceived,
		c.messagesRelayed,
		c.historyFailures,
		c.historyDropped,
		c.deliveryFailures,
		c.storeRetries,
		c.rosterSize,
	)
	return c
}

func (c *Collector) ConnOpened(route string) { c.connsOpen.WithLabelValues(route).Inc() }
func (c *Collector) ConnClosed(route string) { c.connsOpen.WithLabelValues(route).Dec() }

func (c *Collector) FrameReceived(route, outcome string) {
	c.framesReceived.WithLabelValues(route, outcome).Inc()
}

func (c *Collector) MessageRelayed(string)     { c.messagesRelayed.Inc() }
func (c *Collector) HistoryWriteFailed(string) { c.historyFailures.Inc() }
func (c *Collector) HistoryDropped(string)     { c.historyDropped.Inc() }

// DeliveryFailed takes a group name and folds it to "presence" or "room".
func (c *Collector) DeliveryFailed(group string) {
	kind := "room"
	if group == "presence" {
		kind = "presence"
	}
	c.deliveryFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) StoreRetry(op string, _ error) { c.storeRetries.WithLabelValues(op).Inc() }

func (c *Collector) RosterSize(n int) { c.rosterSize.Set(float64(n)) }

// Handler serves the scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
