// Package metrics exposes Prometheus instruments for the chat channel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	MessagesAppended    prometheus.Counter
	AppendFailures      prometheus.Counter
	Deliveries          prometheus.Counter
	DuplicatesDropped   prometheus.Counter
	SeedOutcomes        *prometheus.CounterVec
	Reconnects          prometheus.Counter
	OpenChannels        prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
}

// New creates the instruments and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketchat_messages_appended_total",
			Help: "Messages persisted through the send pipeline.",
		}),
		AppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketchat_append_failures_total",
			Help: "Sends that ended in the failed state.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketchat_deliveries_total",
			Help: "Messages delivered to subscribers.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketchat_duplicates_dropped_total",
			Help: "Redelivered messages dropped at or below a subscriber cursor.",
		}),
		SeedOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketchat_seed_outcomes_total",
			Help: "Seed attempts by outcome.",
		}, []string{"outcome"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketchat_reconnects_total",
			Help: "Live subscription re-establishments after a lost stream.",
		}),
		OpenChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticketchat_open_channels",
			Help: "Channel handles currently held by the registry.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticketchat_active_subscriptions",
			Help: "Attached subscribers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesAppended,
			m.AppendFailures,
			m.Deliveries,
			m.DuplicatesDropped,
			m.SeedOutcomes,
			m.Reconnects,
			m.OpenChannels,
			m.ActiveSubscriptions,
		)
	}
	return m
}

func (m *Metrics) Appended() {
	if m != nil {
		m.MessagesAppended.Inc()
	}
}

func (m *Metrics) AppendFailed() {
	if m != nil {
		m.AppendFailures.Inc()
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.Deliveries.Inc()
	}
}

func (m *Metrics) DuplicateDropped() {
	if m != nil {
		m.DuplicatesDropped.Inc()
	}
}

func (m *Metrics) Seed(outcome string) {
	if m != nil {
		m.SeedOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) ChannelOpened() {
	if m != nil {
		m.OpenChannels.Inc()
	}
}

func (m *Metrics) ChannelDiscarded() {
	if m != nil {
		m.OpenChannels.Dec()
	}
}

func (m *Metrics) SubscriptionAdded() {
	if m != nil {
		m.ActiveSubscriptions.Inc()
	}
}

func (m *Metrics) SubscriptionRemoved() {
	if m != nil {
		m.ActiveSubscriptions.Dec()
	}
}
