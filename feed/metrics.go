// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package feed

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sofa_feed"

// Collector is a prometheus.Collector that collects metrics about feed
// watchers. One Collector may be shared by many watchers; every metric is
// labelled with the database name.
type Collector struct {
	events          *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	connectAttempts *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	state           *prometheus.GaugeVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "The number of change events handled.",
			}, []string{"database"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "bytes_total",
				Help:      "The number of response body bytes read.",
			}, []string{"database"},
		),
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connect_attempts_total",
				Help:      "The number of attempts to open the feed.",
			}, []string{"database"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconnects_total",
				Help:      "The number of times an idle feed was reopened.",
			}, []string{"database"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "state",
				Help:      "Set to 1 for the current state of the watcher.",
			}, []string{"database", "state"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.events.Describe(ch)
	c.bytes.Describe(ch)
	c.connectAttempts.Describe(ch)
	c.reconnects.Describe(ch)
	c.state.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.events.Collect(ch)
	c.bytes.Collect(ch)
	c.connectAttempts.Collect(ch)
	c.reconnects.Collect(ch)
	c.state.Collect(ch)
}

// The methods below are no-ops on a nil Collector.

func (c *Collector) eventHandled(db string) {
	if c != nil {
		c.events.WithLabelValues(db).Inc()
	}
}

func (c *Collector) bytesRead(db string, n int) {
	if c != nil {
		c.bytes.WithLabelValues(db).Add(float64(n))
	}
}

func (c *Collector) connectAttempt(db string) {
	if c != nil {
		c.connectAttempts.WithLabelValues(db).Inc()
	}
}

func (c *Collector) reconnect(db string) {
	if c != nil {
		c.reconnects.WithLabelValues(db).Inc()
	}
}

func (c *Collector) setState(db string, current State) {
	if c == nil {
		return
	}
	for _, state := range allStates {
		value := 0.0
		if state == current {
			value = 1
		}
		c.state.WithLabelValues(db, string(state)).Set(value)
	}
}
