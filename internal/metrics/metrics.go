// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relayhub"

// Results used as label values
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
)

// Command sources
const (
	SourceScheduler = "scheduler"
	SourceAPI       = "api"
)

var (
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Inbound bus messages by topic and dispatch result.",
		},
		[]string{"topic", "result"},
	)

	CommandsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_commands_total",
			Help:      "Relay commands handed to the bus by source and action.",
		},
		[]string{"source", "action"},
	)

	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler evaluation passes by result.",
		},
		[]string{"result"},
	)

	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of scheduler evaluation passes.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	LiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_clients",
			Help:      "Open live-update connections.",
		},
	)

	ConnectedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_devices",
			Help:      "Devices seen on the bus since startup.",
		},
	)
)
