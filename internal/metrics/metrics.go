// Package metrics exposes the process's Prometheus gauges and counters,
// following the promauto package-level-var convention of
// controlplane/internet-latency-collector/internal/metrics: callers
// just reference the vars, and main wires a /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vswitch_build_info",
		Help: "Build information of the validator switch daemon",
	}, []string{"version", "commit", "date"})

	PairActiveIndex = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vswitch_pair_active_index",
		Help: "Index (0 or 1) of the node currently holding the funded identity for a pair",
	}, []string{"pair"})

	VoteAgeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vswitch_vote_age_seconds",
		Help: "Seconds since the last observed vote-account slot advance for a pair",
	}, []string{"pair"})

	SSHProbeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vswitch_ssh_probe_failures_total",
		Help: "Total number of failed SSH health probes, by pair and node label",
	}, []string{"pair", "node"})

	RPCProbeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vswitch_rpc_probe_failures_total",
		Help: "Total number of failed RPC vote-account lookups, by pair",
	}, []string{"pair"})

	SwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vswitch_switches_total",
		Help: "Total number of switch attempts, by pair and final classification",
	}, []string{"pair", "classification"})

	SwitchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vswitch_switch_duration_seconds",
		Help:    "Wall-clock duration of a switch attempt, by pair",
		Buckets: prometheus.DefBuckets,
	}, []string{"pair"})

	AutoFailoverTriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vswitch_auto_failover_triggered_total",
		Help: "Total number of times the auto-failover gate fired for a pair",
	}, []string{"pair"})

	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vswitch_alerts_sent_total",
		Help: "Total number of alert messages sent, by kind and severity",
	}, []string{"kind", "severity"})
)
