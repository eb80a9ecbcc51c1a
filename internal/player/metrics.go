package player

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionConnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freespot_session_connects_total",
			Help: "Total number of dealer session establishment attempts",
		},
	)
	sessionFaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freespot_session_faults_total",
			Help: "Total number of dealer sessions that ended in a fault",
		},
	)
	dealerDeltasTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freespot_dealer_deltas_total",
			Help: "Total number of state deltas projected from the dealer socket",
		},
	)
	snapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "freespot_snapshots_total",
			Help: "Total number of playback snapshots projected from the REST surface",
		},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freespot_commands_total",
			Help: "Total number of playback commands dispatched",
		},
		[]string{"endpoint", "status"},
	)
	registrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "freespot_device_registry_size",
			Help: "Number of visible devices in the Connect registry",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sessionConnectsTotal,
		sessionFaultsTotal,
		dealerDeltasTotal,
		snapshotsTotal,
		commandsTotal,
		registrySize,
	)
}
