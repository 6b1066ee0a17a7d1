package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Ready = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "server",
		Name:      "ready",
		Help:      "Shows if the relay accepts relay requests.",
	})
	ReadinessTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "server",
		Name:      "readiness_transitions_total",
		Help:      "Number of ready state changes.",
	})
	Alerted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "server",
		Name:      "alerted",
		Help:      "Shows if relay requests are currently throttled after a paymaster rejection.",
	})
	LastScannedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "server",
		Name:      "last_scanned_block",
		Help:      "Last block whose events were processed.",
	})
	Balances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "server",
		Name:      "balance_wei",
		Help:      "Last observed balances of the relay accounts.",
	}, []string{"account"})
	GasFeeFloors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "server",
		Name:      "gas_fee_floor_wei",
		Help:      "Minimum gas fees accepted in relay requests.",
	}, []string{"fee"})
	RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "server",
		Name:      "relay_requests_total",
		Help:      "Number of handled relay requests by result.",
	}, []string{"result"})
)
