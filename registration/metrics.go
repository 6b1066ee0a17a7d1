package registration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RegistrationFacts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "registration",
		Name:      "fact",
		Help:      "Current value of tracked registration facts, 1 for true.",
	}, []string{"fact"})
	DelayedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "registration",
		Name:      "delayed_events",
		Help:      "Number of events waiting for their activation time.",
	})
	SkippedActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "registration",
		Name:      "skipped_actions_total",
		Help:      "Number of actions skipped because the same action is pending or recently mined.",
	}, []string{"action"})
)
