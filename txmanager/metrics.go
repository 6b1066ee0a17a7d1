package txmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SentTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "txmanager",
		Name:      "sent_transactions_total",
		Help:      "Number of new transactions signed and broadcast, by server action.",
	}, []string{"action"})
	BoostedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "txmanager",
		Name:      "boosted_transactions_total",
		Help:      "Number of pending transactions resubmitted with a raised gas price, by server action.",
	}, []string{"action"})
)
