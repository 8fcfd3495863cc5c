package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onesub_ledger_mutations_total",
		Help: "Ledger mutations by kind and outcome.",
	}, []string{"kind", "outcome"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onesub_webhook_events_total",
		Help: "Inbound payment events by type and outcome.",
	}, []string{"type", "outcome"})

	EntitlementLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onesub_entitlement_lookups_total",
		Help: "Entitlement reads by cache outcome.",
	}, []string{"outcome"})

	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onesub_dead_letter_depth",
		Help: "Events awaiting manual review.",
	})
)
