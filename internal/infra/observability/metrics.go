// Package observability defines the Prometheus metrics surfaced on
// /metrics. Metrics are package-level promauto registrations so every
// layer records without plumbing a registry through constructors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerEntries counts journal entries by type.
var LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Total journal entries written, by entry type.",
}, []string{"type"})

// LedgerReplays counts idempotent replays absorbed by reference dedup.
var LedgerReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "ledger",
	Name:      "replays_total",
	Help:      "Total operations answered from a prior entry with the same reference.",
})

// LedgerRejections counts debits refused for insufficient funds.
var LedgerRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "ledger",
	Name:      "insufficient_funds_total",
	Help:      "Total debits rejected because the spendable balance was short.",
})

// ─── Hold Metrics ───────────────────────────────────────────────────────────

// HoldsResolved counts terminal hold transitions by outcome.
var HoldsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "holds",
	Name:      "resolved_total",
	Help:      "Total holds resolved, by terminal status (captured, refunded, expired).",
}, []string{"status"})

// HoldsSwept counts holds refunded by the expiry sweep.
var HoldsSwept = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "holds",
	Name:      "swept_total",
	Help:      "Total expired holds refunded by the background sweep.",
})

// ─── Settlement Metrics ─────────────────────────────────────────────────────

// TaskCompletions counts task completion attempts by result.
var TaskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "settlement",
	Name:      "task_completions_total",
	Help:      "Total task completion attempts, by result.",
}, []string{"result"})

// Revocations counts reward clawbacks by whether the full amount was recovered.
var Revocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "settlement",
	Name:      "revocations_total",
	Help:      "Total reward revocations, by recovery outcome (full, partial).",
}, []string{"recovery"})

// ClawbackShortfall accumulates reward amounts that could not be
// recovered because the balance was already spent.
var ClawbackShortfall = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "settlement",
	Name:      "clawback_shortfall_minor_total",
	Help:      "Total unrecoverable clawback amount in minor units.",
})

// Withdrawals counts withdrawal requests by terminal disposition.
var Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "settlement",
	Name:      "withdrawals_total",
	Help:      "Total withdrawal requests, by disposition.",
}, []string{"disposition"})

// FailedTransferHolds tracks transfer failures whose held funds await
// operator review instead of an automatic refund.
var FailedTransferHolds = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "stipend",
	Subsystem: "settlement",
	Name:      "failed_transfer_holds",
	Help:      "Failed transfers whose hold is still active pending operator action.",
})

// VendingOrders counts vending purchases by outcome.
var VendingOrders = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "settlement",
	Name:      "vending_orders_total",
	Help:      "Total vending orders, by outcome (success, failed, unknown).",
}, []string{"outcome"})

// ProviderLatency tracks external provider call latency.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "stipend",
	Subsystem: "provider",
	Name:      "latency_seconds",
	Help:      "External provider call latency in seconds.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"provider", "op"})

// ─── Fraud Metrics ──────────────────────────────────────────────────────────

// FraudScores observes computed risk scores.
var FraudScores = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "stipend",
	Subsystem: "fraud",
	Name:      "score",
	Help:      "Distribution of computed risk scores.",
	Buckets:   []float64{0, 10, 25, 40, 50, 65, 80, 100},
})

// FraudBlocks counts operations refused by risk band.
var FraudBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "fraud",
	Name:      "blocks_total",
	Help:      "Total operations blocked or routed to review by risk band.",
}, []string{"band"})

// AccountsSuspended counts automatic suspensions.
var AccountsSuspended = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "fraud",
	Name:      "suspensions_total",
	Help:      "Total accounts suspended after repeated revocations.",
})

// ─── Job Metrics ────────────────────────────────────────────────────────────

// JobRuns counts background job executions by job and result.
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "jobs",
	Name:      "runs_total",
	Help:      "Total background job runs, by job name and result.",
}, []string{"job", "result"})

// JobDuration tracks background job run time.
var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "stipend",
	Subsystem: "jobs",
	Name:      "duration_seconds",
	Help:      "Background job run duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"job"})

// ─── Webhook Metrics ────────────────────────────────────────────────────────

// WebhookEvents counts inbound provider events by verification result.
var WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stipend",
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Total inbound webhook events, by result (accepted, rejected, ignored).",
}, []string{"result"})
