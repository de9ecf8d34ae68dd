package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "market_broker"

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Inbound datagram messages by kind",
	}, []string{"kind"})

	parseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Inbound frames that could not be decoded",
	})

	searchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "searches_started_total",
		Help:      "Search cycles opened",
	})

	offersRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "offers_recorded_total",
		Help:      "Offers accepted into an open collection window",
	})

	cycleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycle_outcomes_total",
		Help:      "Search cycles ended, by outcome",
	}, []string{"outcome"})

	transactionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transaction_finalize_seconds",
		Help:      "Time from BUY to success or cancellation",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	participants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "participants",
		Help:      "Currently registered participants",
	})

	openSearches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_searches",
		Help:      "Search cycles currently open",
	})

	ledgerBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_batch_size",
		Help:      "Transactions written per ledger flush",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	ledgerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_write_errors_total",
		Help:      "Failed ledger batch inserts",
	})
)

// Cycle outcomes.
const (
	OutcomeReserved     = "reserved"
	OutcomeNegotiating  = "negotiating"
	OutcomeNotAvailable = "not_available"
	OutcomeRefused      = "refused"
	OutcomeCanceled     = "canceled"
	OutcomeExpired      = "expired"
	OutcomeSucceeded    = "succeeded"
	OutcomeFailed       = "failed"
)

// RecordMessage counts one inbound message.
func RecordMessage(kind string) {
	messagesReceived.WithLabelValues(kind).Inc()
}

// RecordParseError counts one undecodable frame.
func RecordParseError() {
	parseErrors.Inc()
}

// RecordSearchStarted counts a new search cycle.
func RecordSearchStarted() {
	searchesStarted.Inc()
	openSearches.Inc()
}

// RecordOffer counts an accepted offer.
func RecordOffer() {
	offersRecorded.Inc()
}

// RecordCycleOutcome counts a cycle transition. Terminal outcomes also
// decrement the open search gauge.
func RecordCycleOutcome(outcome string, terminal bool) {
	cycleOutcomes.WithLabelValues(outcome).Inc()
	if terminal {
		openSearches.Dec()
	}
}

// RecordTransaction observes finalization latency.
func RecordTransaction(result string, d time.Duration) {
	transactionSeconds.WithLabelValues(result).Observe(d.Seconds())
}

// SetParticipants sets the registered participant gauge.
func SetParticipants(n int) {
	participants.Set(float64(n))
}

// SetOpenSearches sets the open search gauge, used after a reset.
func SetOpenSearches(n int) {
	openSearches.Set(float64(n))
}

// RecordLedgerFlush observes a ledger batch.
func RecordLedgerFlush(n int, err error) {
	if err != nil {
		ledgerErrors.Inc()
		return
	}
	ledgerBatchSize.Observe(float64(n))
}
