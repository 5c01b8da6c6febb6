package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bonus_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonus_claims_total",
			Help: "Total number of bonus claim attempts by result",
		},
		[]string{"result"},
	)

	WagerContributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonus_wager_contributions_total",
			Help: "Total number of per-instance wager applications by outcome",
		},
		[]string{"outcome"},
	)

	CompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bonus_completions_total",
			Help: "Total number of bonus instances that reached zero rollover",
		},
	)

	SweepInstancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonus_sweep_instances_total",
			Help: "Total number of instances handled by the expiry sweeper by result",
		},
		[]string{"result"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bonus_sweep_duration_seconds",
			Help:    "Expiry sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ForfeituresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bonus_forfeitures_total",
			Help: "Total number of administrative forfeitures",
		},
	)

	LossBonusClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonus_loss_bonus_claims_total",
			Help: "Total number of loss bonus claim attempts by result",
		},
		[]string{"result"},
	)

	LedgerPostingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonus_ledger_postings_total",
			Help: "Total number of gameplay ledger postings",
		},
		[]string{"transaction_type", "status"},
	)

	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bonus_kafka_messages_total",
			Help: "Total number of kafka messages handled",
		},
		[]string{"topic", "result"},
	)

	WebsocketSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bonus_websocket_subscribers",
			Help: "Current number of websocket progress subscribers",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordClaim(result string) {
	ClaimsTotal.WithLabelValues(result).Inc()
}

func RecordWagerContribution(outcome string) {
	WagerContributionsTotal.WithLabelValues(outcome).Inc()
}

func RecordCompletion() {
	CompletionsTotal.Inc()
}

func RecordSweep(expired, skipped, failed int, seconds float64) {
	SweepInstancesTotal.WithLabelValues("expired").Add(float64(expired))
	SweepInstancesTotal.WithLabelValues("skipped").Add(float64(skipped))
	SweepInstancesTotal.WithLabelValues("failed").Add(float64(failed))
	SweepDuration.Observe(seconds)
}

func RecordForfeiture() {
	ForfeituresTotal.Inc()
}

func RecordLossBonusClaim(result string) {
	LossBonusClaimsTotal.WithLabelValues(result).Inc()
}

func RecordLedgerPosting(transactionType, status string) {
	LedgerPostingsTotal.WithLabelValues(transactionType, status).Inc()
}

func RecordKafkaMessage(topic, result string) {
	KafkaMessagesTotal.WithLabelValues(topic, result).Inc()
}
