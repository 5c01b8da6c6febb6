package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("POST", "/bonuses/:id/claim", "200", 0.2)
	RecordHTTPRequest("POST", "/bonuses/:id/claim", "200", 0.1)
	RecordHTTPRequest("POST", "/bonuses/:id/claim", "422", 0.05)

	assert.Equal(t, float64(2), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/bonuses/:id/claim", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/bonuses/:id/claim", "422")))
	assert.Equal(t, 1, testutil.CollectAndCount(HTTPRequestDuration))
}

func TestRecordClaim(t *testing.T) {
	ClaimsTotal.Reset()

	RecordClaim("granted")
	RecordClaim("granted")
	RecordClaim("limit_exceeded")

	assert.Equal(t, float64(2), testutil.ToFloat64(ClaimsTotal.WithLabelValues("granted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ClaimsTotal.WithLabelValues("limit_exceeded")))
}

func TestRecordWagerContribution(t *testing.T) {
	WagerContributionsTotal.Reset()

	RecordWagerContribution("applied")
	RecordWagerContribution("duplicate")

	assert.Equal(t, float64(1), testutil.ToFloat64(WagerContributionsTotal.WithLabelValues("applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WagerContributionsTotal.WithLabelValues("duplicate")))
}

func TestRecordCompletion(t *testing.T) {
	testCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bonus_completions_total_test",
		Help: "Total number of bonus instances that reached zero rollover",
	})

	old := CompletionsTotal
	CompletionsTotal = testCounter
	defer func() { CompletionsTotal = old }()

	RecordCompletion()
	RecordCompletion()

	assert.Equal(t, float64(2), testutil.ToFloat64(testCounter))
}

func TestRecordSweep(t *testing.T) {
	SweepInstancesTotal.Reset()

	RecordSweep(3, 1, 2, 0.4)

	assert.Equal(t, float64(3), testutil.ToFloat64(SweepInstancesTotal.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(SweepInstancesTotal.WithLabelValues("skipped")))
	assert.Equal(t, float64(2), testutil.ToFloat64(SweepInstancesTotal.WithLabelValues("failed")))
}

func TestRecordLossBonusAndLedger(t *testing.T) {
	LossBonusClaimsTotal.Reset()
	LedgerPostingsTotal.Reset()

	RecordLossBonusClaim("claimed")
	RecordLedgerPosting("bet", "success")
	RecordLedgerPosting("bet", "failed")

	assert.Equal(t, float64(1), testutil.ToFloat64(LossBonusClaimsTotal.WithLabelValues("claimed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(LedgerPostingsTotal.WithLabelValues("bet", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(LedgerPostingsTotal.WithLabelValues("bet", "failed")))
}

func TestRecordKafkaMessage(t *testing.T) {
	KafkaMessagesTotal.Reset()

	RecordKafkaMessage("wager-events", "processed")

	assert.Equal(t, float64(1), testutil.ToFloat64(KafkaMessagesTotal.WithLabelValues("wager-events", "processed")))
}
