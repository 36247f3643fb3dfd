package metrics

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	keyRegistrations   = metrics.NewCounter("fedrelay_key_registrations_total")
	rekeyRegistrations = metrics.NewCounter("fedrelay_rekey_registrations_total")
	resultsReceived    = metrics.NewCounter("fedrelay_results_received_total")
	aggregationRuns    = metrics.NewSummary("fedrelay_aggregation_duration_seconds")
	aggregatedChunks   = metrics.NewCounter("fedrelay_aggregated_chunks_total")
)

func RecordKeyRegistration() { keyRegistrations.Inc() }

func RecordRekeyRegistration() { rekeyRegistrations.Inc() }

func RecordResult() { resultsReceived.Inc() }

// RecordSubmission counts a parameter submission and its size.
func RecordSubmission(bytes int) {
	metrics.GetOrCreateCounter("fedrelay_submissions_total").Inc()
	metrics.GetOrCreateCounter("fedrelay_submission_bytes_total").Add(bytes)
}

// RecordAggregation records the outcome of one aggregation attempt.
func RecordAggregation(state string, chunks int, took time.Duration) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`fedrelay_aggregations_total{state=%q}`, state)).Inc()
	aggregationRuns.Update(took.Seconds())
	if chunks > 0 {
		aggregatedChunks.Add(chunks)
	}
}

// RecordHTTPStatus counts relay responses by route and status code.
func RecordHTTPStatus(route string, status int) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`fedrelay_http_responses_total{route=%q,status="%d"}`, route, status)).Inc()
}
