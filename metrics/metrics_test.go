package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/require"
)

func TestRecordAggregation(t *testing.T) {
	RecordAggregation("aggregated", 3, 20*time.Millisecond)
	RecordSubmission(128)
	RecordHTTPStatus("/c2s/params", 200)

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	out := buf.String()

	require.Contains(t, out, `fedrelay_aggregations_total{state="aggregated"}`)
	require.Contains(t, out, "fedrelay_aggregated_chunks_total")
	require.Contains(t, out, "fedrelay_submission_bytes_total")
	require.Contains(t, out, `fedrelay_http_responses_total{route="/c2s/params",status="200"}`)
}
