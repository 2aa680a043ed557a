package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtrinsicMetrics(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordSubmission("submitted")
	m.RecordSubmission("submitted")
	m.RecordSubmissionError("SUBMIT_FAILED")
	m.RecordOutcome("finalized", true, 6*time.Second)
	m.RecordOutcome("connection_lost", false, time.Second)
	m.RecordTracked(5, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExtrinsicSubmissions.WithLabelValues("submitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtrinsicSubmissions.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtrinsicErrors.WithLabelValues("SUBMIT_FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtrinsicOutcomes.WithLabelValues("finalized", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtrinsicOutcomes.WithLabelValues("connection_lost", "false")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ExtrinsicsInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExtrinsicsPending))
	assert.Equal(t, 1, testutil.CollectAndCount(m.FinalizationDuration))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())

	a.RecordProcessorMessage("extrinsic_requests", "submitted")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ProcessorMessages.WithLabelValues("extrinsic_requests", "submitted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ProcessorMessages.WithLabelValues("extrinsic_requests", "submitted")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordNonceAllocation(time.Millisecond)
	m.RecordRequest("api", http.MethodGet, "/health", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chainapi_request_total")
	assert.Contains(t, rec.Body.String(), "chainapi_nonce_allocation_duration_seconds")
}
