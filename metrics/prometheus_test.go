package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claim-bucketing/engine"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()

	c.ClaimAdmitted("rule-pp", false)
	c.ClaimAdmitted("rule-pp", false)
	c.ClaimAdmitted("rule-pp", true)
	c.BucketTransition(engine.StatusAccumulating, engine.StatusGenerating)
	c.InstrumentReserved(engine.ReservationIndependent)
	c.InstrumentReleased(engine.ReservationIndependent)
	c.CompensationFailed()
	c.GenerationFinished("completed", 20*time.Millisecond)
	c.QueueDepth(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.claimsAdmitted.WithLabelValues("rule-pp", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.claimsAdmitted.WithLabelValues("rule-pp", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bucketTransitions.WithLabelValues("ACCUMULATING", "GENERATING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.instrumentsReserved.WithLabelValues("independent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.instrumentsReleased.WithLabelValues("independent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.compensationFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.generations.WithLabelValues("completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 1, testutil.CollectAndCount(c.generationLatency))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.CompensationFailed()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "claimbucket_compensation_failures_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
