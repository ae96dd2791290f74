package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := New()
	r.Execution("completed")
	r.Execution("completed")
	r.Execution("failed")
	r.OperatorRun("TextLengthFilter", "completed", 20*time.Millisecond)
	r.QueueDepth(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.executions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operatorRun.WithLabelValues("TextLengthFilter", "completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dataflowhub_executions_total")
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Execution("completed")
		r.OperatorRun("x", "failed", time.Second)
		r.QueueDepth(1)
		r.JobStarted()
		r.JobFinished()
	})
}
