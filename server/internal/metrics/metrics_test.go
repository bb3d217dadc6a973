package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ProvisionResult(nil)
		m.Reused()
		m.Stale()
		m.DestroyResult(errors.New("boom"))
		m.SetActiveSandboxes(3)
		m.LogAppended("INFO")
		m.SubscriberAdded()
		m.SubscriberRemoved(true)
		m.ExecutionFinished("python", "success", time.Second)
		m.GenerationResult(nil)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ProvisionResult(nil)
	m.ProvisionResult(nil)
	m.ProvisionResult(errors.New("quota"))
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved(true)
	m.ExecutionFinished("shell", "failed", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SandboxesProvisioned.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SandboxesProvisioned.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscribersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscribersDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("shell", "failed")))
}
