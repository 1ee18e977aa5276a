package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/songzhibin97/jobflow/deadletter"
	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/scheduler"
	"github.com/songzhibin97/jobflow/workflow"
)

func handle(t *testing.T, c *Collector, name string, measurements map[string]float64, metadata map[string]interface{}) {
	t.Helper()
	require.NoError(t, c.Handle(context.Background(), events.Event{Name: name, Measurements: measurements, Metadata: metadata}))
}

func TestCollectorSteps(t *testing.T) {
	c := NewCollector("test")
	wf := map[string]interface{}{"workflow": "etl", "step": "load"}

	handle(t, c, workflow.EventStepStop, map[string]float64{"duration_ms": 250}, map[string]interface{}{"workflow": "etl", "status": workflow.StepCompleted})
	handle(t, c, workflow.EventStepStop, nil, map[string]interface{}{"workflow": "etl", "status": workflow.StepSkipped})
	handle(t, c, workflow.EventStepException, map[string]float64{"duration_ms": 10}, wf)
	handle(t, c, workflow.EventStepRetry, map[string]float64{"delay_ms": 5}, wf)
	handle(t, c, workflow.EventStepRollback, nil, map[string]interface{}{"workflow": "etl", "status": "ok"})
	handle(t, c, workflow.EventStepRollback, nil, map[string]interface{}{"workflow": "etl", "status": "error"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("etl", workflow.StepCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("etl", workflow.StepSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("etl", "exception")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("etl", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("etl", "rolled_back")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("etl", "rollback_failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues(workflow.EventStepStop)))
}

func TestCollectorExecutionsAndJobs(t *testing.T) {
	c := NewCollector("test")

	handle(t, c, workflow.EventExecutionStop, map[string]float64{"duration_ms": 1500}, map[string]interface{}{"workflow": "etl", "state": "completed"})
	handle(t, c, workflow.EventExecutionStop, nil, map[string]interface{}{"workflow": "etl", "state": "failed"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("etl", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("etl", "failed")))

	q := map[string]interface{}{"queue": "mail", "job": "digest"}
	handle(t, c, scheduler.EventJobEnqueue, nil, q)
	handle(t, c, scheduler.EventJobRetry, map[string]float64{"delay_ms": 10}, q)
	handle(t, c, scheduler.EventJobStop, map[string]float64{"duration_ms": 30}, map[string]interface{}{"queue": "mail", "state": "completed"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("mail", "enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("mail", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("mail", "completed")))
}

func TestCollectorDeadLetters(t *testing.T) {
	c := NewCollector("test")

	handle(t, c, deadletter.EventInsert, map[string]float64{"attempts": 3}, map[string]interface{}{"job_name": "sync"})
	handle(t, c, deadletter.EventRetry, nil, nil)
	handle(t, c, deadletter.EventDelete, nil, map[string]interface{}{"reason": "deleted"})
	handle(t, c, deadletter.EventDelete, nil, map[string]interface{}{"reason": "evicted"})
	handle(t, c, deadletter.EventPrune, map[string]float64{"count": 4}, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.deadLettersTotal.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deadLettersTotal.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deadLettersTotal.WithLabelValues("delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deadLettersTotal.WithLabelValues("evict")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.deadLettersTotal.WithLabelValues("prune")))
}

func TestCollectorAttach(t *testing.T) {
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	c := NewCollector("test")
	c.Attach(bus)

	bus.Emit(workflow.EventExecutionStop, nil, map[string]interface{}{"workflow": "etl", "state": "completed"})
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.executionsTotal.WithLabelValues("etl", "completed")) == 1
	}, time.Second, 5*time.Millisecond)

	c.Detach()
	assert.False(t, bus.HasSubscribers(workflow.EventExecutionStop))
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector("jobflow")
	handle(t, c, scheduler.EventJobStop, nil, map[string]interface{}{"queue": "default", "state": "failed"})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `jobflow_jobs_total{queue="default",status="failed"} 1`)
}

func TestLogHandler(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := LogHandler(zap.New(core))

	require.NoError(t, h.Handle(context.Background(), events.Event{
		Name:         workflow.EventStepStart,
		Metadata:     map[string]interface{}{"step": "load"},
		Measurements: map[string]float64{"attempt": 1},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, workflow.EventStepStart, entries[0].Message)
	assert.Equal(t, "events", entries[0].ContextMap()["component"])
}
