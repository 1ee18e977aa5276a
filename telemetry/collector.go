package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/deadletter"
	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/scheduler"
	"github.com/songzhibin97/jobflow/workflow"
)

// Collector turns bus events into Prometheus metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	stepDuration      *prometheus.HistogramVec
	stepsTotal        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsTotal   *prometheus.CounterVec
	deadLettersTotal  *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobsTotal         *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec

	bus    *events.EventBus
	sub    events.SubscriptionID
	logger *zap.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Collector) { c.registry = reg }
}

// WithLogger sets the collector logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// NewCollector creates the metrics under namespace.
func NewCollector(namespace string, opts ...Option) *Collector {
	c := &Collector{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	c.logger = c.logger.With(zap.String("component", "metrics"))
	factory := promauto.With(c.registry)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Workflow step attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of workflow step outcomes",
		},
		[]string{"workflow", "status"}, // status: completed, skipped, exception, retry, rolled_back, rollback_failed
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
		},
		[]string{"workflow"},
	)

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished workflow executions",
		},
		[]string{"workflow", "state"},
	)

	c.deadLettersTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of dead-letter operations",
		},
		[]string{"action"}, // action: insert, retry, delete, evict, prune
	)

	c.jobDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduler job run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	c.jobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of scheduler job outcomes",
		},
		[]string{"queue", "status"}, // status: enqueued, retry, completed, failed, cancelled
	)

	c.eventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of events observed",
		},
		[]string{"event"},
	)

	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to every event on bus.
func (c *Collector) Attach(bus *events.EventBus) {
	c.bus = bus
	c.sub = bus.Subscribe(events.All, c)
}

// Detach removes the subscription made by Attach.
func (c *Collector) Detach() {
	if c.bus != nil {
		c.bus.Unsubscribe(c.sub)
		c.bus = nil
	}
}

// Handle records one event.
func (c *Collector) Handle(ctx context.Context, event events.Event) error {
	c.eventsTotal.WithLabelValues(event.Name).Inc()

	switch event.Name {
	case workflow.EventStepStop:
		wf := label(event, "workflow")
		if d, ok := event.Measurements["duration_ms"]; ok {
			c.stepDuration.WithLabelValues(wf).Observe(d / 1000)
		}
		c.stepsTotal.WithLabelValues(wf, label(event, "status")).Inc()

	case workflow.EventStepException:
		wf := label(event, "workflow")
		if d, ok := event.Measurements["duration_ms"]; ok {
			c.stepDuration.WithLabelValues(wf).Observe(d / 1000)
		}
		c.stepsTotal.WithLabelValues(wf, "exception").Inc()

	case workflow.EventStepRetry:
		c.stepsTotal.WithLabelValues(label(event, "workflow"), "retry").Inc()

	case workflow.EventStepRollback:
		status := "rolled_back"
		if label(event, "status") != "ok" {
			status = "rollback_failed"
		}
		c.stepsTotal.WithLabelValues(label(event, "workflow"), status).Inc()

	case workflow.EventExecutionStop:
		wf := label(event, "workflow")
		if d, ok := event.Measurements["duration_ms"]; ok {
			c.executionDuration.WithLabelValues(wf).Observe(d / 1000)
		}
		c.executionsTotal.WithLabelValues(wf, label(event, "state")).Inc()

	case deadletter.EventInsert:
		c.deadLettersTotal.WithLabelValues("insert").Inc()
	case deadletter.EventRetry:
		c.deadLettersTotal.WithLabelValues("retry").Inc()
	case deadletter.EventDelete:
		action := "delete"
		if label(event, "reason") == "evicted" {
			action = "evict"
		}
		c.deadLettersTotal.WithLabelValues(action).Inc()
	case deadletter.EventPrune:
		c.deadLettersTotal.WithLabelValues("prune").Add(event.Measurements["count"])

	case scheduler.EventJobEnqueue:
		c.jobsTotal.WithLabelValues(label(event, "queue"), "enqueued").Inc()
	case scheduler.EventJobRetry:
		c.jobsTotal.WithLabelValues(label(event, "queue"), "retry").Inc()
	case scheduler.EventJobStop:
		queue := label(event, "queue")
		if d, ok := event.Measurements["duration_ms"]; ok {
			c.jobDuration.WithLabelValues(queue).Observe(d / 1000)
		}
		c.jobsTotal.WithLabelValues(queue, label(event, "state")).Inc()
	}
	return nil
}

func label(event events.Event, key string) string {
	v, ok := event.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// LogHandler returns a handler that logs every event at debug level.
func LogHandler(logger *zap.Logger) events.EventHandler {
	logger = logger.With(zap.String("component", "events"))
	return events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		if ce := logger.Check(zap.DebugLevel, event.Name); ce != nil {
			ce.Write(
				zap.Any("measurements", event.Measurements),
				zap.Any("metadata", event.Metadata),
				zap.Time("time", event.Time),
			)
		}
		return nil
	})
}
