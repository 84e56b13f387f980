// Package metrics provides Prometheus metrics for runs, approval gates and
// collaborator calls. All methods are safe on a nil *Recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	generationsTotal prometheus.Counter
	gatesOpened      prometheus.Counter
	gateResolutions  *prometheus.CounterVec
	gatesExpired     prometheus.Counter
	gateWait         prometheus.Histogram
	pollFetches      *prometheus.CounterVec
	tasksCreated     prometheus.Counter
	accessDenied     prometheus.Counter
	callDuration     *prometheus.HistogramVec
}

// New registers all collectors on a private registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealplanner_runs_total",
			Help: "Finished runs by final status",
		}, []string{"status"}),
		generationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "mealplanner_plan_generations_total",
			Help: "Meal plans generated, including regenerations",
		}),
		gatesOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "mealplanner_gates_opened_total",
			Help: "Approval gates opened",
		}),
		gateResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealplanner_gate_resolutions_total",
			Help: "Resolve attempts by delivery channel and outcome",
		}, []string{"channel", "status"}),
		gatesExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "mealplanner_gates_expired_total",
			Help: "Approval gates that reached their deadline",
		}),
		gateWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mealplanner_gate_wait_seconds",
			Help:    "Time from gate open to resolution",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600},
		}),
		pollFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealplanner_poll_fetches_total",
			Help: "Thread polls by result",
		}, []string{"result"}),
		tasksCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "mealplanner_tasks_created_total",
			Help: "Grocery tasks created",
		}),
		accessDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "mealplanner_access_denied_total",
			Help: "Task writes refused by the destination guard",
		}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mealplanner_collaborator_call_duration_seconds",
			Help:    "Duration of calls to external services",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "operation", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) RunFinished(status string) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(status).Inc()
}

func (r *Recorder) PlanGenerated() {
	if r == nil {
		return
	}
	r.generationsTotal.Inc()
}

func (r *Recorder) GateOpened() {
	if r == nil {
		return
	}
	r.gatesOpened.Inc()
}

func (r *Recorder) GateResolution(channel, status string, waited time.Duration) {
	if r == nil {
		return
	}
	r.gateResolutions.WithLabelValues(channel, status).Inc()
	if waited > 0 {
		r.gateWait.Observe(waited.Seconds())
	}
}

func (r *Recorder) GateExpired() {
	if r == nil {
		return
	}
	r.gatesExpired.Inc()
}

// PollFetch records one poll tick; result is ok, empty or error.
func (r *Recorder) PollFetch(result string) {
	if r == nil {
		return
	}
	r.pollFetches.WithLabelValues(result).Inc()
}

func (r *Recorder) TasksCreated(n int) {
	if r == nil {
		return
	}
	r.tasksCreated.Add(float64(n))
}

func (r *Recorder) AccessDenied() {
	if r == nil {
		return
	}
	r.accessDenied.Inc()
}

// ObserveCall records the duration of a call to an external service.
func (r *Recorder) ObserveCall(service, operation string, err error, d time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.callDuration.WithLabelValues(service, operation, result).Observe(d.Seconds())
}
