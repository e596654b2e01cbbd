// Package metrics exports session state as Prometheus gauges and counters.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/presence"
	"github.com/zulandar/signalbox/internal/reconcile"
	"github.com/zulandar/signalbox/internal/session"
)

const namespace = "signalbox"

var jobStatuses = []models.JobStatus{models.JobIdle, models.JobTraining, models.JobCompleted, models.JobFailed}

var channelStates = []channel.State{channel.StateClosed, channel.StateConnecting, channel.StateAvailable, channel.StateUnavailable}

// Collector owns the session metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	traffic      prometheus.Gauge
	categories   *prometheus.GaugeVec
	untrained    *prometheus.GaugeVec
	jobProgress  prometheus.Gauge
	jobStatus    *prometheus.GaugeVec
	mutations    *prometheus.CounterVec
	channelState *prometheus.GaugeVec
	stateChanges prometheus.Counter

	mu sync.Mutex
}

// New creates a Collector registered in a fresh registry that also carries
// the Go and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		traffic: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "traffic_visitors",
			Help: "Visitors currently online.",
		}),
		categories: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "visitors",
			Help: "Visitors per traffic tab.",
		}, []string{"category"}),
		untrained: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "untrained_sources",
			Help: "Knowledge sources not yet trained, per kind.",
		}, []string{"kind"}),
		jobProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "training_progress_percent",
			Help: "Progress of the current training job.",
		}),
		jobStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "training_status",
			Help: "1 for the current training job status.",
		}, []string{"status"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mutations_total",
			Help: "Optimistic mutation steps by operation and outcome.",
		}, []string{"op", "outcome"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channel_state",
			Help: "1 for the current channel state.",
		}, []string{"state"}),
		stateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_state_changes_total",
			Help: "Channel state transitions.",
		}),
	}
	c.registry.MustRegister(
		c.traffic, c.categories, c.untrained, c.jobProgress, c.jobStatus,
		c.mutations, c.channelState, c.stateChanges,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry to serve.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Bind keeps the gauges in step with s until the returned func is called.
func (c *Collector) Bind(s *session.Session) (unbind func(), err error) {
	if s == nil {
		return nil, errors.New("metrics: session is required")
	}
	reg, agg := s.Presence(), s.Training()

	removes := []func(){
		reg.OnChange(func() { c.ObservePresence(reg) }),
		agg.OnChange(func() { c.ObserveJob(agg.Job(), agg.UntrainedCounts()) }),
		s.Coordinator().Observe(c.ObserveMutation),
		s.Adapter().OnStateChange(func(st channel.State, _ error) { c.ObserveChannel(st, true) }),
	}
	c.ObservePresence(reg)
	c.ObserveJob(agg.Job(), agg.UntrainedCounts())
	c.ObserveChannel(s.ChannelState(), false)

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, rm := range removes {
				rm()
			}
		})
	}, nil
}

// ObservePresence sets the traffic and category gauges from reg.
func (c *Collector) ObservePresence(reg *presence.Register) {
	counts := reg.CategoryCounts()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traffic.Set(float64(reg.TrafficCount()))
	for _, cat := range presence.Categories {
		c.categories.WithLabelValues(string(cat)).Set(float64(counts[cat]))
	}
}

// ObserveJob sets the training gauges.
func (c *Collector) ObserveJob(job models.TrainingJob, untrained map[models.SourceKind]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobProgress.Set(float64(job.Progress))
	for _, st := range jobStatuses {
		v := 0.0
		if st == job.Status {
			v = 1
		}
		c.jobStatus.WithLabelValues(string(st)).Set(v)
	}
	for _, k := range models.SourceKinds {
		c.untrained.WithLabelValues(string(k)).Set(float64(untrained[k]))
	}
}

// ObserveMutation counts one mutation step.
func (c *Collector) ObserveMutation(r reconcile.Result) {
	c.mutations.WithLabelValues(r.Op, string(r.Outcome)).Inc()
}

// ObserveChannel sets the channel state gauge. transition counts it as a
// state change.
func (c *Collector) ObserveChannel(st channel.State, transition bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range channelStates {
		v := 0.0
		if s == st {
			v = 1
		}
		c.channelState.WithLabelValues(s.String()).Set(v)
	}
	if transition {
		c.stateChanges.Inc()
	}
}
