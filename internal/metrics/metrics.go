// Package metrics exposes prometheus collectors for the inbox engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellarlinkco/inboxd/internal/model"
)

const namespace = "inboxd"

// Metrics implements inbox.Recorder and the poll/worker counters.
type Metrics struct {
	archives    *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	spam        *prometheus.CounterVec
	polls       *prometheus.CounterVec
	workerCalls *prometheus.CounterVec
	staged      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_total",
			Help:      "Archive attempts by mode and result.",
		}, []string{"mode", "result"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_rollbacks_total",
			Help:      "Lease releases after a failed archive, by result.",
		}, []string{"result"}),
		spam: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spam_marked_total",
			Help:      "Conversations discarded as spam, by key kind.",
		}, []string{"kind"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_runs_total",
			Help:      "Scheduled poll job runs by job and result.",
		}, []string{"job", "result"}),
		workerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_requests_total",
			Help:      "Archive requests handled by the worker, by result.",
		}, []string{"result"}),
		staged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "staged_conversations",
			Help:      "Conversations currently waiting in staging.",
		}),
	}
	reg.MustRegister(m.archives, m.rollbacks, m.spam, m.polls, m.workerCalls, m.staged)
	return m
}

func (m *Metrics) ArchiveFinished(mode string, err error) {
	m.archives.WithLabelValues(mode, result(err)).Inc()
}

func (m *Metrics) RollbackFinished(err error) {
	m.rollbacks.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) SpamMarked(kind model.SpamKind) {
	m.spam.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) StagedConversations(n int) {
	m.staged.Set(float64(n))
}

func (m *Metrics) PollFinished(job string, err error) {
	m.polls.WithLabelValues(job, result(err)).Inc()
}

func (m *Metrics) WorkerRequest(err error) {
	m.workerCalls.WithLabelValues(result(err)).Inc()
}

// Handler serves the gatherer in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
