package metrics

import (
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once sync.Once
	reg  *prom.Registry

	messages           *prom.CounterVec
	reachable          prom.Gauge
	pendingChanges     prom.Gauge
	flushRetries       prom.Counter
	flushExhausted     prom.Counter
	migrationWrites    prom.Counter
	consistencyIssues  prom.Gauge
	fallbackStoreInUse prom.Gauge
}

// NewPrometheusRecorder constructs and registers the collectors on reg. A nil
// reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.once.Do(func() {
		pr.messages = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "sleepsync",
			Name:      "messages_total",
			Help:      "Envelopes by kind and outcome (sent, dropped, applied, duplicate)",
		}, []string{"kind", "outcome"})
		pr.reachable = prom.NewGauge(prom.GaugeOpts{
			Namespace: "sleepsync",
			Name:      "peer_reachable",
			Help:      "1 while the peer is reachable",
		})
		pr.pendingChanges = prom.NewGauge(prom.GaugeOpts{
			Namespace: "sleepsync",
			Name:      "pending_changes",
			Help:      "Changes awaiting delivery to the peer",
		})
		pr.flushRetries = prom.NewCounter(prom.CounterOpts{
			Namespace: "sleepsync",
			Name:      "flush_retries_total",
			Help:      "Pending change redelivery attempts that failed",
		})
		pr.flushExhausted = prom.NewCounter(prom.CounterOpts{
			Namespace: "sleepsync",
			Name:      "flush_exhausted_total",
			Help:      "Pending changes that exceeded the attempt limit",
		})
		pr.migrationWrites = prom.NewCounter(prom.CounterOpts{
			Namespace: "sleepsync",
			Name:      "migration_writes_total",
			Help:      "Rows written by reconciliation and cleanup",
		})
		pr.consistencyIssues = prom.NewGauge(prom.GaugeOpts{
			Namespace: "sleepsync",
			Name:      "consistency_issues",
			Help:      "Issue count from the most recent consistency report",
		})
		pr.fallbackStoreInUse = prom.NewGauge(prom.GaugeOpts{
			Namespace: "sleepsync",
			Name:      "fallback_store_in_use",
			Help:      "1 while the repository runs on the in-memory fallback store",
		})
		reg.MustRegister(pr.messages, pr.reachable, pr.pendingChanges, pr.flushRetries,
			pr.flushExhausted, pr.migrationWrites, pr.consistencyIssues, pr.fallbackStoreInUse)
	})
	return pr
}

// RegisterRuntime adds the Go and process collectors to the recorder's registry.
func (p *PrometheusRecorder) RegisterRuntime() {
	p.reg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
}

// Registry returns the registry the collectors live on.
func (p *PrometheusRecorder) Registry() *prom.Registry { return p.reg }

// Handler serves the recorder's registry.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) IncMessageSent(kind string)      { p.incMessage(kind, "sent") }
func (p *PrometheusRecorder) IncMessageDropped(kind string)   { p.incMessage(kind, "dropped") }
func (p *PrometheusRecorder) IncMessageApplied(kind string)   { p.incMessage(kind, "applied") }
func (p *PrometheusRecorder) IncMessageDuplicate(kind string) { p.incMessage(kind, "duplicate") }

func (p *PrometheusRecorder) incMessage(kind, outcome string) {
	if p == nil || p.messages == nil {
		return
	}
	p.messages.WithLabelValues(kind, outcome).Inc()
}

func (p *PrometheusRecorder) SetReachable(reachable bool) {
	if p == nil || p.reachable == nil {
		return
	}
	p.reachable.Set(boolValue(reachable))
}

func (p *PrometheusRecorder) SetPendingChanges(n int) {
	if p == nil || p.pendingChanges == nil {
		return
	}
	p.pendingChanges.Set(float64(n))
}

func (p *PrometheusRecorder) IncFlushRetry() {
	if p == nil || p.flushRetries == nil {
		return
	}
	p.flushRetries.Inc()
}

func (p *PrometheusRecorder) IncFlushExhausted() {
	if p == nil || p.flushExhausted == nil {
		return
	}
	p.flushExhausted.Inc()
}

func (p *PrometheusRecorder) AddMigrationWrites(n int) {
	if p == nil || p.migrationWrites == nil || n <= 0 {
		return
	}
	p.migrationWrites.Add(float64(n))
}

func (p *PrometheusRecorder) SetConsistencyIssues(n int) {
	if p == nil || p.consistencyIssues == nil {
		return
	}
	p.consistencyIssues.Set(float64(n))
}

func (p *PrometheusRecorder) SetFallbackStore(active bool) {
	if p == nil || p.fallbackStoreInUse == nil {
		return
	}
	p.fallbackStoreInUse.Set(boolValue(active))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
