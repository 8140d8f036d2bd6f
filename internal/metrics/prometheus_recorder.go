package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once         sync.Once
	jobDuration  *prom.HistogramVec
	jobOutcomes  *prom.CounterVec
	stepDuration *prom.HistogramVec
	cacheResults *prom.CounterVec
	artifacts    *prom.CounterVec
	storeRetries *prom.CounterVec
	runningJobs  prom.Gauge
}

// NewPrometheusRecorder constructs and registers the metrics on reg. A nil
// reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.jobDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "blockci",
			Name:      "job_duration_seconds",
			Help:      "Duration of job runs",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}, []string{"job"})
		pr.jobOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "blockci",
			Name:      "job_outcomes_total",
			Help:      "Job runs by final status",
		}, []string{"job", "status"})
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "blockci",
			Name:      "step_duration_seconds",
			Help:      "Duration of container steps",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 12),
		}, []string{"job", "container", "result"})
		pr.cacheResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "blockci",
			Name:      "cache_results_total",
			Help:      "Cache restore and save results",
		}, []string{"result"})
		pr.artifacts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "blockci",
			Name:      "artifact_results_total",
			Help:      "Artifact publish results",
		}, []string{"result"})
		pr.storeRetries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "blockci",
			Name:      "store_retries_total",
			Help:      "Retried cache and artifact store operations",
		}, []string{"store"})
		pr.runningJobs = prom.NewGauge(prom.GaugeOpts{
			Namespace: "blockci",
			Name:      "running_jobs",
			Help:      "Jobs currently running",
		})
		reg.MustRegister(pr.jobDuration, pr.jobOutcomes, pr.stepDuration, pr.cacheResults, pr.artifacts, pr.storeRetries, pr.runningJobs)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveJobDuration(job string, d time.Duration) {
	if p == nil || p.jobDuration == nil {
		return
	}
	p.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncJobOutcome(job, status string) {
	if p == nil || p.jobOutcomes == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(job, status).Inc()
}

func (p *PrometheusRecorder) ObserveStepDuration(job, container string, d time.Duration, success bool) {
	if p == nil || p.stepDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.stepDuration.WithLabelValues(job, container, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncCacheResult(result CacheResult) {
	if p == nil || p.cacheResults == nil {
		return
	}
	p.cacheResults.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncArtifactResult(result ArtifactResult) {
	if p == nil || p.artifacts == nil {
		return
	}
	p.artifacts.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncStoreRetry(store string) {
	if p == nil || p.storeRetries == nil {
		return
	}
	p.storeRetries.WithLabelValues(store).Inc()
}

func (p *PrometheusRecorder) SetRunningJobs(n int) {
	if p == nil || p.runningJobs == nil {
		return
	}
	p.runningJobs.Set(float64(n))
}

// HTTPHandler serves the metrics registered on reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
