package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveJobDuration("release", 3*time.Second)
	pr.IncJobOutcome("release", "succeeded")
	pr.ObserveStepDuration("release", "build", time.Second, true)
	pr.IncCacheResult(CacheHit)
	pr.IncArtifactResult(ArtifactPublished)
	pr.IncStoreRetry("cache")
	pr.SetRunningJobs(2)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 7)

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `blockci_cache_results_total{result="hit"} 1`))
}

func TestNilRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	pr.IncCacheResult(CacheMiss)
	pr.SetRunningJobs(1)

	var r Recorder = OrNoop(nil)
	r.IncJobOutcome("x", "failed")
}
