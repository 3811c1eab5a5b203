package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ExposedByHandler(t *testing.T) {
	reg := NewRegistry()
	m := NewMetrics(reg)

	m.Reports.WithLabelValues("map", "ok").Inc()
	m.Ingestions.WithLabelValues("registered").Add(2)
	m.DatasetsKnown.Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	for _, s := range []string{
		`firemap_reports_total{kind="map",outcome="ok"} 1`,
		`firemap_ingestions_total{outcome="registered"} 2`,
		`firemap_datasets_registered 3`,
		`go_goroutines`,
	} {
		assert.True(t, strings.Contains(body, s), "expected metrics to contain %q", s)
	}
}

func TestNewMetricsForTesting_Isolated(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.MultiPolygonDrop.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.MultiPolygonDrop))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MultiPolygonDrop))
}
