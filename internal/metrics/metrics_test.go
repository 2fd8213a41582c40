package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisteredCollectorsAreServed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LocalReads.WithLabelValues("hit").Add(3)
	m.FlightJoins.Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.LocalReads.WithLabelValues("hit")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `buildcas_local_reads_total{result="hit"} 3`)
	assert.Contains(t, rec.Body.String(), "buildcas_flight_joins_total 1")
}

func TestOrDiscard(t *testing.T) {
	m := OrDiscard(nil)
	require.NotNil(t, m)
	m.RemoteRetries.Inc()

	existing := New(nil)
	assert.Same(t, existing, OrDiscard(existing))
}
