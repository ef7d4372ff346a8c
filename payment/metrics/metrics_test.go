package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.ReconcilePass(time.Second, nil)
	m.ReconcilePass(time.Second, errors.New("boom"))
	m.Transition("paid")
	m.Transition("paid")
	m.Sweep("success")
	m.FundingTransfer()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcilePasses.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fundingTransfers))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "paygate_sweeps_total"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ReconcilePass(time.Second, nil)
		m.Transition("expired")
		m.Sweep("failed")
		m.FundingTransfer()
	})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
