package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/generic"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRecompute(time.Millisecond, nil)
		m.ObserveApproval(generic.ActionApproveFinancial, true)
		m.ObserveSweep(3, nil)
	})
}

func TestRecomputeOutcomes(t *testing.T) {
	m := New()

	m.ObserveRecompute(time.Millisecond, nil)
	m.ObserveRecompute(time.Millisecond, &generic.GoalNotFoundError{OperatorID: "op"})
	m.ObserveRecompute(time.Millisecond, fmt.Errorf("wrap: %w", generic.ErrConcurrentRecompute))
	m.ObserveRecompute(time.Millisecond, errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.recomputes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recomputes.WithLabelValues("goal_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recomputes.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recomputes.WithLabelValues("error")))
}

func TestSweepCountsClosedSessions(t *testing.T) {
	m := New()
	m.ObserveSweep(2, nil)
	m.ObserveSweep(0, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsClosed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepRuns.WithLabelValues("error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveApproval(generic.ActionRevokeDelivery, false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `commission_engine_approval_actions_total{action="revoke_delivery",changed="false"} 1`)
}
