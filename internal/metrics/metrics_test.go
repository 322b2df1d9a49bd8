package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/email-event-service/internal/metrics"
)

func TestNew_RegistersMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.DeliveriesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
	m.OrphansResubmitted.Add(2)

	assert.InDelta(t, 1, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(metrics.OutcomeDelivered)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.OrphansResubmitted), 0)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "email_deliveries_total")
	assert.Contains(t, names, "email_orphans_resubmitted_total")
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics.New(reg)

	assert.Panics(t, func() { metrics.New(reg) })
}
