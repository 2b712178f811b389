package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "driver")
	require.NoError(t, err)

	p.RequestStarted()
	p.RequestStarted()
	p.ClientTimeout()
	p.MessageReceived("10.0.0.1:7688")
	p.MessageReceived("10.0.0.1:7688")
	p.MessageReceived("10.0.0.2:7688")
	p.RequestCompleted(OutcomeTimeout)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.requests))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.timeouts))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.messages.WithLabelValues("10.0.0.1:7688")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.messages.WithLabelValues("10.0.0.2:7688")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.completed.WithLabelValues(OutcomeTimeout)))

	expected := `
# HELP driver_graph_client_timeouts_total Total number of continuous graph requests that hit the client-side timeout
# TYPE driver_graph_client_timeouts_total counter
driver_graph_client_timeouts_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "driver_graph_client_timeouts_total"))
}

func TestPrometheus_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg, "driver")
	require.NoError(t, err)

	_, err = NewPrometheus(reg, "driver")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop.RequestStarted()
		Nop.ClientTimeout()
		Nop.MessageReceived("n")
		Nop.RequestCompleted(OutcomeSuccess)
	})
}
