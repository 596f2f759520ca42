package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: "test counter",
	})
}

func TestRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterCounter("serial-abc", "frames_total", newCounter("frames_total"))
	require.NoError(t, err)

	assert.True(t, r.Unregister("serial-abc", "frames_total"))
	assert.False(t, r.Unregister("serial-abc", "frames_total"))
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterCounter("water-1", "pulses_total", newCounter("pulses_total")))

	err := r.RegisterCounter("water-1", "pulses_total", newCounter("pulses_total_2"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestUnregisterComponent(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterCounter("serial-abc", "frames_total", newCounter("frames_total")))
	require.NoError(t, r.RegisterGauge("serial-abc", "buffer_fill", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_fill",
		Help: "test gauge",
	})))
	require.NoError(t, r.RegisterCounter("water-1", "pulses_total", newCounter("pulses_total")))

	assert.Equal(t, 2, r.UnregisterComponent("serial-abc"))
	assert.Equal(t, 0, r.UnregisterComponent("serial-abc"))

	// The other component's metrics are untouched.
	assert.True(t, r.Unregister("water-1", "pulses_total"))
}

func TestUnregisterComponentAllowsReRegistration(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterCounter("serial-abc", "frames_total", newCounter("frames_total")))
	r.UnregisterComponent("serial-abc")

	// A released resource handle can be reused with fresh collectors.
	assert.NoError(t, r.RegisterCounter("serial-abc", "frames_total", newCounter("frames_total")))
}
