package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonOS-Community/go-kprobe/metrics"
)

func TestCountersRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Installs.Inc()
	m.Installs.Inc()
	m.Traps.WithLabelValues(metrics.TrapBreakpoint).Inc()
	m.Traps.WithLabelValues(metrics.TrapDebug).Inc()
	m.UnclaimedTraps.Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Installs))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Uninstalls))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Traps.WithLabelValues(metrics.TrapBreakpoint)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UnclaimedTraps))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "kprobe_installs_total")
	assert.Contains(t, names, "kprobe_traps_total")
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide; nothing registers globally.
	a := metrics.New(prometheus.NewRegistry())
	b := metrics.New(prometheus.NewRegistry())

	a.Installs.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Installs))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Installs))
}
