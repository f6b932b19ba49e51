package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazq/tei-manager/pkg/types"
)

func testGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	return testutil.ToFloat64(g)
}

type fakeRegistry struct {
	views []types.WorkerView
}

func (f *fakeRegistry) List() []types.WorkerView { return f.views }

type fakePool struct{ size int }

func (f *fakePool) Size() int { return f.size }

func TestCollectorUpdatesInstanceGaugeByStatus(t *testing.T) {
	reg := &fakeRegistry{views: []types.WorkerView{
		{Runtime: types.WorkerRuntime{Status: types.StatusRunning}},
		{Runtime: types.WorkerRuntime{Status: types.StatusRunning}},
		{Runtime: types.WorkerRuntime{Status: types.StatusFailed}},
	}}
	c := NewCollector(reg, &fakePool{size: 2})
	c.collect()

	assert.Equal(t, float64(2), testGaugeValue(t, InstancesTotal.WithLabelValues(string(types.StatusRunning))))
	assert.Equal(t, float64(1), testGaugeValue(t, InstancesTotal.WithLabelValues(string(types.StatusFailed))))
	assert.Equal(t, float64(0), testGaugeValue(t, InstancesTotal.WithLabelValues(string(types.StatusStopped))))
	assert.Equal(t, float64(2), testGaugeValue(t, PoolConnectionsTotal))
}

func TestCollectorStartStop(t *testing.T) {
	reg := &fakeRegistry{}
	c := NewCollector(reg, nil)
	c.interval = 10 * time.Millisecond
	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}

func TestCollectorNilPoolSkipsPoolMetrics(t *testing.T) {
	reg := &fakeRegistry{}
	c := NewCollector(reg, nil)
	require.NotPanics(t, c.collect)
}
