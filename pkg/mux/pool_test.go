package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/registry"
	"github.com/nazq/tei-manager/pkg/types"
)

func newTestPool(t *testing.T) (*BackendPool, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{
		InstancePortStart:   19500,
		InstancePortEnd:     19600,
		PrometheusPortStart: 19700,
	})
	t.Cleanup(reg.Close)

	pool := New(reg, Options{})
	t.Cleanup(pool.Close)
	return pool, reg
}

func TestPoolGetConnUnknownInstanceIsNotFound(t *testing.T) {
	pool, _ := newTestPool(t)

	_, err := pool.GetConn(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, apierrors.NotFound, apierrors.KindOf(err))
}

func TestPoolGetConnNotRunningIsUnavailable(t *testing.T) {
	pool, reg := newTestPool(t)

	_, err := reg.Add(types.WorkerConfig{Name: "test", ModelID: "model", Port: 19501})
	require.NoError(t, err)

	_, err = pool.GetConn(context.Background(), "test")
	require.Error(t, err)
	assert.Equal(t, apierrors.Unavailable, apierrors.KindOf(err))
}

func TestPoolSizeStartsAtZero(t *testing.T) {
	pool, _ := newTestPool(t)
	assert.Equal(t, 0, pool.Size())
}

func TestPoolEvictsOnStoppedEvent(t *testing.T) {
	pool, reg := newTestPool(t)

	_, err := reg.Add(types.WorkerConfig{Name: "test", ModelID: "model", Port: 19502})
	require.NoError(t, err)
	require.NoError(t, reg.MutateRuntime("test", func(rt *types.WorkerRuntime) {
		rt.Status = types.StatusRunning
	}))

	s := pool.shardFor("test")
	s.mu.Lock()
	s.entries["test"] = &poolEntry{}
	s.mu.Unlock()
	assert.Equal(t, 1, pool.Size())

	require.NoError(t, reg.MutateRuntime("test", func(rt *types.WorkerRuntime) {
		rt.Status = types.StatusStopped
	}))

	require.Eventually(t, func() bool {
		return pool.Size() == 0
	}, time.Second, 20*time.Millisecond)
}

func TestShardForIsDeterministic(t *testing.T) {
	pool, _ := newTestPool(t)
	a := pool.shardFor("same-name")
	b := pool.shardFor("same-name")
	assert.Same(t, a, b)
}
