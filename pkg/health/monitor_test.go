package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazq/tei-manager/pkg/types"
)

type fakeStore struct {
	mu      sync.Mutex
	workers map[string]*types.WorkerRuntime
}

func newFakeStore(names ...string) *fakeStore {
	s := &fakeStore{workers: make(map[string]*types.WorkerRuntime)}
	for _, n := range names {
		s.workers[n] = &types.WorkerRuntime{Status: types.StatusStarting}
	}
	return s
}

func (s *fakeStore) List() []types.WorkerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]types.WorkerView, 0, len(s.workers))
	for name, rt := range s.workers {
		views = append(views, types.WorkerView{Config: types.WorkerConfig{Name: name}, Runtime: *rt})
	}
	return views
}

func (s *fakeStore) MutateRuntime(name string, fn func(*types.WorkerRuntime)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.workers[name]
	if !ok {
		return errors.New("not found")
	}
	fn(rt)
	return nil
}

func (s *fakeStore) status(name string) types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[name].Status
}

func (s *fakeStore) failures(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[name].Health.ConsecutiveFailures
}

type fakeProber struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{healthy: make(map[string]bool)}
}

func (p *fakeProber) setHealthy(name string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy[name] = healthy
}

func (p *fakeProber) Probe(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy[name] {
		return nil
	}
	return errors.New("probe failed")
}

type fakeRestarter struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRestarter) Restart(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return nil
}

func (r *fakeRestarter) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestMonitorPromotesStartingToRunningOnFirstSuccess(t *testing.T) {
	store := newFakeStore("a")
	prober := newFakeProber()
	prober.setHealthy("a", true)
	restarter := &fakeRestarter{}

	m := New(store, restarter, prober, Options{
		Interval:     20 * time.Millisecond,
		SyncInterval: 5 * time.Millisecond,
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return store.status("a") == types.StatusRunning
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorRestartsAfterConsecutiveFailures(t *testing.T) {
	store := newFakeStore("a")
	require.NoError(t, store.MutateRuntime("a", func(rt *types.WorkerRuntime) {
		rt.Status = types.StatusRunning
	}))
	prober := newFakeProber()
	prober.setHealthy("a", false)
	restarter := &fakeRestarter{}

	m := New(store, restarter, prober, Options{
		Interval:               5 * time.Millisecond,
		SyncInterval:           2 * time.Millisecond,
		MaxConsecutiveFailures: 2,
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return restarter.count("a") >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorStopsProbingRemovedWorker(t *testing.T) {
	store := newFakeStore("a")
	prober := newFakeProber()
	prober.setHealthy("a", true)
	restarter := &fakeRestarter{}

	m := New(store, restarter, prober, Options{
		Interval:     5 * time.Millisecond,
		SyncInterval: 2 * time.Millisecond,
	})
	m.Start()

	require.Eventually(t, func() bool {
		return store.status("a") == types.StatusRunning
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	delete(store.workers, "a")
	store.mu.Unlock()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, tracked := m.cancelFns["a"]
		return !tracked
	}, time.Second, 5*time.Millisecond)

	m.Stop()
}

func TestMonitorStopOneCancelsImmediately(t *testing.T) {
	store := newFakeStore("a", "b")
	prober := newFakeProber()
	prober.setHealthy("a", true)
	prober.setHealthy("b", true)
	restarter := &fakeRestarter{}

	m := New(store, restarter, prober, Options{
		Interval:     50 * time.Millisecond,
		SyncInterval: 5 * time.Millisecond,
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return store.status("a") == types.StatusRunning && store.status("b") == types.StatusRunning
	}, time.Second, 5*time.Millisecond)

	m.StopOne("a")

	m.mu.Lock()
	_, stillTracked := m.cancelFns["a"]
	m.mu.Unlock()
	assert.False(t, stillTracked)
}
