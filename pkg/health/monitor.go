// Package health implements C3: per-worker liveness probing, the state
// transitions it drives, and the generic checker primitives (Status,
// Config, Checker) shared by every probe mechanism.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/log"
	"github.com/nazq/tei-manager/pkg/metrics"
	"github.com/nazq/tei-manager/pkg/types"
)

const waitReadyPollInterval = 300 * time.Millisecond

// RuntimeStore is the subset of the registry the monitor needs.
type RuntimeStore interface {
	List() []types.WorkerView
	MutateRuntime(name string, fn func(*types.WorkerRuntime)) error
}

// Restarter is implemented by the lifecycle package.
type Restarter interface {
	Restart(ctx context.Context, name string) error
}

// Options configures a Monitor.
type Options struct {
	InitialDelay           time.Duration
	Interval               time.Duration
	MaxConsecutiveFailures int // 0 disables auto-restart
	SyncInterval           time.Duration
}

// Monitor owns one probe goroutine per Starting, Running or Failed worker
// (a Failed worker keeps being probed, so that its failed probes lead to
// an auto-restart once the failure threshold is reached). It
// reconciles its tracked set against the registry on a short ticker,
// mirroring the distilled core's periodic sync rather than polling continuously
// on every registry event, since a worker can enter Starting without a
// broker event (the registry only publishes on Running/non-Running edges).
type Monitor struct {
	store     RuntimeStore
	restarter Restarter
	prober    Prober
	opts      Options

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc

	stopCh chan struct{}
	doneCh chan struct{}

	logger zerolog.Logger
}

// New constructs a Monitor. Call Start to begin reconciliation.
func New(store RuntimeStore, restarter Restarter, prober Prober, opts Options) *Monitor {
	if opts.SyncInterval == 0 {
		opts.SyncInterval = 2 * time.Second
	}
	if opts.Interval == 0 {
		opts.Interval = 30 * time.Second
	}
	return &Monitor{
		store:     store,
		restarter: restarter,
		prober:    prober,
		opts:      opts,
		cancelFns: make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    log.WithComponent("health_monitor"),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop cancels every probe task and waits for the reconciliation loop to
// exit. Must be called before the worker processes themselves are killed,
// so a probe failure mid-shutdown cannot trigger a spurious restart.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, cancel := range m.cancelFns {
		cancel()
		delete(m.cancelFns, name)
	}
}

// StopOne cancels the probe task for a single worker, used by Stop/Remove
// on an individual instance so it doesn't wait for the next sync tick.
func (m *Monitor) StopOne(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancelFns[name]; ok {
		cancel()
		delete(m.cancelFns, name)
	}
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.SyncInterval)
	defer ticker.Stop()

	m.sync()
	for {
		select {
		case <-ticker.C:
			m.sync()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) sync() {
	views := m.store.List()
	live := make(map[string]bool, len(views))

	for _, v := range views {
		switch v.Runtime.Status {
		case types.StatusStarting, types.StatusRunning, types.StatusFailed:
			live[v.Config.Name] = true
		}
	}

	m.mu.Lock()
	for name, cancel := range m.cancelFns {
		if !live[name] {
			cancel()
			delete(m.cancelFns, name)
		}
	}
	toStart := make([]string, 0)
	for name := range live {
		if _, tracked := m.cancelFns[name]; !tracked {
			toStart = append(toStart, name)
		}
	}
	m.mu.Unlock()

	for _, name := range toStart {
		m.startProbing(name)
	}
}

// WaitReady implements state.ReadinessWaiter: it polls the registry until
// name reaches Running, Failed, or ctx expires, for use during startup
// restore when the caller asked to wait for readiness.
func (m *Monitor) WaitReady(ctx context.Context, name string) error {
	ticker := time.NewTicker(waitReadyPollInterval)
	defer ticker.Stop()

	for {
		for _, v := range m.store.List() {
			if v.Config.Name != name {
				continue
			}
			switch v.Runtime.Status {
			case types.StatusRunning:
				return nil
			case types.StatusFailed:
				return apierrors.New(apierrors.Unavailable, "worker %q failed before becoming ready", name)
			}
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return apierrors.Wrap(apierrors.DeadlineExceeded, ctx.Err(), "timed out waiting for %q to become ready", name)
		}
	}
}

func (m *Monitor) startProbing(name string) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.cancelFns[name] = cancel
	m.mu.Unlock()

	go m.probeLoop(ctx, name)
}

func (m *Monitor) probeLoop(ctx context.Context, name string) {
	select {
	case <-time.After(m.opts.InitialDelay):
	case <-ctx.Done():
		return
	case <-m.stopCh:
		return
	}

	checker := NewGRPCChecker(name, m.prober)
	status := NewStatus()
	cfg := Config{
		Interval: m.opts.Interval,
		Timeout:  m.opts.Interval / 2,
		Retries:  m.opts.MaxConsecutiveFailures,
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.runProbe(ctx, name, checker, status, cfg)
	for {
		select {
		case <-ticker.C:
			m.runProbe(ctx, name, checker, status, cfg)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context, name string, checker *GRPCChecker, status *Status, cfg Config) {
	checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	timer := metrics.NewTimer()
	result := checker.Check(checkCtx)
	timer.ObserveDurationVec(metrics.ProbeLatency, name)
	if !result.Healthy {
		metrics.ProbeFailuresTotal.WithLabelValues(name).Inc()
	}
	status.Update(result, cfg)

	err := m.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
		rt.Health.LastCheckAt = result.CheckedAt
		if result.Healthy {
			rt.Health.ConsecutiveFailures = 0
			rt.Health.LastSuccessAt = result.CheckedAt
			if rt.Status == types.StatusStarting {
				rt.Status = types.StatusRunning
			}
		} else {
			rt.Health.ConsecutiveFailures++
		}
	})
	if err != nil {
		// worker was removed between sync and probe; the next sync will
		// cancel this loop.
		return
	}

	if !result.Healthy && cfg.Retries > 0 && status.ConsecutiveFailures >= cfg.Retries {
		m.logger.Warn().Str("instance", name).Int("consecutive_failures", status.ConsecutiveFailures).
			Msg("worker failed consecutive health probes, restarting")
		restartCtx, restartCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.restarter.Restart(restartCtx, name); err != nil {
			m.logger.Error().Err(err).Str("instance", name).Msg("auto-restart after health failure did not complete")
		}
		restartCancel()
		status.ConsecutiveFailures = 0
		_ = m.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
			rt.Health.ConsecutiveFailures = 0
		})
	}
}
