// Package worker implements C2: spawning, stopping, and restarting the OS
// process backing one worker record.
package worker

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

const restartSettleDelay = 2 * time.Second

// RuntimeStore is the subset of the registry the lifecycle needs: read
// access to configuration and exclusive mutation of runtime fields.
type RuntimeStore interface {
	Get(name string) (types.WorkerView, error)
	MutateRuntime(name string, fn func(*types.WorkerRuntime)) error
}

// Lifecycle owns process spawn/stop/restart for every worker, serializing
// operations per worker name while allowing different workers to progress
// concurrently.
type Lifecycle struct {
	store   RuntimeStore
	procMgr ProcessManager

	binaryPath         string
	logDir             string
	gracefulTimeout    time.Duration
	startupDeadline    time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	handles map[string]*ProcessHandle

	logger zerolog.Logger
}

// Options configures a new Lifecycle.
type Options struct {
	ProcessManager  ProcessManager
	BinaryPath      string
	LogDir          string
	GracefulTimeout time.Duration
	StartupDeadline time.Duration
}

// New constructs a Lifecycle bound to store.
func New(store RuntimeStore, opts Options) *Lifecycle {
	procMgr := opts.ProcessManager
	if procMgr == nil {
		procMgr = NewSystemProcessManager()
	}
	gracefulTimeout := opts.GracefulTimeout
	if gracefulTimeout == 0 {
		gracefulTimeout = 5 * time.Second
	}
	return &Lifecycle{
		store:           store,
		procMgr:         procMgr,
		binaryPath:      opts.BinaryPath,
		logDir:          opts.LogDir,
		gracefulTimeout: gracefulTimeout,
		startupDeadline: opts.StartupDeadline,
		locks:           make(map[string]*sync.Mutex),
		handles:         make(map[string]*ProcessHandle),
		logger:          log.WithComponent("lifecycle"),
	}
}

func (l *Lifecycle) lockFor(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[name]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[name] = lk
	}
	return lk
}

// Start spawns name's process if not already running. Idempotent when the
// worker is already Starting or Running.
func (l *Lifecycle) Start(ctx context.Context, name string) error {
	lk := l.lockFor(name)
	lk.Lock()
	defer lk.Unlock()

	view, err := l.store.Get(name)
	if err != nil {
		return err
	}
	if view.Runtime.Status == types.StatusStarting || view.Runtime.Status == types.StatusRunning {
		return nil
	}

	return l.startLocked(ctx, name)
}

// reap blocks until the child exits and, if the exit was unexpected (the
// worker was not already Stopping/Stopped at the time), transitions the
// record to Failed.
func (l *Lifecycle) reap(name string, handle *ProcessHandle) {
	if handle.cmd == nil {
		return
	}
	_ = handle.cmd.Wait()

	l.mu.Lock()
	current, tracked := l.handles[name]
	l.mu.Unlock()
	if !tracked || current != handle {
		return
	}

	_ = l.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
		if rt.Status == types.StatusStopping || rt.Status == types.StatusStopped {
			return
		}
		rt.Status = types.StatusFailed
		rt.PID = 0
	})
	l.logger.Warn().Str("instance", name).Msg("worker process exited unexpectedly")
}

// Stop transitions the worker to Stopping, sends SIGTERM, waits up to the
// graceful timeout, then sends SIGKILL. Always ends in Stopped.
func (l *Lifecycle) Stop(ctx context.Context, name string) error {
	lk := l.lockFor(name)
	lk.Lock()
	defer lk.Unlock()

	if _, err := l.store.Get(name); err != nil {
		return err
	}
	return l.stopLocked(ctx, name)
}

// Restart stops then starts the worker after a short settle delay,
// incrementing restarts by one. Atomic from the caller's perspective: a
// concurrent Start/Stop on the same name blocks until this completes.
func (l *Lifecycle) Restart(ctx context.Context, name string) error {
	lk := l.lockFor(name)
	lk.Lock()

	if _, err := l.store.Get(name); err != nil {
		lk.Unlock()
		return err
	}

	if err := l.stopLocked(ctx, name); err != nil {
		lk.Unlock()
		return err
	}

	select {
	case <-time.After(restartSettleDelay):
	case <-ctx.Done():
		lk.Unlock()
		return apierrors.Wrap(apierrors.DeadlineExceeded, ctx.Err(), "restart of %q canceled during settle delay", name)
	}

	if err := l.startLocked(ctx, name); err != nil {
		lk.Unlock()
		return err
	}

	err := l.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
		rt.Restarts++
	})
	lk.Unlock()
	if err == nil {
		metrics.RestartsTotal.WithLabelValues(name).Inc()
	}
	return err
}

// stopLocked and startLocked contain Stop/Start's body without acquiring
// the per-name lock, for use by Restart which already holds it.
func (l *Lifecycle) stopLocked(ctx context.Context, name string) error {
	if err := l.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
		rt.Status = types.StatusStopping
	}); err != nil {
		return err
	}

	l.mu.Lock()
	handle := l.handles[name]
	delete(l.handles, name)
	l.mu.Unlock()

	if handle != nil {
		if err := l.procMgr.Stop(ctx, handle, l.gracefulTimeout); err != nil {
			l.logger.Error().Err(err).Str("instance", name).Msg("error stopping worker process")
		}
	}

	return l.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
		rt.Status = types.StatusStopped
		rt.PID = 0
	})
}

func (l *Lifecycle) startLocked(ctx context.Context, name string) error {
	view, err := l.store.Get(name)
	if err != nil {
		return err
	}

	spawnCfg := SpawnConfig{
		InstanceName:          view.Config.Name,
		BinaryPath:            l.binaryPath,
		ModelID:               view.Config.ModelID,
		Port:                  view.Config.Port,
		MaxBatchTokens:        view.Config.MaxBatchTokens,
		MaxConcurrentRequests: view.Config.MaxConcurrentRequests,
		Pooling:               view.Config.Pooling,
		GPUID:                 view.Config.GPUID,
		PrometheusPort:        view.Config.PrometheusPort,
		ExtraArgs:             view.Config.ExtraArgs,
		LogDir:                l.logDir,
	}

	handle, err := l.procMgr.Spawn(ctx, spawnCfg)
	if err != nil {
		_ = l.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
			rt.Status = types.StatusFailed
		})
		return err
	}

	l.mu.Lock()
	l.handles[name] = handle
	l.mu.Unlock()

	now := time.Now()
	if err := l.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
		rt.Status = types.StatusStarting
		rt.PID = handle.PID
		rt.StartedAt = now
		rt.LogSink = handle.LogPath
	}); err != nil {
		return err
	}

	go l.reap(name, handle)
	if l.startupDeadline > 0 {
		go l.enforceStartupDeadline(name, handle)
	}
	return nil
}

// enforceStartupDeadline marks name Failed and stops its process if it is
// still Starting once startupDeadline elapses without a successful probe
// promoting it to Running, satisfying the Starting -> Failed timeout
// transition from the state machine (health.Monitor drives the
// Starting -> Running edge on the first successful probe; this is the
// complementary failure edge for a process that never responds at all).
func (l *Lifecycle) enforceStartupDeadline(name string, handle *ProcessHandle) {
	time.Sleep(l.startupDeadline)

	lk := l.lockFor(name)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	current, tracked := l.handles[name]
	l.mu.Unlock()
	if !tracked || current != handle {
		return
	}

	var timedOut bool
	err := l.store.MutateRuntime(name, func(rt *types.WorkerRuntime) {
		if rt.Status != types.StatusStarting {
			return
		}
		rt.Status = types.StatusFailed
		rt.PID = 0
		timedOut = true
	})
	if err != nil || !timedOut {
		return
	}

	l.mu.Lock()
	delete(l.handles, name)
	l.mu.Unlock()

	l.logger.Warn().Str("instance", name).Dur("deadline", l.startupDeadline).
		Msg("worker did not become ready before startup deadline, marking failed")
	if err := l.procMgr.Stop(context.Background(), handle, l.gracefulTimeout); err != nil {
		l.logger.Error().Err(err).Str("instance", name).Msg("error stopping worker process after startup deadline")
	}
}

// StopAll stops every tracked worker in parallel with a joint deadline,
// used by the supervisor during graceful shutdown.
func (l *Lifecycle) StopAll(ctx context.Context, names []string) {
	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Stop(ctx, name); err != nil {
				l.logger.Error().Err(err).Str("instance", name).Msg("error stopping worker during shutdown")
			}
		}()
	}
	wg.Wait()
}
