package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/log"
	"github.com/nazq/tei-manager/pkg/types"
)

// Registry is the subset of registry.Registry the state manager needs.
type Registry interface {
	Configs() []types.WorkerConfig
	Restore(config types.WorkerConfig) (types.WorkerView, error)
}

// Starter starts a restored worker's process, implemented by the lifecycle
// package.
type Starter interface {
	Start(ctx context.Context, name string) error
}

// ReadinessWaiter blocks until name's first successful health probe, or
// ctx's deadline, whichever comes first. Restore uses it when the caller
// asks to wait for readiness.
type ReadinessWaiter interface {
	WaitReady(ctx context.Context, name string) error
}

// Options configures a Manager.
type Options struct {
	StatePath          string
	Supervisor         types.SupervisorConfig
	Registry           Registry
	Starter            Starter
	ReadinessWaiter    ReadinessWaiter
	Backend            Backend
	RestoreConcurrency int
}

// Manager persists the declared fleet to disk and restores it on startup.
type Manager struct {
	path       string
	supervisor types.SupervisorConfig
	registry   Registry
	starter    Starter
	waiter     ReadinessWaiter
	backend    Backend
	concurrency int

	restoring atomic.Bool

	logger zerolog.Logger
}

// New constructs a Manager. If opts.Backend is nil, the real filesystem is
// used.
func New(opts Options) *Manager {
	backend := opts.Backend
	if backend == nil {
		backend = NewFileSystemBackend()
	}
	concurrency := opts.RestoreConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Manager{
		path:        opts.StatePath,
		supervisor:  opts.Supervisor,
		registry:    opts.Registry,
		starter:     opts.Starter,
		waiter:      opts.ReadinessWaiter,
		backend:     backend,
		concurrency: concurrency,
		logger:      log.WithComponent("state"),
	}
}

// Save serializes the registry's current declared configuration plus the
// supervisor block to TOML and writes it atomically. Used for the final
// snapshot during graceful shutdown, when no registry lock is held.
func (m *Manager) Save() error {
	return m.SaveInstances(m.registry.Configs())
}

// SaveInstances implements registry.Persister: it serializes exactly the
// configs the registry passes in, rather than re-reading the registry,
// since the registry calls this while already holding its own lock.
func (m *Manager) SaveInstances(configs []types.WorkerConfig) error {
	snapshot := types.StateSnapshot{
		LastUpdated: time.Now(),
		Supervisor:  m.supervisor,
		Instances:   configs,
	}

	content, err := toml.Marshal(snapshot)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, err, "failed to serialize state snapshot")
	}

	if err := m.backend.Save(m.path, content); err != nil {
		return err
	}
	m.logger.Debug().Int("instances", len(snapshot.Instances)).Str("path", m.path).Msg("state saved")
	return nil
}

// Load reads and parses the snapshot. A missing file yields an empty
// snapshot; a file that exists but fails to parse is a hard error.
func (m *Manager) Load() (types.StateSnapshot, error) {
	content, ok, err := m.backend.Load(m.path)
	if err != nil {
		return types.StateSnapshot{}, err
	}
	if !ok {
		m.logger.Info().Str("path", m.path).Msg("no state file found, starting fresh")
		return types.StateSnapshot{}, nil
	}

	var snapshot types.StateSnapshot
	if err := toml.Unmarshal(content, &snapshot); err != nil {
		return types.StateSnapshot{}, apierrors.Wrap(apierrors.Internal, err,
			"state file %q is corrupted and could not be parsed; fix or delete it manually", m.path)
	}
	m.logger.Info().Int("instances", len(snapshot.Instances)).Str("path", m.path).Msg("state loaded from disk")
	return snapshot, nil
}

// RestoreOnStartup reinserts every persisted worker into the registry and,
// if autoStart is set, starts its process. When waitForReady is set, it
// blocks (bounded by readyTimeout per worker, run with bounded concurrency)
// until each restored worker's first successful probe or the timeout,
// whichever comes first. A worker that is not ready in time is logged and
// counted; its status is left unchanged and the rest of the restore
// carries on.
func (m *Manager) RestoreOnStartup(ctx context.Context, autoStart, waitForReady bool, readyTimeout time.Duration) error {
	if !m.restoring.CompareAndSwap(false, true) {
		return apierrors.New(apierrors.Busy, "a restore operation is already in progress")
	}
	defer m.restoring.Store(false)

	snapshot, err := m.Load()
	if err != nil {
		return err
	}
	if len(snapshot.Instances) == 0 {
		m.logger.Info().Msg("no instances to restore")
		return nil
	}

	m.logger.Info().Int("instances", len(snapshot.Instances)).Msg("restoring instances from state")

	var restored, failed int
	readyNames := make([]string, 0, len(snapshot.Instances))

	for _, cfg := range snapshot.Instances {
		if _, err := m.registry.Restore(cfg); err != nil {
			m.logger.Error().Err(err).Str("instance", cfg.Name).Msg("failed to restore instance into registry")
			failed++
			continue
		}
		if !autoStart {
			restored++
			continue
		}
		if err := m.starter.Start(ctx, cfg.Name); err != nil {
			m.logger.Error().Err(err).Str("instance", cfg.Name).Msg("failed to start restored instance")
			failed++
			continue
		}
		restored++
		if waitForReady {
			readyNames = append(readyNames, cfg.Name)
		}
	}

	readinessFailed := m.waitAllReady(ctx, readyNames, readyTimeout)

	m.logger.Info().Int("restored", restored).Int("failed", failed).Int("readiness_failed", readinessFailed).
		Msg("instance restoration complete")
	return nil
}

// waitAllReady runs readiness waits for names with bounded concurrency,
// grounded in the original's JoinSet-based readiness wait but expressed as
// a fixed-size Go worker pool.
func (m *Manager) waitAllReady(ctx context.Context, names []string, timeout time.Duration) int {
	if m.waiter == nil || len(names) == 0 {
		return 0
	}

	var failed int32
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup

	for _, name := range names {
		name := name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := m.waiter.WaitReady(waitCtx, name); err != nil {
				m.logger.Warn().Err(err).Str("instance", name).Msg("restored instance failed to become ready")
				atomic.AddInt32(&failed, 1)
			} else {
				m.logger.Debug().Str("instance", name).Msg("restored instance readiness check completed")
			}
		}()
	}
	wg.Wait()
	return int(failed)
}
