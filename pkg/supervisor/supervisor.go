// Package supervisor implements A4: the facade that wires every component
// together and owns the ordered startup and shutdown sequence.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/nazq/tei-manager/pkg/config"
	"github.com/nazq/tei-manager/pkg/health"
	"github.com/nazq/tei-manager/pkg/log"
	"github.com/nazq/tei-manager/pkg/metrics"
	"github.com/nazq/tei-manager/pkg/mux"
	"github.com/nazq/tei-manager/pkg/registry"
	"github.com/nazq/tei-manager/pkg/restapi"
	"github.com/nazq/tei-manager/pkg/state"
	"github.com/nazq/tei-manager/pkg/types"
	"github.com/nazq/tei-manager/pkg/worker"
)

// Supervisor owns C1-C5 and A1-A2, wiring them into the single running
// process a deployment starts and stops as a unit.
type Supervisor struct {
	cfg config.Config

	registry  *registry.Registry
	lifecycle *worker.Lifecycle
	monitor   *health.Monitor
	pool      *mux.BackendPool
	state     *state.Manager
	collector *metrics.Collector

	grpcServer   *grpc.Server
	grpcListener net.Listener
	restServer   *restapi.Server

	logger zerolog.Logger
}

// New wires every component from cfg. The registry's event broker and the
// pool's eviction loop start here; the monitor, the collector and both
// front doors are not started until Run.
func New(cfg config.Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := registry.New(registry.Options{
		MaxInstances:        cfg.MaxInstances,
		InstancePortStart:   cfg.InstancePortStart,
		InstancePortEnd:     cfg.InstancePortEnd,
		PrometheusPortStart: cfg.PrometheusPortStart,
	})

	lifecycle := worker.New(reg, worker.Options{
		BinaryPath:      cfg.TEIBinaryPath,
		LogDir:          cfg.LogDir,
		GracefulTimeout: cfg.GracefulShutdownTimeout,
		StartupDeadline: cfg.HealthCheckInitialDelay,
	})

	pool := mux.New(reg, mux.Options{IdleTTL: cfg.PoolIdleTTL})

	monitor := health.New(reg, lifecycle, pool, health.Options{
		InitialDelay:           cfg.HealthCheckInitialDelay,
		Interval:               cfg.HealthCheckInterval,
		MaxConsecutiveFailures: cfg.MaxFailuresBeforeRestart,
	})

	stateMgr := state.New(state.Options{
		StatePath: cfg.StateFile,
		Supervisor: types.SupervisorConfig{
			APIPort:                 cfg.APIPort,
			GRPCPort:                cfg.GRPCPort,
			LogDir:                  cfg.LogDir,
			InstancePortStart:       cfg.InstancePortStart,
			InstancePortEnd:         cfg.InstancePortEnd,
			MaxInstances:            cfg.MaxInstances,
			AutoRestoreOnRestart:    cfg.AutoRestoreOnRestart,
			GracefulShutdownTimeout: cfg.GracefulShutdownTimeout.String(),
		},
		Registry:        reg,
		Starter:         lifecycle,
		ReadinessWaiter: monitor,
	})
	reg.SetPersister(stateMgr)

	multiplexer := mux.NewMultiplexer(mux.ServerOptions{
		Pool:           pool,
		CallTimeout:    cfg.GRPCRequestTimeout,
		MaxArrowFanOut: cfg.GRPCMaxParallelStreams,
	})
	grpcServer := mux.NewServer(multiplexer, uint32(cfg.GRPCMaxParallelStreams))

	restServer := restapi.NewServer(restapi.Options{
		Addr:      fmt.Sprintf(":%d", cfg.APIPort),
		Registry:  reg,
		Lifecycle: lifecycle,
	})

	collector := metrics.NewCollector(reg, pool)

	return &Supervisor{
		cfg:        cfg,
		registry:   reg,
		lifecycle:  lifecycle,
		monitor:    monitor,
		pool:       pool,
		state:      stateMgr,
		collector:  collector,
		grpcServer: grpcServer,
		restServer: restServer,
		logger:     log.WithComponent("supervisor"),
	}, nil
}

// Run restores persisted instances (if configured), starts every
// background component and both front doors, then blocks until ctx is
// canceled. It always attempts an orderly Shutdown before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	restoreCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := s.state.RestoreOnStartup(restoreCtx, s.cfg.AutoRestoreOnRestart, s.cfg.AutoRestoreOnRestart, s.cfg.HealthCheckInitialDelay); err != nil {
		cancel()
		return fmt.Errorf("restoring persisted instances: %w", err)
	}
	cancel()

	s.monitor.Start()
	s.collector.Start()
	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("state", true, "")

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("binding grpc listener: %w", err)
	}
	s.grpcListener = lis

	grpcErrCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.cfg.GRPCPort).Msg("grpc multiplexer listening")
		if err := s.grpcServer.Serve(lis); err != nil {
			grpcErrCh <- err
		}
		close(grpcErrCh)
	}()
	metrics.RegisterComponent("grpcmux", true, "")

	restErrCh := make(chan error, 1)
	go func() {
		if err := s.restServer.Run(ctx); err != nil {
			restErrCh <- err
		}
		close(restErrCh)
	}()

	s.logger.Info().Str("config", s.cfg.String()).Msg("supervisor running")

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutdown requested")
	case err := <-grpcErrCh:
		if err != nil {
			s.logger.Error().Err(err).Msg("grpc server exited unexpectedly")
		}
	case err := <-restErrCh:
		if err != nil {
			s.logger.Error().Err(err).Msg("rest server exited unexpectedly")
		}
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops accepting new work on both front doors, then winds the
// rest of the stack down in dependency order: health probing first (so a
// probe failure during process teardown cannot trigger a spurious
// restart), then the connection pool, then a final state snapshot, then
// the worker processes themselves, stopped in parallel. The gRPC server
// gets up to the graceful shutdown timeout to drain in-flight calls before
// the remaining ones are canceled.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	deadline := s.cfg.GracefulShutdownTimeout
	if deadline == 0 {
		deadline = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	s.logger.Info().Msg("shutting down front doors")
	if err := s.restServer.Shutdown(); err != nil {
		s.logger.Error().Err(err).Msg("error shutting down rest api")
	}
	mux.Shutdown(s.grpcServer, deadline)
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}

	s.logger.Info().Msg("stopping health monitor")
	s.monitor.Stop()

	s.logger.Info().Msg("draining connection pool")
	s.pool.Close()

	if err := s.state.Save(); err != nil {
		s.logger.Error().Err(err).Msg("failed to save final state snapshot")
	}

	names := make([]string, 0)
	for _, v := range s.registry.List() {
		names = append(names, v.Config.Name)
	}
	s.logger.Info().Int("instances", len(names)).Msg("stopping worker processes")
	s.lifecycle.StopAll(shutdownCtx, names)

	s.collector.Stop()
	s.registry.Close()

	s.logger.Info().Msg("shutdown complete")
	return nil
}
