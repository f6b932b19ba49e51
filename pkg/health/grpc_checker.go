package health

import (
	"context"
	"fmt"
	"time"
)

// Prober issues the lightweight info RPC used as a worker's liveness probe.
// The backend connection pool (C5) implements this so the monitor is just
// another pooled client of the worker it watches.
type Prober interface {
	Probe(ctx context.Context, instanceName string) error
}

// GRPCChecker adapts a Prober into a Checker, satisfying the probe contract:
// one bounded-deadline RPC per check, success or failure only.
type GRPCChecker struct {
	InstanceName string
	Prober       Prober
}

// NewGRPCChecker constructs a Checker that probes instanceName through
// prober.
func NewGRPCChecker(instanceName string, prober Prober) *GRPCChecker {
	return &GRPCChecker{InstanceName: instanceName, Prober: prober}
}

// Check issues one probe RPC and reports the outcome.
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := g.Prober.Probe(ctx, g.InstanceName)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   "probe succeeded",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (g *GRPCChecker) Type() CheckType { return CheckTypeGRPC }
