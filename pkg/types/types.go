// Package types holds the data model shared across the registry, lifecycle,
// health, state, and multiplexer packages.
package types

import "time"

// Status is the lifecycle state of a worker record.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// WorkerConfig is the declarative identity of a worker. It is the only part
// of a worker record that is persisted.
type WorkerConfig struct {
	Name                  string   `toml:"name" json:"name"`
	ModelID               string   `toml:"model_id" json:"model_id"`
	Port                  int      `toml:"port" json:"port"`
	GPUID                 *int     `toml:"gpu_id,omitempty" json:"gpu_id,omitempty"`
	MaxBatchTokens        int      `toml:"max_batch_tokens" json:"max_batch_tokens"`
	MaxConcurrentRequests int      `toml:"max_concurrent_requests" json:"max_concurrent_requests"`
	Pooling               string   `toml:"pooling,omitempty" json:"pooling,omitempty"`
	PrometheusPort        int      `toml:"prometheus_port,omitempty" json:"prometheus_port,omitempty"`
	ExtraArgs             []string `toml:"extra_args,omitempty" json:"extra_args,omitempty"`
	CreatedAt             time.Time `toml:"created_at,omitempty" json:"created_at,omitempty"`
}

// Health tracks the probe-derived state of a worker. Part of WorkerRuntime;
// never persisted.
type Health struct {
	ConsecutiveFailures int
	LastCheckAt         time.Time
	LastSuccessAt       time.Time
}

// WorkerRuntime is volatile process state. It is rebuilt on every restore
// and must never be written to the state snapshot.
type WorkerRuntime struct {
	PID       int
	Status    Status
	CreatedAt time.Time
	StartedAt time.Time
	Restarts  int
	Health    Health
	LogSink   string
}

// WorkerView is the merged, read-only projection returned to API callers.
type WorkerView struct {
	Config  WorkerConfig
	Runtime WorkerRuntime
}

// SupervisorConfig is the supervisor-level block stored alongside the
// instance list in the state snapshot.
type SupervisorConfig struct {
	APIPort                  int    `toml:"api_port"`
	GRPCPort                 int    `toml:"grpc_port"`
	LogDir                   string `toml:"log_dir"`
	InstancePortStart        int    `toml:"instance_port_start"`
	InstancePortEnd          int    `toml:"instance_port_end"`
	MaxInstances             int    `toml:"max_instances"`
	AutoRestoreOnRestart     bool   `toml:"auto_restore_on_restart"`
	GracefulShutdownTimeout  string `toml:"graceful_shutdown_timeout"`
}

// StateSnapshot is the durable, declarative view of the fleet. It carries no
// WorkerRuntime fields: PIDs and status are meaningless across a restart.
type StateSnapshot struct {
	LastUpdated time.Time        `toml:"last_updated"`
	Supervisor  SupervisorConfig `toml:"supervisor"`
	Instances   []WorkerConfig   `toml:"instances"`
}

// EventKind identifies the kind of registry lifecycle event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
	EventRemoved EventKind = "removed"
)

// InstanceEvent is published by the registry whenever a worker's lifecycle
// reaches a boundary the backend pool's eviction loop cares about.
type InstanceEvent struct {
	Kind EventKind
	Name string
}
