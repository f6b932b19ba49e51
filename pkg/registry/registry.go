// Package registry implements C1: the in-memory mapping of worker name to
// worker record, with uniqueness, port exclusivity, and instance-cap
// enforcement.
package registry

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/log"
	"github.com/nazq/tei-manager/pkg/types"
)

const maxPortScanAttempts = 1000

// record is the internal, mutable pairing of config and runtime.
type record struct {
	config  types.WorkerConfig
	runtime types.WorkerRuntime
}

// Persister is implemented by the state store. The registry calls it after
// every mutation that must survive a restart; it never calls it for pure
// runtime transitions.
type Persister interface {
	SaveInstances(configs []types.WorkerConfig) error
}

// Registry is the thread-safe, single-writer/multi-reader worker table.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*record

	maxInstances  int
	portStart     int
	portEnd       int
	promPortStart int
	nextPromPort  int

	persist Persister
	broker  *broker

	logger zerolog.Logger
}

// Options configures a new Registry.
type Options struct {
	MaxInstances        int
	InstancePortStart   int
	InstancePortEnd     int
	PrometheusPortStart int
	Persister           Persister
}

// New constructs an empty Registry and starts its event broker.
func New(opts Options) *Registry {
	b := newBroker()
	b.start()
	return &Registry{
		byName:        make(map[string]*record),
		maxInstances:  opts.MaxInstances,
		portStart:     opts.InstancePortStart,
		portEnd:       opts.InstancePortEnd,
		promPortStart: opts.PrometheusPortStart,
		nextPromPort:  opts.PrometheusPortStart,
		persist:       opts.Persister,
		broker:        b,
		logger:        log.WithComponent("registry"),
	}
}

// SetPersister wires the state store in after construction, breaking the
// constructor cycle between the registry and a persister that itself needs
// a Registry reference to read configs back from.
func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persist = p
}

// Subscribe returns a channel of instance lifecycle events.
func (r *Registry) Subscribe() Subscriber { return r.broker.Subscribe() }

// Unsubscribe stops delivery to sub.
func (r *Registry) Unsubscribe(sub Subscriber) { r.broker.Unsubscribe(sub) }

// Close stops the registry's event broker.
func (r *Registry) Close() { r.broker.stop() }

// Add validates config, reserves a port and a Prometheus port if unset,
// inserts the record in Created state, and persists the snapshot.
func (r *Registry) Add(config types.WorkerConfig) (types.WorkerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := validateConfig(config); err != nil {
		return types.WorkerView{}, err
	}

	if _, exists := r.byName[config.Name]; exists {
		return types.WorkerView{}, apierrors.New(apierrors.AlreadyExists, "instance %q already exists", config.Name)
	}

	if r.maxInstances > 0 && len(r.byName) >= r.maxInstances {
		return types.WorkerView{}, apierrors.New(apierrors.CapacityExceeded, "maximum instance count (%d) reached", r.maxInstances)
	}

	if config.Port == 0 {
		port, err := r.allocatePort()
		if err != nil {
			return types.WorkerView{}, err
		}
		config.Port = port
	} else {
		for _, rec := range r.byName {
			if rec.config.Port == config.Port {
				return types.WorkerView{}, apierrors.New(apierrors.PortConflict, "port %d already in use by instance %q", config.Port, rec.config.Name)
			}
		}
		if !canBind(config.Port) {
			return types.WorkerView{}, apierrors.New(apierrors.PortConflict, "port %d is not available", config.Port)
		}
	}

	if config.PrometheusPort == 0 {
		promPort, err := r.allocatePrometheusPort()
		if err != nil {
			return types.WorkerView{}, err
		}
		config.PrometheusPort = promPort
	}

	config.CreatedAt = time.Now()

	rec := &record{
		config: config,
		runtime: types.WorkerRuntime{
			Status:    types.StatusCreated,
			CreatedAt: config.CreatedAt,
		},
	}
	r.byName[config.Name] = rec

	if err := r.persistLocked(); err != nil {
		delete(r.byName, config.Name)
		return types.WorkerView{}, err
	}

	r.logger.Info().Str("instance", config.Name).Int("total_instances", len(r.byName)).
		Int("prometheus_port", config.PrometheusPort).Msg("instance added to registry")
	r.broker.publish(types.InstanceEvent{Kind: types.EventAdded, Name: config.Name})

	return viewOf(rec), nil
}

// Get returns a consistent snapshot of one worker's view.
func (r *Registry) Get(name string) (types.WorkerView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byName[name]
	if !ok {
		return types.WorkerView{}, apierrors.New(apierrors.NotFound, "instance %q not found", name)
	}
	return viewOf(rec), nil
}

// List returns a consistent snapshot of every worker, ordered by name
// insertion is not guaranteed; callers that need stable ordering should
// sort.
func (r *Registry) List() []types.WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]types.WorkerView, 0, len(r.byName))
	for _, rec := range r.byName {
		views = append(views, viewOf(rec))
	}
	return views
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Remove deletes a worker record. It fails with Busy unless the worker is
// in Created, Stopped, or Failed.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()

	rec, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return apierrors.New(apierrors.NotFound, "instance %q not found", name)
	}

	switch rec.runtime.Status {
	case types.StatusCreated, types.StatusStopped, types.StatusFailed:
	default:
		r.mu.Unlock()
		return apierrors.New(apierrors.Busy, "instance %q is %s, stop it before removing", name, rec.runtime.Status)
	}

	delete(r.byName, name)
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}

	r.logger.Info().Str("instance", name).Msg("instance removed from registry")
	r.broker.publish(types.InstanceEvent{Kind: types.EventRemoved, Name: name})
	return nil
}

// MutateRuntime executes fn under an exclusive lock on name's runtime
// fields, leaving config untouched. It is the only way the lifecycle and
// health monitor packages may change status, pid, restarts, or health.
func (r *Registry) MutateRuntime(name string, fn func(*types.WorkerRuntime)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byName[name]
	if !ok {
		return apierrors.New(apierrors.NotFound, "instance %q not found", name)
	}

	before := rec.runtime.Status
	fn(&rec.runtime)
	after := rec.runtime.Status

	if before != types.StatusRunning && after == types.StatusRunning {
		r.broker.publish(types.InstanceEvent{Kind: types.EventStarted, Name: name})
	} else if before == types.StatusRunning && after != types.StatusRunning {
		r.broker.publish(types.InstanceEvent{Kind: types.EventStopped, Name: name})
	}
	return nil
}

// Configs returns the declared configuration of every worker, the shape
// persisted into the state snapshot.
func (r *Registry) Configs() []types.WorkerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]types.WorkerConfig, 0, len(r.byName))
	for _, rec := range r.byName {
		configs = append(configs, rec.config)
	}
	return configs
}

// Restore inserts config directly in Created state without invoking the
// persister, used once per entry by the state store's startup restore pass
// so reloading N persisted workers does not trigger N rewrites of the file
// it just read.
func (r *Registry) Restore(config types.WorkerConfig) (types.WorkerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[config.Name]; exists {
		return types.WorkerView{}, apierrors.New(apierrors.AlreadyExists, "instance %q already exists", config.Name)
	}

	rec := &record{
		config: config,
		runtime: types.WorkerRuntime{
			Status:    types.StatusCreated,
			CreatedAt: config.CreatedAt,
		},
	}
	r.byName[config.Name] = rec
	r.broker.publish(types.InstanceEvent{Kind: types.EventAdded, Name: config.Name})
	return viewOf(rec), nil
}

func (r *Registry) persistLocked() error {
	if r.persist == nil {
		return nil
	}
	configs := make([]types.WorkerConfig, 0, len(r.byName))
	for _, rec := range r.byName {
		configs = append(configs, rec.config)
	}
	if err := r.persist.SaveInstances(configs); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist state snapshot")
		return apierrors.Wrap(apierrors.Internal, err, "failed to persist state snapshot")
	}
	return nil
}

// allocatePort performs a linear scan of [portStart, portEnd], skipping
// ports held by any live record and ports that fail a transient bind
// probe. Must be called with r.mu held.
func (r *Registry) allocatePort() (int, error) {
	held := make(map[int]bool, len(r.byName))
	for _, rec := range r.byName {
		held[rec.config.Port] = true
	}

	for port := r.portStart; port <= r.portEnd; port++ {
		if held[port] {
			continue
		}
		if canBind(port) {
			return port, nil
		}
	}
	return 0, apierrors.New(apierrors.PortExhausted, "no free port in range %d-%d", r.portStart, r.portEnd)
}

// allocatePrometheusPort mirrors the distilled core's Prometheus port
// auto-assignment: a monotonically increasing allocator bounded at 1000
// scan attempts. Must be called with r.mu held.
func (r *Registry) allocatePrometheusPort() (int, error) {
	for offset := 0; offset < maxPortScanAttempts; offset++ {
		port := r.nextPromPort + offset
		if canBind(port) {
			r.nextPromPort = port + 1
			return port, nil
		}
	}
	return 0, apierrors.New(apierrors.PortExhausted, "could not find a free prometheus port starting at %d", r.nextPromPort)
}

func canBind(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func validateConfig(config types.WorkerConfig) error {
	if config.Name == "" {
		return apierrors.New(apierrors.InvalidConfig, "instance name cannot be empty")
	}
	for _, c := range config.Name {
		if c == '/' || c == '\\' {
			return apierrors.New(apierrors.InvalidConfig, "instance name %q cannot contain path separators", config.Name)
		}
	}
	if config.ModelID == "" {
		return apierrors.New(apierrors.InvalidConfig, "instance %q: model_id cannot be empty", config.Name)
	}
	if config.Port != 0 && config.Port < 1024 {
		return apierrors.New(apierrors.InvalidConfig, "instance %q: port must be >= 1024 (got %d)", config.Name, config.Port)
	}
	for _, flag := range []string{"--model-id", "--port", "--max-batch-tokens", "--max-concurrent-requests", "--json-output", "--prometheus-port"} {
		for _, arg := range config.ExtraArgs {
			if arg == flag {
				return apierrors.New(apierrors.InvalidConfig, "instance %q: extra_args must not duplicate %s, which the supervisor sets itself", config.Name, flag)
			}
		}
	}
	return nil
}

func viewOf(rec *record) types.WorkerView {
	return types.WorkerView{Config: rec.config, Runtime: rec.runtime}
}
