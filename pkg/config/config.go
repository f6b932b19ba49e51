// Package config loads and validates the supervisor's configuration from an
// optional TOML file and environment variable overrides, in increasing
// precedence. CLI flag overrides are applied on top by cmd/tei-manager.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/types"
)

// Config is the full set of options recognized by the supervisor.
type Config struct {
	APIPort                  int           `toml:"api_port"`
	GRPCPort                 int           `toml:"grpc_port"`
	StateFile                string        `toml:"state_file"`
	TEIBinaryPath            string        `toml:"tei_binary_path"`
	LogDir                   string        `toml:"log_dir"`
	HealthCheckInitialDelay  time.Duration `toml:"-"`
	HealthCheckInterval      time.Duration `toml:"-"`
	MaxFailuresBeforeRestart int           `toml:"max_failures_before_restart"`
	GracefulShutdownTimeout  time.Duration `toml:"-"`
	AutoRestoreOnRestart     bool          `toml:"auto_restore_on_restart"`
	MaxInstances             int           `toml:"max_instances"`
	InstancePortStart        int           `toml:"instance_port_start"`
	InstancePortEnd          int           `toml:"instance_port_end"`
	PrometheusPortStart      int           `toml:"prometheus_port_start"`
	GRPCRequestTimeout       time.Duration `toml:"-"`
	GRPCMaxParallelStreams   int           `toml:"grpc_max_parallel_streams"`
	PoolIdleTTL              time.Duration `toml:"-"`
	Instances                []types.WorkerConfig `toml:"instances"`

	// raw duration fields backing the time.Duration values above, since
	// go-toml/v2 does not decode time.Duration from plain integers.
	HealthCheckInitialDelaySecs int `toml:"health_check_initial_delay_secs"`
	HealthCheckIntervalSecs     int `toml:"health_check_interval_secs"`
	GracefulShutdownTimeoutSecs int `toml:"graceful_shutdown_timeout_secs"`
	GRPCRequestTimeoutSecs      int `toml:"grpc_request_timeout_secs"`
	PoolIdleTTLSecs             int `toml:"pool_idle_ttl_secs"`
}

// Default returns the built-in configuration, matching the defaults of the
// system this specification was distilled from.
func Default() Config {
	return Config{
		APIPort:                     9000,
		GRPCPort:                    9001,
		StateFile:                   "/data/tei-manager-state.toml",
		TEIBinaryPath:               "text-embeddings-router",
		LogDir:                      "/data/logs",
		HealthCheckInitialDelaySecs: 60,
		HealthCheckIntervalSecs:     30,
		MaxFailuresBeforeRestart:    3,
		GracefulShutdownTimeoutSecs: 30,
		AutoRestoreOnRestart:        false,
		MaxInstances:                0,
		InstancePortStart:           18080,
		InstancePortEnd:             18180,
		PrometheusPortStart:         9100,
		GRPCRequestTimeoutSecs:      30,
		GRPCMaxParallelStreams:      64,
		PoolIdleTTLSecs:             300,
	}.withDurations()
}

func (c Config) withDurations() Config {
	c.HealthCheckInitialDelay = time.Duration(c.HealthCheckInitialDelaySecs) * time.Second
	c.HealthCheckInterval = time.Duration(c.HealthCheckIntervalSecs) * time.Second
	c.GracefulShutdownTimeout = time.Duration(c.GracefulShutdownTimeoutSecs) * time.Second
	c.GRPCRequestTimeout = time.Duration(c.GRPCRequestTimeoutSecs) * time.Second
	c.PoolIdleTTL = time.Duration(c.PoolIdleTTLSecs) * time.Second
	return c
}

// Load reads the configuration from path (if non-empty), then applies
// environment variable overrides. Call Validate afterward.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, apierrors.Wrap(apierrors.Internal, err, "failed to read config file %q", path)
		}
		if err := toml.Unmarshal(content, &cfg); err != nil {
			return Config{}, apierrors.Wrap(apierrors.Internal, err, "failed to parse TOML config %q", path)
		}
	}

	if v, ok := os.LookupEnv("TEI_MANAGER_API_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, apierrors.Wrap(apierrors.InvalidConfig, err, "invalid TEI_MANAGER_API_PORT value %q", v)
		}
		cfg.APIPort = port
	}
	if v, ok := os.LookupEnv("TEI_MANAGER_STATE_FILE"); ok {
		cfg.StateFile = v
	}
	if v, ok := os.LookupEnv("TEI_MANAGER_HEALTH_CHECK_INTERVAL"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, apierrors.Wrap(apierrors.InvalidConfig, err, "invalid TEI_MANAGER_HEALTH_CHECK_INTERVAL value %q", v)
		}
		cfg.HealthCheckIntervalSecs = secs
	}
	if v, ok := os.LookupEnv("TEI_BINARY_PATH"); ok {
		cfg.TEIBinaryPath = v
	}

	return cfg.withDurations(), nil
}

// Validate checks field-level and cross-field invariants before the config
// is handed to the registry and state store.
func (c Config) Validate() error {
	if c.APIPort < 1024 {
		return apierrors.New(apierrors.InvalidConfig, "api_port must be >= 1024 (got %d)", c.APIPort)
	}
	if c.GRPCPort < 1024 {
		return apierrors.New(apierrors.InvalidConfig, "grpc_port must be >= 1024 (got %d)", c.GRPCPort)
	}
	if c.GRPCPort == c.APIPort {
		return apierrors.New(apierrors.InvalidConfig, "grpc_port must differ from api_port (both %d)", c.APIPort)
	}

	ports := map[int]string{}
	names := map[string]bool{}
	for _, inst := range c.Instances {
		if inst.Name == "" {
			return apierrors.New(apierrors.InvalidConfig, "instance name cannot be empty")
		}
		if strings.ContainsAny(inst.Name, "/\\") {
			return apierrors.New(apierrors.InvalidConfig, "instance name %q cannot contain path separators", inst.Name)
		}
		if names[inst.Name] {
			return apierrors.New(apierrors.InvalidConfig, "duplicate instance name %q", inst.Name)
		}
		names[inst.Name] = true

		if inst.Port != 0 {
			if inst.Port < 1024 {
				return apierrors.New(apierrors.InvalidConfig, "instance %q port must be >= 1024 (got %d)", inst.Name, inst.Port)
			}
			if inst.Port == c.APIPort || inst.Port == c.GRPCPort {
				return apierrors.New(apierrors.InvalidConfig, "instance %q port %d conflicts with a front-door port", inst.Name, inst.Port)
			}
			if owner, exists := ports[inst.Port]; exists {
				return apierrors.New(apierrors.InvalidConfig, "duplicate port %d in instances %q and %q", inst.Port, owner, inst.Name)
			}
			ports[inst.Port] = inst.Name
		}
	}

	if c.StateFile != "" {
		dir := filepath.Dir(c.StateFile)
		if dir != "." {
			if _, err := os.Stat(dir); err != nil {
				if os.IsNotExist(err) {
					return apierrors.New(apierrors.InvalidConfig, "state file directory %q does not exist", dir)
				}
				return apierrors.Wrap(apierrors.Internal, err, "cannot stat state file directory %q", dir)
			}
		}
	}

	return nil
}

// String renders the config as a short summary, safe for a startup log
// line.
func (c Config) String() string {
	return fmt.Sprintf("api_port=%d grpc_port=%d state_file=%s instances=%d",
		c.APIPort, c.GRPCPort, c.StateFile, len(c.Instances))
}
