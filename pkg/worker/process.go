package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nazq/tei-manager/pkg/apierrors"
	"github.com/nazq/tei-manager/pkg/log"
)

// SpawnConfig is the fully-resolved set of parameters used to launch one
// worker process. It is derived from types.WorkerConfig plus supervisor-
// level settings (binary path, log directory).
type SpawnConfig struct {
	InstanceName          string
	BinaryPath            string
	ModelID               string
	Port                  int
	MaxBatchTokens        int
	MaxConcurrentRequests int
	Pooling               string
	GPUID                 *int
	PrometheusPort        int
	ExtraArgs             []string
	LogDir                string
}

// ProcessHandle identifies a spawned process and the resources owned on its
// behalf (principally its log file).
type ProcessHandle struct {
	ID      string
	PID     int
	LogPath string

	cmd     *exec.Cmd
	logFile *os.File
}

// ProcessManager spawns and terminates worker processes. It is an interface
// so lifecycle tests can substitute a fake rather than spawning real
// processes.
type ProcessManager interface {
	Spawn(ctx context.Context, cfg SpawnConfig) (*ProcessHandle, error)
	Stop(ctx context.Context, handle *ProcessHandle, timeout time.Duration) error
	IsRunning(handle *ProcessHandle) bool
}

// SystemProcessManager spawns real OS processes via os/exec.
type SystemProcessManager struct {
	mu sync.Mutex
}

// NewSystemProcessManager constructs a ProcessManager backed by real child
// processes.
func NewSystemProcessManager() *SystemProcessManager {
	return &SystemProcessManager{}
}

// Spawn launches the worker binary with the argument vector and environment
// called for by the child-process contract: each option the supervisor
// owns appears exactly once, GPU visibility is narrowed via
// CUDA_VISIBLE_DEVICES when gpu_id is set, and stdout/stderr are redirected
// to a per-worker log file.
func (m *SystemProcessManager) Spawn(ctx context.Context, cfg SpawnConfig) (*ProcessHandle, error) {
	args := buildArgs(cfg)

	cmd := exec.CommandContext(ctx, cfg.BinaryPath, args...)
	cmd.Env = os.Environ()
	if cfg.GPUID != nil {
		cmd.Env = append(cmd.Env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", *cfg.GPUID))
	}

	logFile, logPath, err := openLogFile(cfg.LogDir, cfg.InstanceName)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Internal, err, "failed to open log sink for %q", cfg.InstanceName)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, apierrors.Wrap(apierrors.Internal, err, "failed to spawn worker %q", cfg.InstanceName)
	}

	handle := &ProcessHandle{
		ID:      fmt.Sprintf("process_%d", cmd.Process.Pid),
		PID:     cmd.Process.Pid,
		LogPath: logPath,
		cmd:     cmd,
		logFile: logFile,
	}

	workerLog := log.WithWorker(cfg.InstanceName)
	workerLog.Info().Int("pid", handle.PID).Str("log_path", logPath).Msg("worker process spawned")
	return handle, nil
}

// Stop sends SIGTERM, waits up to timeout, then sends SIGKILL.
func (m *SystemProcessManager) Stop(ctx context.Context, handle *ProcessHandle, timeout time.Duration) error {
	if handle == nil || handle.cmd == nil || handle.cmd.Process == nil {
		return nil
	}
	defer func() {
		if handle.logFile != nil {
			_ = handle.logFile.Close()
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- handle.cmd.Wait() }()

	if err := handle.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		return apierrors.Wrap(apierrors.Internal, err, "failed to send SIGTERM to pid %d", handle.PID)
	}

	select {
	case <-waitDone:
		return nil
	case <-time.After(timeout):
	}

	if err := handle.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return apierrors.Wrap(apierrors.Internal, err, "failed to send SIGKILL to pid %d", handle.PID)
	}

	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// IsRunning reports whether the process referenced by handle can still be
// signaled.
func (m *SystemProcessManager) IsRunning(handle *ProcessHandle) bool {
	if handle == nil || handle.cmd == nil || handle.cmd.Process == nil {
		return false
	}
	return handle.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// buildArgs constructs the argument vector in the exact order the child-
// process contract requires, ensuring each supervisor-owned flag appears
// exactly once.
func buildArgs(cfg SpawnConfig) []string {
	args := []string{
		"--model-id", cfg.ModelID,
		"--port", strconv.Itoa(cfg.Port),
		"--max-batch-tokens", strconv.Itoa(cfg.MaxBatchTokens),
		"--max-concurrent-requests", strconv.Itoa(cfg.MaxConcurrentRequests),
		"--json-output",
	}
	if cfg.Pooling != "" {
		args = append(args, "--pooling", cfg.Pooling)
	}

	hasPromPort := false
	for _, a := range cfg.ExtraArgs {
		if a == "--prometheus-port" {
			hasPromPort = true
			break
		}
	}
	if !hasPromPort && cfg.PrometheusPort != 0 {
		args = append(args, "--prometheus-port", strconv.Itoa(cfg.PrometheusPort))
	}

	args = append(args, cfg.ExtraArgs...)
	return args
}

// openLogFile opens the per-worker log sink under logDir, falling back to
// /tmp/tei-manager/logs if logDir cannot be created or written to.
func openLogFile(logDir, instanceName string) (*os.File, string, error) {
	dir := logDir
	if dir == "" {
		dir = "/data/logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		dir = filepath.Join(os.TempDir(), "tei-manager", "logs")
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return nil, "", mkErr
		}
	}

	path := filepath.Join(dir, instanceName+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fallback := filepath.Join(os.TempDir(), "tei-manager", "logs")
		if dir == fallback || os.MkdirAll(fallback, 0o755) != nil {
			return nil, "", err
		}
		path = filepath.Join(fallback, instanceName+".log")
		if f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			return nil, "", err
		}
	}
	return f, path, nil
}
