package hardware

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/health"
	"github.com/boyuan99/three-maze-sub000/pkg/buffer"
)

// BackendConfig configures the Python analysis backend subprocess.
type BackendConfig struct {
	ScriptPath       string   `json:"scriptPath"`
	PythonBin        string   `json:"pythonBin,omitempty"`
	Args             []string `json:"args,omitempty"`
	WorkDir          string   `json:"workDir,omitempty"`
	ReadyToken       string   `json:"readyToken,omitempty"`
	StartupTimeoutMs int      `json:"startupTimeoutMs"`
	StopTimeoutMs    int      `json:"stopTimeoutMs"`
}

func (c *BackendConfig) applyDefaults() {
	if c.PythonBin == "" {
		c.PythonBin = "python3"
	}
	if c.ReadyToken == "" {
		c.ReadyToken = "started"
	}
	if c.StartupTimeoutMs == 0 {
		c.StartupTimeoutMs = 10000
	}
	if c.StopTimeoutMs == 0 {
		c.StopTimeoutMs = 5000
	}
}

// PythonBackend supervises the analysis subprocess. Startup blocks until
// the script prints its ready token on stdout; without that handshake a
// half-started backend would silently eat frames.
type PythonBackend struct {
	config BackendConfig
	cmd    *exec.Cmd
	logger *slog.Logger

	output buffer.Buffer[string]
	exited chan struct{}

	mu        sync.Mutex
	exitErr   error
	startedAt time.Time
}

func newPythonBackend(ctx context.Context, rawConfig json.RawMessage, deps Deps) (Resource, error) {
	var cfg BackendConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "PythonBackend", "newPythonBackend", "config decode")
		}
	}
	if cfg.ScriptPath == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "PythonBackend", "newPythonBackend", "script path validation")
	}
	cfg.applyDefaults()

	args := append([]string{cfg.ScriptPath}, cfg.Args...)
	cmd := exec.Command(cfg.PythonBin, args...)
	cmd.Dir = cfg.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "PythonBackend", "newPythonBackend", "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "PythonBackend", "newPythonBackend", "stderr pipe")
	}

	b := &PythonBackend{
		config: cfg,
		cmd:    cmd,
		logger: deps.GetLogger().With("component", "python-backend", "script", cfg.ScriptPath),
		output: buffer.NewCircular[string](500),
		exited: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapTransient(err, "PythonBackend", "newPythonBackend", "process start")
	}
	b.startedAt = time.Now()
	b.logger.Info("backend process started", "pid", cmd.Process.Pid)

	ready := make(chan struct{})
	var readyOnce sync.Once

	go b.scanOutput(stdout, "stdout", func(line string) {
		if strings.Contains(line, cfg.ReadyToken) {
			readyOnce.Do(func() { close(ready) })
		}
	})
	go b.scanOutput(stderr, "stderr", nil)

	go func() {
		err := cmd.Wait()
		b.mu.Lock()
		b.exitErr = err
		b.mu.Unlock()
		close(b.exited)
		if err != nil {
			b.logger.Warn("backend process exited", "error", err)
		} else {
			b.logger.Info("backend process exited")
		}
	}()

	startupTimeout := time.Duration(cfg.StartupTimeoutMs) * time.Millisecond
	select {
	case <-ready:
	case <-b.exited:
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: process exited before handshake", errors.ErrBackendHandshake),
			"PythonBackend", "newPythonBackend", "startup handshake")
	case <-time.After(startupTimeout):
		b.kill()
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: no %q within %s", errors.ErrBackendHandshake, cfg.ReadyToken, startupTimeout),
			"PythonBackend", "newPythonBackend", "startup handshake")
	case <-ctx.Done():
		b.kill()
		return nil, errors.WrapTransient(ctx.Err(), "PythonBackend", "newPythonBackend", "startup cancelled")
	}

	b.logger.Info("backend handshake complete")
	return b, nil
}

// scanOutput captures subprocess output into the ring buffer.
func (b *PythonBackend) scanOutput(r interface{ Read([]byte) (int, error) }, stream string, inspect func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		_ = b.output.Write(fmt.Sprintf("[%s] %s", stream, line))
		b.logger.Debug("backend output", "stream", stream, "line", line)
		if inspect != nil {
			inspect(line)
		}
	}
}

func (b *PythonBackend) kill() {
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
}

// Running reports whether the subprocess is still alive.
func (b *PythonBackend) Running() bool {
	select {
	case <-b.exited:
		return false
	default:
		return true
	}
}

// PID returns the subprocess pid.
func (b *PythonBackend) PID() int {
	if b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// Output drains up to max captured output lines.
func (b *PythonBackend) Output(max int) []string {
	return b.output.ReadBatch(max)
}

// Type implements Resource.
func (b *PythonBackend) Type() ResourceType { return TypePythonBackend }

// Health implements Resource.
func (b *PythonBackend) Health() health.Status {
	if !b.Running() {
		b.mu.Lock()
		exitErr := b.exitErr
		b.mu.Unlock()
		msg := "process exited"
		if exitErr != nil {
			msg = "process exited: " + exitErr.Error()
		}
		return health.NewUnhealthy("python-backend", msg)
	}
	status := health.NewHealthy("python-backend")
	return status.WithMetrics(&health.Metrics{Uptime: time.Since(b.startedAt)})
}

// Describe implements Resource.
func (b *PythonBackend) Describe() map[string]any {
	return map[string]any{
		"script":    b.config.ScriptPath,
		"pid":       b.PID(),
		"running":   b.Running(),
		"startedAt": b.startedAt,
	}
}

// Cleanup implements Resource. It asks the process to exit and kills it
// if it ignores the request.
func (b *PythonBackend) Cleanup(ctx context.Context) error {
	if !b.Running() {
		return nil
	}

	if err := b.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		b.kill()
	}

	stopTimeout := time.Duration(b.config.StopTimeoutMs) * time.Millisecond
	select {
	case <-b.exited:
	case <-time.After(stopTimeout):
		b.logger.Warn("backend ignored SIGTERM, killing", "pid", b.PID())
		b.kill()
		<-b.exited
	case <-ctx.Done():
		b.kill()
	}

	b.output.Close()
	b.logger.Info("backend stopped")
	return nil
}
