package hardware

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/health"
)

// DataLogConfig configures a session data logger.
type DataLogConfig struct {
	Directory       string `json:"directory"`
	Experiment      string `json:"experiment"`
	FlushIntervalMs int    `json:"flushIntervalMs"`
}

func (c *DataLogConfig) applyDefaults() {
	if c.Directory == "" {
		c.Directory = "logs"
	}
	if c.Experiment == "" {
		c.Experiment = "session"
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = 1000
	}
}

// logEntry is one JSONL record.
type logEntry struct {
	Timestamp string `json:"timestamp"`
	Category  string `json:"category"`
	Data      any    `json:"data"`
}

// DataLogger appends experiment events to a timestamped JSONL session
// file. Writes are buffered and flushed on an interval so high-rate
// frame logging does not hit the disk per line.
type DataLogger struct {
	config DataLogConfig
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	entries int64
	closed  bool

	stopOnce  sync.Once
	stopFlush chan struct{}
	flushDone chan struct{}

	createdAt time.Time
}

func newDataLogger(_ context.Context, rawConfig json.RawMessage, deps Deps) (Resource, error) {
	var cfg DataLogConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "DataLogger", "newDataLogger", "config decode")
		}
	}
	cfg.applyDefaults()

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, errors.Wrap(err, "DataLogger", "newDataLogger", "directory creation")
	}

	name := fmt.Sprintf("%s-%s.jsonl", cfg.Experiment, time.Now().Format("20060102-150405"))
	path := filepath.Join(cfg.Directory, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "DataLogger", "newDataLogger", "file creation")
	}

	d := &DataLogger{
		config:    cfg,
		path:      path,
		logger:    deps.GetLogger().With("component", "data-logger", "path", path),
		file:      file,
		writer:    bufio.NewWriterSize(file, 64*1024),
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
		createdAt: time.Now(),
	}
	go d.flushLoop()

	d.logger.Info("session log opened")
	return d, nil
}

func (d *DataLogger) flushLoop() {
	defer close(d.flushDone)

	ticker := time.NewTicker(time.Duration(d.config.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			if !d.closed {
				if err := d.writer.Flush(); err != nil {
					d.logger.Warn("flush failed", "error", err)
				}
			}
			d.mu.Unlock()
		case <-d.stopFlush:
			return
		}
	}
}

// Log appends one categorized record to the session file.
func (d *DataLogger) Log(category string, data any) error {
	entry := logEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Category:  category,
		Data:      data,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "DataLogger", "Log", "entry encoding")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "DataLogger", "Log", "closed check")
	}
	if _, err := d.writer.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "DataLogger", "Log", "entry write")
	}
	d.entries++
	return nil
}

// Path returns the session file path.
func (d *DataLogger) Path() string { return d.path }

// Entries returns the number of records written.
func (d *DataLogger) Entries() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries
}

// Type implements Resource.
func (d *DataLogger) Type() ResourceType { return TypeDataLogging }

// Health implements Resource.
func (d *DataLogger) Health() health.Status {
	d.mu.Lock()
	closed := d.closed
	entries := d.entries
	d.mu.Unlock()

	if closed {
		return health.NewUnhealthy("data-logger", "session file closed")
	}
	status := health.NewHealthy("data-logger")
	return status.WithMetrics(&health.Metrics{
		Uptime:            time.Since(d.createdAt),
		MessagesProcessed: entries,
	})
}

// Describe implements Resource.
func (d *DataLogger) Describe() map[string]any {
	return map[string]any{
		"path":       d.path,
		"experiment": d.config.Experiment,
		"entries":    d.Entries(),
	}
}

// Cleanup implements Resource. Buffered records are flushed before the
// file closes so a crash-free unload never loses data.
func (d *DataLogger) Cleanup(context.Context) error {
	d.stopOnce.Do(func() { close(d.stopFlush) })
	<-d.flushDone

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	flushErr := d.writer.Flush()
	closeErr := d.file.Close()

	if flushErr != nil {
		return errors.Wrap(flushErr, "DataLogger", "Cleanup", "final flush")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "DataLogger", "Cleanup", "file close")
	}
	d.logger.Info("session log closed", "entries", d.entries)
	return nil
}
