package hardware

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	serial "github.com/allbin/go-serial"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/health"
	"github.com/boyuan99/three-maze-sub000/parser"
	"github.com/boyuan99/three-maze-sub000/pkg/buffer"
	"github.com/boyuan99/three-maze-sub000/pkg/retry"
)

// SerialPortConfig configures a serial port allocation.
type SerialPortConfig struct {
	Port           string `json:"port"`
	BaudRate       int    `json:"baudRate"`
	InitString     string `json:"initString,omitempty"`
	OpenTimeoutMs  int    `json:"openTimeoutMs"`
	FrameBufferLen int    `json:"frameBufferLen"`
}

func (c *SerialPortConfig) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 115200
	}
	if c.OpenTimeoutMs == 0 {
		c.OpenTimeoutMs = 5000
	}
	if c.FrameBufferLen == 0 {
		c.FrameBufferLen = 1024
	}
}

// serialConn is the subset of the serial port used by SerialPort. The
// indirection lets tests inject an in-memory port.
type serialConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ReadContext(ctx context.Context, p []byte) (int, error)
	WriteContext(ctx context.Context, p []byte) (int, error)
	Close() error
}

// openSerial is swapped out in tests.
var openSerial = func(cfg SerialPortConfig) (serialConn, error) {
	return serial.Open(cfg.Port, serial.WithBaudRate(cfg.BaudRate))
}

// SerialPort wraps an open motion-sensor serial connection. A background
// read loop feeds raw bytes through the line parser; complete frames land
// in a ring buffer and are fanned out to subscribers.
type SerialPort struct {
	config SerialPortConfig
	conn   serialConn
	parser *parser.LineParser
	frames buffer.Buffer[parser.Frame]
	logger *slog.Logger

	mu          sync.Mutex
	subscribers []func(parser.Frame)

	cancel context.CancelFunc
	done   chan struct{}

	bytesRead     prometheus.Counter
	framesTotal   prometheus.Counter
	parseFailures prometheus.Counter

	openedAt time.Time
	lastRead time.Time
	readErr  error
}

// newSerialPort opens the configured port, sends the init string, and
// starts the read loop.
func newSerialPort(ctx context.Context, rawConfig json.RawMessage, deps Deps) (Resource, error) {
	var cfg SerialPortConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "SerialPort", "newSerialPort", "config decode")
		}
	}
	if cfg.Port == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "SerialPort", "newSerialPort", "port path validation")
	}
	cfg.applyDefaults()

	openCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.OpenTimeoutMs)*time.Millisecond)
	defer cancel()

	// Opening can race the OS releasing the device after a previous
	// session, so a couple of quick retries paper over EBUSY.
	conn, err := retry.DoWithResult(openCtx, retry.Quick(), func() (serialConn, error) {
		type result struct {
			conn serialConn
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			c, err := openSerial(cfg)
			ch <- result{c, err}
		}()
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-openCtx.Done():
			return nil, openCtx.Err()
		}
	})
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrPortUnavailable, err),
			"SerialPort", "newSerialPort", "port open")
	}

	sp := &SerialPort{
		config:   cfg,
		conn:     conn,
		parser:   parser.NewLineParser(),
		frames:   buffer.NewCircular[parser.Frame](cfg.FrameBufferLen),
		logger:   deps.GetLogger().With("component", "serial-port", "port", cfg.Port),
		done:     make(chan struct{}),
		openedAt: time.Now(),
	}
	sp.setupMetrics(deps)

	if cfg.InitString != "" {
		if _, err := conn.WriteContext(openCtx, []byte(cfg.InitString)); err != nil {
			_ = conn.Close()
			return nil, errors.WrapTransient(err, "SerialPort", "newSerialPort", "init string write")
		}
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	sp.cancel = loopCancel
	go sp.readLoop(loopCtx)

	sp.logger.Info("serial port opened", "baudRate", cfg.BaudRate)
	return sp, nil
}

func (s *SerialPort) setupMetrics(deps Deps) {
	s.bytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rig_serial_bytes_read_total",
		Help: "Raw bytes read from the serial port",
	})
	s.framesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rig_serial_frames_total",
		Help: "Complete frames parsed from the serial stream",
	})
	s.parseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rig_serial_parse_failures_total",
		Help: "Lines rejected by the frame parser",
	})

	if deps.Metrics != nil {
		_ = deps.Metrics.RegisterCounter("serial-port", "bytes_read_total", s.bytesRead)
		_ = deps.Metrics.RegisterCounter("serial-port", "frames_total", s.framesTotal)
		_ = deps.Metrics.RegisterCounter("serial-port", "parse_failures_total", s.parseFailures)
	}
}

// readLoop drains the port until cancelled or the port closes.
func (s *SerialPort) readLoop(ctx context.Context) {
	defer close(s.done)

	buf := make([]byte, 4096)
	for {
		n, err := s.conn.ReadContext(ctx, buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if stderrors.Is(err, serial.ErrPortClosed) {
				return
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.logger.Warn("serial read error", "error", err)
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		if n == 0 {
			continue
		}

		s.bytesRead.Add(float64(n))
		s.mu.Lock()
		s.lastRead = time.Now()
		s.readErr = nil
		s.mu.Unlock()

		before := s.parser.ParseErrors()
		frames := s.parser.Feed(buf[:n])
		if failed := s.parser.ParseErrors() - before; failed > 0 {
			s.parseFailures.Add(float64(failed))
		}

		for _, frame := range frames {
			s.framesTotal.Inc()
			_ = s.frames.Write(frame)
			s.dispatch(frame)
		}
	}
}

// dispatch fans a frame out to subscribers. A panicking subscriber is
// logged and skipped so it cannot stall the stream.
func (s *SerialPort) dispatch(frame parser.Frame) {
	s.mu.Lock()
	subs := make([]func(parser.Frame), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("frame subscriber panicked", "panic", r)
				}
			}()
			fn(frame)
		}()
	}
}

// OnFrame registers a callback invoked for every parsed frame.
func (s *SerialPort) OnFrame(fn func(parser.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Frames drains up to max buffered frames.
func (s *SerialPort) Frames(max int) []parser.Frame {
	return s.frames.ReadBatch(max)
}

// Write sends raw bytes to the device.
func (s *SerialPort) Write(ctx context.Context, data []byte) (int, error) {
	n, err := s.conn.WriteContext(ctx, data)
	if err != nil {
		return n, errors.WrapTransient(err, "SerialPort", "Write", "port write")
	}
	return n, nil
}

// ParseErrors returns the bounded parse-error log.
func (s *SerialPort) ParseErrors() []parser.ParseError {
	return s.parser.Errors()
}

// Type implements Resource.
func (s *SerialPort) Type() ResourceType { return TypeSerialPort }

// Health implements Resource.
func (s *SerialPort) Health() health.Status {
	s.mu.Lock()
	readErr := s.readErr
	lastRead := s.lastRead
	s.mu.Unlock()

	select {
	case <-s.done:
		return health.NewUnhealthy("serial-port", "read loop stopped")
	default:
	}
	if readErr != nil {
		return health.NewDegraded("serial-port", readErr.Error())
	}

	status := health.NewHealthy("serial-port")
	return status.WithMetrics(&health.Metrics{
		Uptime:            time.Since(s.openedAt),
		ErrorCount:        int(s.parser.ParseErrors()),
		MessagesProcessed: s.parser.FramesParsed(),
		LastActivity:      lastRead,
	})
}

// Describe implements Resource.
func (s *SerialPort) Describe() map[string]any {
	s.mu.Lock()
	lastRead := s.lastRead
	s.mu.Unlock()

	return map[string]any{
		"port":         s.config.Port,
		"baudRate":     s.config.BaudRate,
		"framesParsed": s.parser.FramesParsed(),
		"parseErrors":  s.parser.ParseErrors(),
		"dataRate":     s.parser.Rate(),
		"pendingBytes": s.parser.Pending(),
		"lastRead":     lastRead,
		"bufferStats":  s.frames.Stats(),
	}
}

// Cleanup implements Resource. It stops the read loop and closes the
// port; an interrupted in-flight read is expected and not an error.
func (s *SerialPort) Cleanup(ctx context.Context) error {
	s.cancel()
	err := s.conn.Close()

	select {
	case <-s.done:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		s.logger.Warn("read loop did not stop in time")
	}

	s.frames.Close()
	if err != nil && !stderrors.Is(err, serial.ErrPortClosed) {
		return errors.Wrap(err, "SerialPort", "Cleanup", "port close")
	}
	s.logger.Info("serial port closed")
	return nil
}

// PortInfo describes a discovered serial device.
type PortInfo struct {
	Path         string `json:"path"`
	Description  string `json:"description,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// ListSerialPorts enumerates serial devices with USB metadata where
// available.
func ListSerialPorts() ([]PortInfo, error) {
	paths, err := serial.ListPorts()
	if err != nil {
		return nil, errors.WrapTransient(err, "SerialPort", "ListSerialPorts", "port enumeration")
	}

	infos := make([]PortInfo, 0, len(paths))
	for _, path := range paths {
		entry := PortInfo{Path: path}
		if info, err := serial.GetPortInfo(path); err == nil {
			entry.Description = info.Description
			entry.VendorID = info.VendorID
			entry.ProductID = info.ProductID
			entry.SerialNumber = info.SerialNumber
		}
		infos = append(infos, entry)
	}
	return infos, nil
}
