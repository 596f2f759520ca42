package parser

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Error log bounds: the log is capped at maxErrorLog entries and trimmed
// to the most recent trimErrorLog when the cap is exceeded.
const (
	maxErrorLog  = 100
	trimErrorLog = 50
)

// LineParser converts raw serial bytes into Frames. Incoming bytes are
// appended to a pending buffer, complete lines are parsed independently,
// and the trailing (possibly incomplete) fragment is held back for the
// next Feed call.
//
// The parser is safe for concurrent use, though in practice it is fed by
// the single serial read loop.
type LineParser struct {
	mu      sync.Mutex
	pending []byte
	errors  []ParseError

	framesParsed int64
	parseErrors  int64

	// Data rate tracking (frames/sec over the last full second)
	rate           float64
	rateCount      int64
	lastRateUpdate time.Time
}

// NewLineParser creates an empty parser.
func NewLineParser() *LineParser {
	return &LineParser{
		lastRateUpdate: time.Now(),
	}
}

// Feed appends raw bytes and returns every frame completed by this chunk.
// Malformed lines are recorded in the bounded error log and skipped.
func (p *LineParser) Feed(data []byte) []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, data...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(p.pending[:idx]), "\r")
		p.pending = p.pending[idx+1:]

		if line == "" {
			continue
		}

		frame, err := ParseLine(line)
		if err != nil {
			p.recordError(line, err)
			continue
		}
		frames = append(frames, frame)
		p.framesParsed++
		p.trackRate()
	}
	return frames
}

// ParseLine parses one complete line into a Frame.
func ParseLine(line string) (Frame, error) {
	values := strings.Split(line, ",")
	if len(values) < FieldCount {
		return Frame{}, &FormatError{Got: len(values)}
	}

	var frame Frame
	var err error

	floatFields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"timestamp", values[0], &frame.Timestamp},
		{"leftSensor.dx", values[1], &frame.LeftSensor.DX},
		{"leftSensor.dy", values[2], &frame.LeftSensor.DY},
		{"leftSensor.dt", values[3], &frame.LeftSensor.DT},
		{"rightSensor.dx", values[4], &frame.RightSensor.DX},
		{"rightSensor.dy", values[5], &frame.RightSensor.DY},
		{"rightSensor.dt", values[6], &frame.RightSensor.DT},
		{"x", values[7], &frame.X},
		{"y", values[8], &frame.Y},
		{"theta", values[9], &frame.Theta},
		{"direction", values[11], &frame.Direction},
	}
	for _, f := range floatFields {
		*f.dst, err = parseFloat(f.name, f.raw)
		if err != nil {
			return Frame{}, err
		}
	}

	if frame.Water, err = parseInt("water", values[10]); err != nil {
		return Frame{}, err
	}
	if frame.FrameCount, err = parseInt("frameCount", values[12]); err != nil {
		return Frame{}, err
	}

	frame.Raw = line
	frame.ParsedAt = time.Now()
	return frame, nil
}

func parseFloat(field, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) {
		return 0, &ValidationError{Field: field, Value: raw}
	}
	return v, nil
}

func parseInt(field, raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &ValidationError{Field: field, Value: raw}
	}
	return v, nil
}

// recordError appends to the bounded error log. Caller holds p.mu.
func (p *LineParser) recordError(line string, err error) {
	p.parseErrors++
	p.errors = append(p.errors, ParseError{
		Line:      line,
		Err:       err,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
	if len(p.errors) > maxErrorLog {
		trimmed := make([]ParseError, trimErrorLog)
		copy(trimmed, p.errors[len(p.errors)-trimErrorLog:])
		p.errors = trimmed
	}
}

// trackRate updates the frames/sec estimate. Caller holds p.mu.
func (p *LineParser) trackRate() {
	p.rateCount++
	elapsed := time.Since(p.lastRateUpdate)
	if elapsed >= time.Second {
		p.rate = float64(p.rateCount) / elapsed.Seconds()
		p.rateCount = 0
		p.lastRateUpdate = time.Now()
	}
}

// Errors returns a copy of the bounded parse-error log.
func (p *LineParser) Errors() []ParseError {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ParseError, len(p.errors))
	copy(out, p.errors)
	return out
}

// FramesParsed returns the total number of frames successfully parsed.
func (p *LineParser) FramesParsed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesParsed
}

// ParseErrors returns the total number of rejected lines.
func (p *LineParser) ParseErrors() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parseErrors
}

// Rate returns the most recent frames/sec estimate.
func (p *LineParser) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// Pending returns the current size of the held-back fragment. Used by
// status reporting to spot a stalled stream.
func (p *LineParser) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
