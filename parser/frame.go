// Package parser turns the raw serial byte stream from the motion-sensor
// controller into validated, typed data frames. The wire protocol is
// newline-delimited ASCII with exactly 13 comma-separated fields:
//
//	timestamp,dx1,dy1,dt1,dx2,dy2,dt2,x,y,theta,water,direction,frameCount
//
// water and frameCount are integers, the remaining numeric fields floats.
package parser

import (
	"fmt"
	"time"
)

// FieldCount is the number of comma-separated values in one frame line.
const FieldCount = 13

// SensorDelta holds one optical sensor reading (displacement over dt).
type SensorDelta struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
	DT float64 `json:"dt"`
}

// Frame is one parsed serial record.
type Frame struct {
	Timestamp   float64     `json:"timestamp"`
	LeftSensor  SensorDelta `json:"leftSensor"`
	RightSensor SensorDelta `json:"rightSensor"`
	X           float64     `json:"x"`
	Y           float64     `json:"y"`
	Theta       float64     `json:"theta"`
	Water       int         `json:"water"`
	Direction   float64     `json:"direction"`
	FrameCount  int         `json:"frameCount"`
	Raw         string      `json:"raw"`
	ParsedAt    time.Time   `json:"parsedAt"`
}

// ParseError records one rejected line. Parse errors never stop the stream;
// they are kept in a bounded log for diagnostics.
type ParseError struct {
	Line      string    `json:"line"`
	Err       error     `json:"-"`
	Message   string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// FormatError reports a line with the wrong field arity.
type FormatError struct {
	Got int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("expected %d values, got %d", FieldCount, e.Got)
}

// ValidationError reports a field that failed numeric conversion or
// produced NaN. NaN is rejected rather than coerced to zero.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s: %q", e.Field, e.Value)
}
