package parser

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validLine = "1000,0.1,0.2,0.01,0.3,0.4,0.02,5.0,6.0,0.5,1,0.1,42"

func TestParseLineValid(t *testing.T) {
	frame, err := ParseLine(validLine)
	require.NoError(t, err)

	assert.Equal(t, 1000.0, frame.Timestamp)
	assert.Equal(t, SensorDelta{DX: 0.1, DY: 0.2, DT: 0.01}, frame.LeftSensor)
	assert.Equal(t, SensorDelta{DX: 0.3, DY: 0.4, DT: 0.02}, frame.RightSensor)
	assert.Equal(t, 5.0, frame.X)
	assert.Equal(t, 6.0, frame.Y)
	assert.Equal(t, 0.5, frame.Theta)
	assert.Equal(t, 1, frame.Water)
	assert.Equal(t, 0.1, frame.Direction)
	assert.Equal(t, 42, frame.FrameCount)
	assert.Equal(t, validLine, frame.Raw)
	assert.False(t, frame.ParsedAt.IsZero())
}

func TestParseLineShort(t *testing.T) {
	tests := []struct {
		name string
		line string
		want int
	}{
		{"single field", "1000", 1},
		{"twelve fields", "1,2,3,4,5,6,7,8,9,10,11,12", 12},
		{"bare commas", ",,,", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLine(tt.line)
			require.Error(t, err)

			var fe *FormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.want, fe.Got)
			assert.Contains(t, err.Error(), fmt.Sprintf("got %d", tt.want))
		})
	}
}

func TestParseLineRejectsNaN(t *testing.T) {
	line := "1000,NaN,0.2,0.01,0.3,0.4,0.02,5.0,6.0,0.5,1,0.1,42"
	_, err := ParseLine(line)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "leftSensor.dx", ve.Field)
}

func TestParseLineRejectsGarbage(t *testing.T) {
	line := "1000,0.1,0.2,0.01,0.3,0.4,0.02,5.0,6.0,0.5,one,0.1,42"
	_, err := ParseLine(line)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "water", ve.Field)
}

func TestFeedWholeLine(t *testing.T) {
	p := NewLineParser()
	frames := p.Feed([]byte(validLine + "\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, 42, frames[0].FrameCount)
	assert.Equal(t, int64(1), p.FramesParsed())
	assert.Equal(t, int64(0), p.ParseErrors())
}

func TestFeedSplitAtEveryOffset(t *testing.T) {
	whole := validLine + "\n"

	for offset := 1; offset < len(whole); offset++ {
		p := NewLineParser()
		frames := p.Feed([]byte(whole[:offset]))
		frames = append(frames, p.Feed([]byte(whole[offset:]))...)

		require.Len(t, frames, 1, "split at offset %d", offset)
		assert.Equal(t, 5.0, frames[0].X)
		assert.Equal(t, 42, frames[0].FrameCount)
	}
}

func TestFeedHoldsBackIncompleteFragment(t *testing.T) {
	p := NewLineParser()

	frames := p.Feed([]byte(validLine)) // no newline yet
	assert.Empty(t, frames)
	assert.Equal(t, len(validLine), p.Pending())

	frames = p.Feed([]byte("\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, 0, p.Pending())
}

func TestFeedMultipleLinesOneChunk(t *testing.T) {
	p := NewLineParser()
	chunk := validLine + "\n" + validLine + "\nshort,line\n"

	frames := p.Feed([]byte(chunk))
	assert.Len(t, frames, 2)
	assert.Equal(t, int64(1), p.ParseErrors())
}

func TestFeedMalformedLineContinuesStream(t *testing.T) {
	p := NewLineParser()

	frames := p.Feed([]byte("garbage\n" + validLine + "\n"))
	require.Len(t, frames, 1)

	errs := p.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "garbage", errs[0].Line)

	var fe *FormatError
	assert.ErrorAs(t, errs[0].Err, &fe)
}

func TestFeedSkipsEmptyLines(t *testing.T) {
	p := NewLineParser()
	frames := p.Feed([]byte("\n\r\n" + validLine + "\r\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, int64(0), p.ParseErrors())
}

func TestErrorLogBounded(t *testing.T) {
	p := NewLineParser()

	for i := 0; i < 150; i++ {
		p.Feed([]byte(fmt.Sprintf("bad-%d\n", i)))
	}

	errs := p.Errors()
	assert.LessOrEqual(t, len(errs), 100)
	assert.Equal(t, int64(150), p.ParseErrors())

	// The retained tail is the most recent entries
	last := errs[len(errs)-1]
	assert.Equal(t, "bad-149", last.Line)
}

func TestErrorLogTrimsToFifty(t *testing.T) {
	p := NewLineParser()

	// 101 errors trip the cap once, trimming to the most recent 50
	for i := 0; i < 101; i++ {
		p.Feed([]byte(fmt.Sprintf("bad-%d\n", i)))
	}

	errs := p.Errors()
	assert.Len(t, errs, 50)
	assert.Equal(t, "bad-51", errs[0].Line)
	assert.Equal(t, "bad-100", errs[49].Line)
}
