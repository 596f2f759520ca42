package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularWriteRead(t *testing.T) {
	buf := NewCircular[int](3)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	assert.Equal(t, 2, buf.Size())

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = buf.Read()
	assert.False(t, ok)
	assert.True(t, buf.IsEmpty())
}

func TestCircularDropOldest(t *testing.T) {
	var dropped []int
	buf := NewCircular(2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback(func(item int) { dropped = append(dropped, item) }),
	)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // evicts 1

	assert.Equal(t, []int{1}, dropped)
	v, _ := buf.Read()
	assert.Equal(t, 2, v)
	v, _ = buf.Read()
	assert.Equal(t, 3, v)

	stats := buf.Stats()
	assert.Equal(t, int64(1), stats.Drops)
	assert.Equal(t, int64(3), stats.Writes)
}

func TestCircularDropNewest(t *testing.T) {
	buf := NewCircular(2, WithOverflowPolicy[int](DropNewest))

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // dropped

	v, _ := buf.Read()
	assert.Equal(t, 1, v)
	v, _ = buf.Read()
	assert.Equal(t, 2, v)
	assert.True(t, buf.IsEmpty())
}

func TestCircularReadBatch(t *testing.T) {
	buf := NewCircular[int](10)
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	batch := buf.ReadBatch(3)
	assert.Equal(t, []int{0, 1, 2}, batch)

	batch = buf.ReadBatch(10)
	assert.Equal(t, []int{3, 4}, batch)
	assert.Nil(t, buf.ReadBatch(10))
}

func TestCircularPeekAndClear(t *testing.T) {
	buf := NewCircular[string](4)
	require.NoError(t, buf.Write("a"))

	v, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, buf.Size())

	buf.Clear()
	assert.True(t, buf.IsEmpty())
}

func TestCircularClosedWrite(t *testing.T) {
	buf := NewCircular[int](2)
	require.NoError(t, buf.Close())
	assert.ErrorIs(t, buf.Write(1), ErrClosed)
}

func TestCircularWrapAround(t *testing.T) {
	buf := NewCircular[int](3)
	for i := 0; i < 100; i++ {
		require.NoError(t, buf.Write(i))
		if i%2 == 0 {
			buf.Read()
		}
	}
	// Buffer holds the most recent values despite wrap-around
	assert.Equal(t, 3, buf.Size())
	v, _ := buf.Read()
	assert.Equal(t, 97, v)
}
