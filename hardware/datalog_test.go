package hardware

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, dir string) *DataLogger {
	t.Helper()
	cfg := fmt.Sprintf(`{"directory":%q,"experiment":"hallway"}`, dir)
	res, err := newDataLogger(context.Background(), []byte(cfg), Deps{})
	require.NoError(t, err)
	return res.(*DataLogger)
}

func TestDataLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	d := newTestLogger(t, dir)

	require.NoError(t, d.Log("trial", map[string]any{"number": 1}))
	require.NoError(t, d.Log("reward", map[string]any{"durationMs": 50}))
	require.NoError(t, d.Cleanup(context.Background()))

	data, err := os.ReadFile(d.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry logEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "trial", entry.Category)
	assert.NotEmpty(t, entry.Timestamp)

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "reward", entry.Category)
}

func TestDataLoggerFilenameIncludesExperiment(t *testing.T) {
	dir := t.TempDir()
	d := newTestLogger(t, dir)
	defer d.Cleanup(context.Background())

	base := filepath.Base(d.Path())
	assert.True(t, strings.HasPrefix(base, "hallway-"))
	assert.True(t, strings.HasSuffix(base, ".jsonl"))
}

func TestDataLoggerRejectsWritesAfterCleanup(t *testing.T) {
	dir := t.TempDir()
	d := newTestLogger(t, dir)

	require.NoError(t, d.Log("frame", map[string]any{"x": 1.0}))
	require.NoError(t, d.Cleanup(context.Background()))

	err := d.Log("frame", map[string]any{"x": 2.0})
	assert.Error(t, err)

	// Double cleanup is harmless
	assert.NoError(t, d.Cleanup(context.Background()))
}

func TestDataLoggerCountsEntries(t *testing.T) {
	dir := t.TempDir()
	d := newTestLogger(t, dir)
	defer d.Cleanup(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Log("frame", map[string]any{"i": i}))
	}
	assert.Equal(t, int64(10), d.Entries())
}
