package hardware

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rigerrors "github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/health"
)

// fakeResource is a controllable Resource for manager tests.
type fakeResource struct {
	resType    ResourceType
	mu         sync.Mutex
	cleanups   int
	cleanupErr error
}

func (f *fakeResource) Type() ResourceType      { return f.resType }
func (f *fakeResource) Health() health.Status   { return health.NewHealthy(string(f.resType)) }
func (f *fakeResource) Describe() map[string]any { return map[string]any{"fake": true} }

func (f *fakeResource) Cleanup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return f.cleanupErr
}

func (f *fakeResource) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Deps{})
	for _, rt := range []ResourceType{TypeSerialPort, TypeWaterDelivery, TypePythonBackend, TypeDataLogging} {
		m.RegisterInitializer(rt, func(_ context.Context, _ json.RawMessage, _ Deps) (Resource, error) {
			return &fakeResource{resType: rt}, nil
		})
	}
	return m
}

func TestRequestAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	handle, err := m.Request(ctx, TypeSerialPort, "exp-1", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(handle, "serial-port-"))

	res, err := m.Get(handle)
	require.NoError(t, err)
	assert.Equal(t, TypeSerialPort, res.Type())

	rec, ok := m.Lookup(handle)
	require.True(t, ok)
	assert.Equal(t, "exp-1", rec.OwnerID)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestExclusiveConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Request(ctx, TypeSerialPort, "exp-1", nil)
	require.NoError(t, err)

	_, err = m.Request(ctx, TypeSerialPort, "exp-2", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, rigerrors.ErrResourceConflict))
	assert.Contains(t, err.Error(), "exp-1")
}

func TestSameOwnerRequestIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Request(ctx, TypeWaterDelivery, "exp-1", nil)
	require.NoError(t, err)

	second, err := m.Request(ctx, TypeWaterDelivery, "exp-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Len(t, m.Handles("exp-1"), 1)
}

func TestNonExclusiveAllowsMultipleAllocations(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// One owner can run separate behavior and diagnostics logs
	first, err := m.Request(ctx, TypeDataLogging, "exp-1", nil)
	require.NoError(t, err)

	second, err := m.Request(ctx, TypeDataLogging, "exp-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.Len(t, m.Handles("exp-1"), 2)
}

func TestReleaseFreesExclusiveResource(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	handle, err := m.Request(ctx, TypeSerialPort, "exp-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, handle))

	// The port is free for the next owner
	_, err = m.Request(ctx, TypeSerialPort, "exp-2", nil)
	assert.NoError(t, err)

	_, err = m.Get(handle)
	assert.True(t, stderrors.Is(err, rigerrors.ErrInvalidHandle))
}

func TestReleaseUnknownHandle(t *testing.T) {
	m := newTestManager(t)
	err := m.Release(context.Background(), "serial-port-0-deadbeef")
	assert.True(t, stderrors.Is(err, rigerrors.ErrInvalidHandle))
}

func TestRequestUnsupportedType(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Request(context.Background(), ResourceType("gpu"), "exp-1", nil)
	assert.True(t, stderrors.Is(err, rigerrors.ErrUnsupportedType))
}

func TestInitializerFailureLeavesNoRecord(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.RegisterInitializer(TypeSerialPort, func(context.Context, json.RawMessage, Deps) (Resource, error) {
		return nil, fmt.Errorf("device busy")
	})

	_, err := m.Request(ctx, TypeSerialPort, "exp-1", nil)
	require.Error(t, err)

	// A failed init must not hold the exclusive slot
	m.RegisterInitializer(TypeSerialPort, func(context.Context, json.RawMessage, Deps) (Resource, error) {
		return &fakeResource{resType: TypeSerialPort}, nil
	})
	_, err = m.Request(ctx, TypeSerialPort, "exp-2", nil)
	assert.NoError(t, err)
}

func TestConcurrentExclusiveRequests(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Slow initializer widens the race window
	m.RegisterInitializer(TypeSerialPort, func(context.Context, json.RawMessage, Deps) (Resource, error) {
		time.Sleep(20 * time.Millisecond)
		return &fakeResource{resType: TypeSerialPort}, nil
	})

	const n = 8
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Request(ctx, TypeSerialPort, fmt.Sprintf("owner-%d", i), nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, stderrors.Is(err, rigerrors.ErrResourceConflict))
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestForceReleaseAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	broken := &fakeResource{resType: TypeDataLogging, cleanupErr: fmt.Errorf("disk gone")}
	m.RegisterInitializer(TypeDataLogging, func(context.Context, json.RawMessage, Deps) (Resource, error) {
		return broken, nil
	})

	_, err := m.Request(ctx, TypeSerialPort, "exp-1", nil)
	require.NoError(t, err)
	_, err = m.Request(ctx, TypeWaterDelivery, "exp-1", nil)
	require.NoError(t, err)
	_, err = m.Request(ctx, TypeDataLogging, "exp-1", nil)
	require.NoError(t, err)
	_, err = m.Request(ctx, TypeDataLogging, "exp-2", nil)
	require.NoError(t, err)

	report := m.ForceReleaseAll(ctx, "exp-1")
	assert.Equal(t, 2, report.Released)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, TypeDataLogging, report.Failures[0].Type)
	assert.Contains(t, report.Failures[0].Error, "disk gone")

	// Everything for exp-1 is gone even though one cleanup failed
	assert.Empty(t, m.Handles("exp-1"))
	assert.Len(t, m.Handles("exp-2"), 1)
	assert.Equal(t, 1, broken.cleanupCount())
}

func TestShutdownReleasesAllOwners(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Request(ctx, TypeSerialPort, "exp-1", nil)
	require.NoError(t, err)
	_, err = m.Request(ctx, TypeDataLogging, "exp-2", nil)
	require.NoError(t, err)

	report := m.Shutdown(ctx)
	assert.Equal(t, 2, report.Released)
	assert.Empty(t, m.Handles("exp-1"))
	assert.Empty(t, m.Handles("exp-2"))
}

func TestDescribeSnapshot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	handle, err := m.Request(ctx, TypeWaterDelivery, "exp-1", json.RawMessage(`{"mode":"simulated"}`))
	require.NoError(t, err)

	snap := m.Describe()
	require.Contains(t, snap, handle)
	assert.Equal(t, TypeWaterDelivery, snap[handle]["type"])
	assert.Equal(t, "exp-1", snap[handle]["ownerId"])
}
