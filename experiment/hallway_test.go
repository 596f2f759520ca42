package experiment

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rigerrors "github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/hardware"
)

func newHallwayRuntime(t *testing.T) *Runtime {
	t.Helper()

	reg := NewRegistry()
	require.NoError(t, reg.Register(HallwayName, NewHallway))
	return NewRuntime(reg, hardware.NewManager(hardware.Deps{}))
}

func loadHallway(t *testing.T, rt *Runtime, config string) {
	t.Helper()
	require.NoError(t, rt.Load(context.Background(), HallwayName, json.RawMessage(config)))
	t.Cleanup(func() { _, _ = rt.Unload(context.Background()) })
}

// injectY pushes a synthetic frame with the given absolute y.
func injectY(t *testing.T, rt *Runtime, y float64) map[string]any {
	t.Helper()
	payload := fmt.Sprintf(`{"y":%f,"frameCount":1}`, y)
	resp := rt.Invoke(context.Background(), "hallway-inject-frame", json.RawMessage(payload))
	require.True(t, resp.Success, "inject failed: %s", resp.Error)
	return resp.Data.(map[string]any)
}

func TestHallwaySchemaRejectsBadConfig(t *testing.T) {
	rt := newHallwayRuntime(t)

	err := rt.Load(context.Background(), HallwayName, json.RawMessage(`{"hallwayLength":-5}`))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, rigerrors.ErrInvalidConfig))

	err = rt.Load(context.Background(), HallwayName, json.RawMessage(`{"serialPort":{}}`))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, rigerrors.ErrInvalidConfig))
}

func TestHallwayPositionTracking(t *testing.T) {
	rt := newHallwayRuntime(t)
	loadHallway(t, rt, `{"hallwayLength":200,"rewardZoneStart":180}`)

	data := injectY(t, rt, 50)
	assert.Equal(t, 50.0, data["position"])
	assert.Equal(t, false, data["inZone"])

	data = injectY(t, rt, 185)
	assert.Equal(t, 185.0, data["position"])
	assert.Equal(t, true, data["inZone"])
}

func TestHallwayLapWrapsAndRearms(t *testing.T) {
	rt := newHallwayRuntime(t)
	loadHallway(t, rt, `{"hallwayLength":200,"rewardZoneStart":180,"water":{"mode":"simulated","durationMs":1,"cooldownMs":1},"reward":{"cooldownMs":1}}`)
	ctx := context.Background()

	injectY(t, rt, 185)

	ctrl := rt.Rewards()
	require.NotNil(t, ctrl)
	ev, err := ctrl.Deliver(ctx)
	require.NoError(t, err)
	assert.True(t, ev.Success)

	// Zone disarmed until the next lap
	time.Sleep(5 * time.Millisecond)
	_, err = ctrl.Deliver(ctx)
	require.Error(t, err)

	resp := rt.Invoke(ctx, "hallway-get-position", nil)
	require.True(t, resp.Success)
	status := resp.Data.(map[string]any)
	assert.Equal(t, false, status["armed"])

	// Crossing the end of the hallway starts lap 2 and re-arms
	injectY(t, rt, 210)
	resp = rt.Invoke(ctx, "hallway-get-position", nil)
	status = resp.Data.(map[string]any)
	assert.Equal(t, true, status["armed"])
	assert.Equal(t, 1, status["laps"])
	assert.InDelta(t, 10.0, status["position"].(float64), 0.001)
}

func TestHallwayRewardRefusedOutsideZone(t *testing.T) {
	rt := newHallwayRuntime(t)
	loadHallway(t, rt, `{"hallwayLength":200,"rewardZoneStart":180,"water":{"mode":"simulated","durationMs":1}}`)
	ctx := context.Background()

	injectY(t, rt, 50)

	ctrl := rt.Rewards()
	require.NotNil(t, ctrl)
	ev, err := ctrl.Deliver(ctx)
	require.Error(t, err)
	assert.False(t, ev.Success)
	assert.Equal(t, "outside-reward-zone", ev.Reason)
}

func TestHallwaySetRewardZone(t *testing.T) {
	rt := newHallwayRuntime(t)
	loadHallway(t, rt, `{"hallwayLength":200,"rewardZoneStart":180}`)
	ctx := context.Background()

	injectY(t, rt, 100)

	resp := rt.Invoke(ctx, "hallway-set-reward-zone", json.RawMessage(`{"start":90}`))
	require.True(t, resp.Success)

	resp = rt.Invoke(ctx, "hallway-get-position", nil)
	status := resp.Data.(map[string]any)
	assert.Equal(t, true, status["inZone"])

	// Out-of-range zone is rejected
	resp = rt.Invoke(ctx, "hallway-set-reward-zone", json.RawMessage(`{"start":500}`))
	assert.False(t, resp.Success)
}

func TestHallwayResetPosition(t *testing.T) {
	rt := newHallwayRuntime(t)
	loadHallway(t, rt, `{"hallwayLength":200}`)
	ctx := context.Background()

	injectY(t, rt, 120)
	resp := rt.Invoke(ctx, "hallway-reset-position", nil)
	require.True(t, resp.Success)

	resp = rt.Invoke(ctx, "hallway-get-position", nil)
	status := resp.Data.(map[string]any)
	assert.Equal(t, 0.0, status["position"])
}

func TestHallwayDataLogging(t *testing.T) {
	rt := newHallwayRuntime(t)
	dir := t.TempDir()
	loadHallway(t, rt, fmt.Sprintf(`{"hallwayLength":200,"logging":{"directory":%q,"experiment":"hallway"}}`, dir))

	injectY(t, rt, 10)
	injectY(t, rt, 20)

	_, err := rt.Unload(context.Background())
	require.NoError(t, err)
}
