package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/boyuan99/three-maze-sub000/experiment"
	"github.com/boyuan99/three-maze-sub000/hardware"
	"github.com/boyuan99/three-maze-sub000/natsclient"
	"github.com/boyuan99/three-maze-sub000/reward"
)

// echoExperiment exposes one handler and a reward actuator.
type echoExperiment struct {
	act reward.Actuator
}

func (e *echoExperiment) Name() string { return "echo" }

func (e *echoExperiment) Handlers() map[string]experiment.HandlerFunc {
	return map[string]experiment.HandlerFunc{
		"echo": func(_ context.Context, payload json.RawMessage) (any, error) {
			return string(payload), nil
		},
	}
}

func (e *echoExperiment) RewardActuator() reward.Actuator { return e.act }

type instantActuator struct{ calls int }

func (a *instantActuator) Deliver(context.Context) (hardware.DeliveryResult, error) {
	a.calls++
	return hardware.DeliveryResult{Success: true, DeliveryCount: int64(a.calls)}, nil
}

func (a *instantActuator) NextAvailable() time.Time { return time.Now() }

func newTestGateway(t *testing.T, exp experiment.Experiment) (*Gateway, *experiment.Runtime) {
	t.Helper()

	hw := hardware.NewManager(hardware.Deps{})
	reg := experiment.NewRegistry()
	if exp != nil {
		require.NoError(t, reg.Register(exp.Name(), func(experiment.Deps) experiment.Experiment {
			return exp
		}))
	}
	rt := experiment.NewRuntime(reg, hw,
		experiment.WithReservedNames(CoreHandlerNames()...))

	nc, err := natsclient.NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	g := New(nc, rt, hw, WithRigName("test-rig"))
	return g, rt
}

func invoke(t *testing.T, g *Gateway, name string, payload string) experiment.Response {
	t.Helper()
	return g.invoke(context.Background(), name, json.RawMessage(payload))
}

func TestCoreHandlerNamesMatchDispatchTable(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	names := CoreHandlerNames()
	assert.Len(t, g.handlers, len(names))
	for _, name := range names {
		assert.Contains(t, g.handlers, name)
	}
}

func TestLoadAndUnloadExperiment(t *testing.T) {
	g, rt := newTestGateway(t, &echoExperiment{})

	resp := invoke(t, g, "load-experiment", `{"name":"echo"}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "echo", rt.Current())

	// Delegated experiment handler
	resp = invoke(t, g, "echo", `{"hi":true}`)
	require.True(t, resp.Success)
	assert.Equal(t, `{"hi":true}`, resp.Data)

	resp = invoke(t, g, "unload-experiment", ``)
	require.True(t, resp.Success)
	assert.Empty(t, rt.Current())
}

func TestLoadExperimentValidation(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	resp := invoke(t, g, "load-experiment", `{}`)
	assert.False(t, resp.Success)

	resp = invoke(t, g, "load-experiment", `{"name":"ghost"}`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not found")
}

func TestUnknownHandlerReturnsFailureEnvelope(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	resp := invoke(t, g, "warp-drive", `{}`)
	assert.False(t, resp.Success)
	assert.Equal(t, "warp-drive", resp.HandlerName)
	assert.NotEmpty(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestGetStatus(t *testing.T) {
	g, _ := newTestGateway(t, &echoExperiment{})

	resp := invoke(t, g, "get-status", ``)
	require.True(t, resp.Success)

	status := resp.Data.(map[string]any)
	assert.Equal(t, "test-rig", status["rig"])
	assert.Contains(t, status, "experiment")
	assert.Contains(t, status, "hardware")
	assert.Contains(t, status, "scene")
}

func TestSceneLifecycle(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	resp := invoke(t, g, "get-scene-status", ``)
	require.True(t, resp.Success)
	assert.Equal(t, SceneNone, resp.Data.(map[string]any)["status"])

	resp = invoke(t, g, "load-scene", `{"scene":"corridor"}`)
	require.True(t, resp.Success)
	assert.Equal(t, SceneLoading, resp.Data.(map[string]any)["status"])

	// Confirming the wrong scene is rejected
	resp = invoke(t, g, "scene-ready", `{"scene":"desert"}`)
	assert.False(t, resp.Success)

	resp = invoke(t, g, "scene-ready", `{"scene":"corridor"}`)
	require.True(t, resp.Success)
	assert.Equal(t, SceneReady, resp.Data.(map[string]any)["status"])
}

func TestLoadSceneRequiresName(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	resp := invoke(t, g, "load-scene", `{}`)
	assert.False(t, resp.Success)
}

func TestRewardHandlersWithoutController(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	for _, name := range []string{
		"experiment-deliver-reward",
		"experiment-start-trial",
		"experiment-end-trial",
		"experiment-reset-trial",
	} {
		resp := invoke(t, g, name, ``)
		assert.False(t, resp.Success, name)
		assert.Contains(t, resp.Error, "reward actuator")
	}
}

func TestRewardFlowThroughGateway(t *testing.T) {
	g, _ := newTestGateway(t, &echoExperiment{act: &instantActuator{}})

	resp := invoke(t, g, "load-experiment",
		`{"name":"echo","config":{"reward":{"cooldownMs":60000,"maxPerTrial":5}}}`)
	require.True(t, resp.Success, resp.Error)

	resp = invoke(t, g, "experiment-start-trial", ``)
	require.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data.(map[string]any)["trial"])

	resp = invoke(t, g, "experiment-deliver-reward", ``)
	require.True(t, resp.Success)
	ev := resp.Data.(reward.Event)
	assert.True(t, ev.Success)

	// A cooldown refusal is a failure envelope naming the remaining wait
	resp = invoke(t, g, "experiment-deliver-reward", ``)
	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "cooldown")
	assert.Contains(t, resp.Error, "ms remaining")

	// Reset closes trial 1 and opens trial 2
	resp = invoke(t, g, "experiment-reset-trial", ``)
	require.True(t, resp.Success)
	reset := resp.Data.(map[string]any)
	assert.Equal(t, 2, reset["trial"])
	assert.Equal(t, 1, reset["ended"].(reward.TrialSummary).Rewards)

	resp = invoke(t, g, "experiment-end-trial", ``)
	require.True(t, resp.Success)
	summary := resp.Data.(reward.TrialSummary)
	assert.Equal(t, 2, summary.Number)
	assert.Equal(t, 0, summary.Rewards)
}

func TestExperimentCannotShadowCoreHandlers(t *testing.T) {
	shadow := &shadowExperiment{}
	g, _ := newTestGateway(t, shadow)

	resp := invoke(t, g, "load-experiment", `{"name":"shadow"}`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "reserved")
}

type shadowExperiment struct{}

func (s *shadowExperiment) Name() string { return "shadow" }

func (s *shadowExperiment) Handlers() map[string]experiment.HandlerFunc {
	return map[string]experiment.HandlerFunc{
		"get-status": func(context.Context, json.RawMessage) (any, error) { return nil, nil },
	}
}

func TestRequestRateLimit(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	g.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	resp := invoke(t, g, "get-scene-status", ``)
	assert.True(t, resp.Success)

	// The burst of one is exhausted
	resp = invoke(t, g, "get-scene-status", ``)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "rate limited")
}
