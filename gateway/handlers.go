package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/hardware"
	"github.com/boyuan99/three-maze-sub000/reward"
)

func (g *Gateway) handleLoadExperiment(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		Name   string          `json:"name"`
		Config json.RawMessage `json:"config,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "handleLoadExperiment", "payload decode")
	}
	if req.Name == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "handleLoadExperiment", "name validation")
	}

	if err := g.runtime.Load(ctx, req.Name, req.Config); err != nil {
		return nil, err
	}
	return map[string]any{
		"experiment": req.Name,
		"handlers":   g.runtime.HandlerNames(),
	}, nil
}

func (g *Gateway) handleUnloadExperiment(ctx context.Context, _ json.RawMessage) (any, error) {
	name := g.runtime.Current()
	report, err := g.runtime.Unload(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"experiment": name,
		"released":   report.Released,
		"failed":     report.Failed,
		"failures":   report.Failures,
	}, nil
}

func (g *Gateway) handleListExperiments(context.Context, json.RawMessage) (any, error) {
	return map[string]any{
		"experiments": g.runtime.Status()["available"],
		"loaded":      g.runtime.Current(),
	}, nil
}

func (g *Gateway) handleGetStatus(context.Context, json.RawMessage) (any, error) {
	hwHealth := g.hardware.Health()
	return map[string]any{
		"rig":        g.rigName,
		"uptime":     time.Since(g.startedAt).String(),
		"nats":       g.nats.Status().String(),
		"experiment": g.runtime.Status(),
		"hardware":   g.hardware.Describe(),
		"healthy":    hwHealth.Healthy && g.nats.IsConnected(),
		"scene":      g.sceneSnapshot(),
	}, nil
}

func (g *Gateway) handleRequestHardware(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		Type    hardware.ResourceType `json:"type"`
		OwnerID string                `json:"ownerId,omitempty"`
		Config  json.RawMessage       `json:"config,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "handleRequestHardware", "payload decode")
	}
	if req.OwnerID == "" {
		req.OwnerID = "renderer"
	}

	handle, err := g.hardware.Request(ctx, req.Type, req.OwnerID, req.Config)
	if err != nil {
		return nil, err
	}
	return map[string]any{"handle": handle, "type": req.Type}, nil
}

func (g *Gateway) handleReleaseHardware(ctx context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "handleReleaseHardware", "payload decode")
	}
	if err := g.hardware.Release(ctx, req.Handle); err != nil {
		return nil, err
	}
	return map[string]any{"handle": req.Handle, "released": true}, nil
}

func (g *Gateway) handleListSerialPorts(context.Context, json.RawMessage) (any, error) {
	ports, err := hardware.ListSerialPorts()
	if err != nil {
		return nil, err
	}
	return map[string]any{"ports": ports}, nil
}

// rewards returns the active reward controller or a typed error when no
// reward-capable experiment is loaded.
func (g *Gateway) rewards() (*reward.Controller, error) {
	ctrl := g.runtime.Rewards()
	if ctrl == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no experiment with a reward actuator is loaded", errors.ErrNotStarted),
			"Gateway", "rewards", "controller lookup")
	}
	return ctrl, nil
}

func (g *Gateway) handleDeliverReward(ctx context.Context, _ json.RawMessage) (any, error) {
	ctrl, err := g.rewards()
	if err != nil {
		return nil, err
	}

	// Refusals and hardware failures surface as failure envelopes; the
	// wrapped error text carries the reason and, for cooldowns, the
	// remaining wait.
	ev, err := ctrl.Deliver(ctx)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (g *Gateway) handleStartTrial(context.Context, json.RawMessage) (any, error) {
	ctrl, err := g.rewards()
	if err != nil {
		return nil, err
	}
	trial := ctrl.StartTrial()
	g.PublishEvent("trial-started", map[string]any{"trial": trial})
	return map[string]any{"trial": trial}, nil
}

func (g *Gateway) handleEndTrial(context.Context, json.RawMessage) (any, error) {
	ctrl, err := g.rewards()
	if err != nil {
		return nil, err
	}
	summary, err := ctrl.EndTrial()
	if err != nil {
		return nil, err
	}
	g.PublishEvent("trial-ended", summary)
	return summary, nil
}

func (g *Gateway) handleResetTrial(context.Context, json.RawMessage) (any, error) {
	ctrl, err := g.rewards()
	if err != nil {
		return nil, err
	}
	summary, trial, err := ctrl.ResetTrial()
	if err != nil {
		return nil, err
	}
	g.PublishEvent("trial-ended", summary)
	g.PublishEvent("trial-started", map[string]any{"trial": trial})
	return map[string]any{"ended": summary, "trial": trial}, nil
}

func (g *Gateway) handleExperimentStatus(context.Context, json.RawMessage) (any, error) {
	status := g.runtime.Status()
	if ctrl := g.runtime.Rewards(); ctrl != nil {
		status["rewards"] = ctrl.Status()
	}
	return status, nil
}

func (g *Gateway) handleLoadScene(_ context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		Scene string `json:"scene"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "handleLoadScene", "payload decode")
	}
	if req.Scene == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "handleLoadScene", "scene validation")
	}

	g.sceneMu.Lock()
	g.sceneName = req.Scene
	g.sceneStatus = SceneLoading
	g.sceneRequested = time.Now()
	g.sceneMu.Unlock()

	g.PublishEvent("scene-load", map[string]any{"scene": req.Scene})
	return g.sceneSnapshot(), nil
}

func (g *Gateway) handleSceneReady(_ context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		Scene string `json:"scene"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "handleSceneReady", "payload decode")
	}

	g.sceneMu.Lock()
	if req.Scene != "" && req.Scene != g.sceneName {
		scene := g.sceneName
		g.sceneMu.Unlock()
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: ready for %q but %q is loading", errors.ErrInvalidData, req.Scene, scene),
			"Gateway", "handleSceneReady", "scene check")
	}
	g.sceneStatus = SceneReady
	g.sceneMu.Unlock()

	g.PublishEvent("scene-ready", map[string]any{"scene": req.Scene})
	return g.sceneSnapshot(), nil
}

func (g *Gateway) handleSceneStatus(context.Context, json.RawMessage) (any, error) {
	return g.sceneSnapshot(), nil
}

func (g *Gateway) sceneSnapshot() map[string]any {
	g.sceneMu.Lock()
	defer g.sceneMu.Unlock()

	snap := map[string]any{
		"scene":  g.sceneName,
		"status": g.sceneStatus,
	}
	if !g.sceneRequested.IsZero() {
		snap["requestedAt"] = g.sceneRequested
	}
	return snap
}
