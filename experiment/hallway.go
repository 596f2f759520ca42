package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/hardware"
	"github.com/boyuan99/three-maze-sub000/parser"
	"github.com/boyuan99/three-maze-sub000/reward"
)

// HallwayName is the registry name of the builtin linear-corridor
// experiment.
const HallwayName = "hallway"

// hallwaySchema validates the hallway config. Hardware sections are
// optional so the experiment can run against a renderer-only setup.
const hallwaySchema = `{
	"type": "object",
	"properties": {
		"hallwayLength":   {"type": "number", "minimum": 1},
		"rewardZoneStart": {"type": "number", "minimum": 0},
		"serialPort": {
			"type": "object",
			"properties": {
				"port":     {"type": "string", "minLength": 1},
				"baudRate": {"type": "integer", "minimum": 1200}
			},
			"required": ["port"]
		},
		"water":   {"type": "object"},
		"logging": {"type": "object"},
		"reward": {
			"type": "object",
			"properties": {
				"cooldownMs":  {"type": "integer", "minimum": 0},
				"maxPerTrial": {"type": "integer", "minimum": 0}
			}
		}
	}
}`

type hallwayConfig struct {
	HallwayLength   float64         `json:"hallwayLength"`
	RewardZoneStart float64         `json:"rewardZoneStart"`
	SerialPort      json.RawMessage `json:"serialPort,omitempty"`
	Water           json.RawMessage `json:"water,omitempty"`
	Logging         json.RawMessage `json:"logging,omitempty"`
}

func (c *hallwayConfig) applyDefaults() {
	if c.HallwayLength == 0 {
		c.HallwayLength = 200
	}
	if c.RewardZoneStart == 0 {
		c.RewardZoneStart = c.HallwayLength * 0.9
	}
}

// Hallway is the builtin linear-corridor experiment. The animal runs
// down a virtual hallway; entering the reward zone arms a reward, and
// after delivery the animal must return to the start before the zone
// arms again.
type Hallway struct {
	deps   Deps
	logger *slog.Logger
	config hallwayConfig

	mu       sync.Mutex
	position float64
	lastY    float64
	frames   int64
	armed    bool
	inZone   bool
	laps     int

	serial  *hardware.SerialPort
	water   *hardware.WaterDelivery
	datalog *hardware.DataLogger
}

// NewHallway is the hallway factory.
func NewHallway(deps Deps) Experiment {
	return &Hallway{
		deps:   deps,
		logger: deps.Logger,
		armed:  true,
	}
}

// Name implements Experiment.
func (h *Hallway) Name() string { return HallwayName }

// Version implements VersionProvider.
func (h *Hallway) Version() string { return "1.0.0" }

// ConfigSchema implements SchemaProvider.
func (h *Hallway) ConfigSchema() string { return hallwaySchema }

// Initialize implements Initializer. It allocates whichever hardware
// sections the config carries.
func (h *Hallway) Initialize(ctx context.Context, config json.RawMessage) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &h.config); err != nil {
			return errors.WrapInvalid(err, "Hallway", "Initialize", "config decode")
		}
	}
	h.config.applyDefaults()

	if len(h.config.SerialPort) > 0 {
		handle, err := h.deps.Hardware.Request(ctx, hardware.TypeSerialPort, h.deps.OwnerID, h.config.SerialPort)
		if err != nil {
			return errors.Wrap(err, "Hallway", "Initialize", "serial port allocation")
		}
		res, err := h.deps.Hardware.Get(handle)
		if err != nil {
			return errors.Wrap(err, "Hallway", "Initialize", "serial port lookup")
		}
		h.serial = res.(*hardware.SerialPort)
		h.serial.OnFrame(h.deps.DispatchFrame)
	}

	if len(h.config.Water) > 0 {
		handle, err := h.deps.Hardware.Request(ctx, hardware.TypeWaterDelivery, h.deps.OwnerID, h.config.Water)
		if err != nil {
			return errors.Wrap(err, "Hallway", "Initialize", "water delivery allocation")
		}
		res, err := h.deps.Hardware.Get(handle)
		if err != nil {
			return errors.Wrap(err, "Hallway", "Initialize", "water delivery lookup")
		}
		h.water = res.(*hardware.WaterDelivery)
	}

	if len(h.config.Logging) > 0 {
		cfg := h.config.Logging
		handle, err := h.deps.Hardware.Request(ctx, hardware.TypeDataLogging, h.deps.OwnerID, cfg)
		if err != nil {
			return errors.Wrap(err, "Hallway", "Initialize", "data logger allocation")
		}
		res, err := h.deps.Hardware.Get(handle)
		if err != nil {
			return errors.Wrap(err, "Hallway", "Initialize", "data logger lookup")
		}
		h.datalog = res.(*hardware.DataLogger)
		_ = h.datalog.Log("session", map[string]any{
			"experiment":      HallwayName,
			"hallwayLength":   h.config.HallwayLength,
			"rewardZoneStart": h.config.RewardZoneStart,
		})
	}

	h.logger.Info("hallway initialized",
		"length", h.config.HallwayLength, "rewardZoneStart", h.config.RewardZoneStart)
	return nil
}

// RewardActuator implements ActuatorProvider.
func (h *Hallway) RewardActuator() reward.Actuator {
	if h.water == nil {
		return nil
	}
	return h.water
}

// RewardPredicate implements PredicateProvider. Delivery is allowed
// only while the animal is inside an armed reward zone.
func (h *Hallway) RewardPredicate() reward.Predicate {
	return func() (bool, string) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.inZone {
			return false, "outside-reward-zone"
		}
		if !h.armed {
			return false, "zone-not-armed"
		}
		return true, ""
	}
}

// OnSerialFrame implements FrameSink. Position advances along the
// corridor by the frame's y displacement; wrapping past the end starts
// a new lap and re-arms the zone.
func (h *Hallway) OnSerialFrame(frame parser.Frame) {
	h.mu.Lock()
	h.frames++
	h.position += frame.Y - h.lastY
	h.lastY = frame.Y
	if h.position < 0 {
		h.position = 0
	}
	if h.position >= h.config.HallwayLength {
		h.position -= h.config.HallwayLength
		h.laps++
		h.armed = true
	}
	h.inZone = h.position >= h.config.RewardZoneStart
	position := h.position
	inZone := h.inZone
	h.mu.Unlock()

	if h.datalog != nil {
		_ = h.datalog.Log("frame", map[string]any{
			"position":   position,
			"inZone":     inZone,
			"frameCount": frame.FrameCount,
			"water":      frame.Water,
		})
	}
}

// OnRewardDelivered implements RewardListener. A success disarms the
// zone until the next lap.
func (h *Hallway) OnRewardDelivered(ev reward.Event) {
	if ev.Success {
		h.mu.Lock()
		h.armed = false
		h.mu.Unlock()
	}
	if h.datalog != nil {
		_ = h.datalog.Log("reward", ev)
	}
}

// Handlers implements HandlerProvider.
func (h *Hallway) Handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"hallway-get-position":    h.handleGetPosition,
		"hallway-set-reward-zone": h.handleSetRewardZone,
		"hallway-reset-position":  h.handleResetPosition,
		"hallway-inject-frame":    h.handleInjectFrame,
	}
}

func (h *Hallway) handleGetPosition(context.Context, json.RawMessage) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"position": h.position,
		"inZone":   h.inZone,
		"armed":    h.armed,
		"laps":     h.laps,
		"frames":   h.frames,
	}, nil
}

func (h *Hallway) handleSetRewardZone(_ context.Context, payload json.RawMessage) (any, error) {
	var req struct {
		Start float64 `json:"start"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.WrapInvalid(err, "Hallway", "handleSetRewardZone", "payload decode")
	}
	if req.Start < 0 || req.Start >= h.config.HallwayLength {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: start %.1f outside hallway", errors.ErrInvalidData, req.Start),
			"Hallway", "handleSetRewardZone", "zone validation")
	}

	h.mu.Lock()
	h.config.RewardZoneStart = req.Start
	h.inZone = h.position >= req.Start
	h.mu.Unlock()

	return map[string]any{"rewardZoneStart": req.Start}, nil
}

func (h *Hallway) handleResetPosition(context.Context, json.RawMessage) (any, error) {
	h.mu.Lock()
	h.position = 0
	h.inZone = false
	h.armed = true
	h.mu.Unlock()
	return map[string]any{"position": 0.0}, nil
}

// handleInjectFrame synthesizes a motion frame, used when running
// without the physical sensor rig.
func (h *Hallway) handleInjectFrame(_ context.Context, payload json.RawMessage) (any, error) {
	var frame parser.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, errors.WrapInvalid(err, "Hallway", "handleInjectFrame", "payload decode")
	}
	frame.ParsedAt = time.Now()
	h.deps.DispatchFrame(frame)

	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{"position": h.position, "inZone": h.inZone}, nil
}

// Cleanup implements Cleaner.
func (h *Hallway) Cleanup(context.Context) error {
	h.mu.Lock()
	laps := h.laps
	frames := h.frames
	h.mu.Unlock()

	if h.datalog != nil {
		_ = h.datalog.Log("session-end", map[string]any{"laps": laps, "frames": frames})
	}
	h.logger.Info("hallway cleanup", "laps", laps, "frames", frames)
	return nil
}
