// Package experiment hosts loadable experiment modules. Exactly one
// experiment occupies the runtime at a time; loading and unloading are
// serialized, and every handler an experiment exposes runs inside an
// error boundary so a buggy module cannot crash the daemon.
package experiment

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/boyuan99/three-maze-sub000/hardware"
	"github.com/boyuan99/three-maze-sub000/parser"
	"github.com/boyuan99/three-maze-sub000/reward"
)

// HandlerFunc is a request handler exposed by an experiment. The payload
// is the raw request body; the return value is serialized into the
// response envelope.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Experiment is the minimal contract for a loadable module. Optional
// capabilities are discovered by type assertion against the interfaces
// below.
type Experiment interface {
	Name() string
}

// Initializer is implemented by experiments that need setup after their
// config is validated. Hardware allocation belongs here.
type Initializer interface {
	Initialize(ctx context.Context, config json.RawMessage) error
}

// Cleaner is implemented by experiments with teardown beyond hardware
// release.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// HandlerProvider is implemented by experiments that expose request
// handlers. Names must not collide with the daemon's core handlers.
type HandlerProvider interface {
	Handlers() map[string]HandlerFunc
}

// SchemaProvider is implemented by experiments that validate their
// config against a JSON schema before Initialize runs.
type SchemaProvider interface {
	ConfigSchema() string
}

// FrameSink is implemented by experiments that consume motion frames.
// Frames arrive via Runtime.DispatchFrame inside the error boundary.
type FrameSink interface {
	OnSerialFrame(frame parser.Frame)
}

// RewardListener is implemented by experiments that react to reward
// outcomes.
type RewardListener interface {
	OnRewardDelivered(ev reward.Event)
}

// ActuatorProvider is implemented by experiments whose hardware includes
// a reward actuator. The runtime builds its reward controller around it.
type ActuatorProvider interface {
	RewardActuator() reward.Actuator
}

// PredicateProvider is implemented by experiments that gate rewards on
// behavioral state, such as the animal being inside a reward zone.
type PredicateProvider interface {
	RewardPredicate() reward.Predicate
}

// VersionProvider is implemented by experiments that report a version
// string, surfaced through the runtime's status.
type VersionProvider interface {
	Version() string
}

// Deps is handed to factories when an experiment is instantiated.
type Deps struct {
	Logger   *slog.Logger
	Hardware *hardware.Manager

	// OwnerID identifies this experiment instance to the hardware
	// manager. Unload force-releases everything allocated under it.
	OwnerID string

	// PublishEvent pushes an event to the renderer, subject-suffix then
	// payload. Nil-safe: the runtime always provides it.
	PublishEvent func(event string, payload any)

	// DispatchFrame forwards a parsed frame into the runtime's error
	// boundary. Experiments register it as their serial frame callback.
	DispatchFrame func(frame parser.Frame)
}

// Factory creates an experiment instance.
type Factory func(deps Deps) Experiment

// Response is the envelope every handler invocation returns. Failures
// carry the handler name and timestamp so the renderer can log them
// without guessing.
type Response struct {
	Success     bool      `json:"success"`
	Data        any       `json:"data,omitempty"`
	Error       string    `json:"error,omitempty"`
	HandlerName string    `json:"handlerName,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ok builds a success response.
func ok(handler string, data any) Response {
	return Response{
		Success:     true,
		Data:        data,
		HandlerName: handler,
		Timestamp:   time.Now(),
	}
}

// fail builds a failure response.
func fail(handler string, err error) Response {
	return Response{
		Success:     false,
		Error:       err.Error(),
		HandlerName: handler,
		Timestamp:   time.Now(),
	}
}
