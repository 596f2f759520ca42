package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/hardware"
	"github.com/boyuan99/three-maze-sub000/parser"
	"github.com/boyuan99/three-maze-sub000/reward"
)

// rewardSettings is the optional "reward" section of an experiment
// config, consumed by the runtime rather than the experiment.
type rewardSettings struct {
	CooldownMs  int `json:"cooldownMs"`
	MaxPerTrial int `json:"maxPerTrial"`
}

// Runtime hosts at most one experiment. Load and Unload are serialized;
// a load that fails partway is rolled back completely, so the runtime
// is never left half-occupied.
type Runtime struct {
	registry *Registry
	hardware *hardware.Manager
	logger   *slog.Logger
	publish  func(event string, payload any)
	reserved map[string]struct{}

	loadMu sync.Mutex // serializes load/unload transitions

	stateMu  sync.RWMutex
	current  Experiment
	name     string
	version  string
	ownerID  string
	config   json.RawMessage
	loadedAt time.Time
	handlers map[string]HandlerFunc
	rewards  *reward.Controller
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// WithPublisher sets the event publisher used for lifecycle and reward
// events.
func WithPublisher(publish func(event string, payload any)) RuntimeOption {
	return func(r *Runtime) { r.publish = publish }
}

// WithReservedNames marks handler names experiments may not register.
func WithReservedNames(names ...string) RuntimeOption {
	return func(r *Runtime) {
		for _, n := range names {
			r.reserved[n] = struct{}{}
		}
	}
}

// NewRuntime creates a Runtime backed by the given registry and
// hardware manager.
func NewRuntime(registry *Registry, hw *hardware.Manager, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		registry: registry,
		hardware: hw,
		logger:   slog.Default().With("component", "experiment-runtime"),
		reserved: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPublisher wires the event publisher after construction. The
// gateway and runtime reference each other, so one side is attached
// late.
func (r *Runtime) SetPublisher(publish func(event string, payload any)) {
	r.publish = publish
}

func (r *Runtime) publishEvent(event string, payload any) {
	if r.publish != nil {
		r.publish(event, payload)
	}
}

// guard runs fn, converting a panic into an error.
func guard(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", name, rec)
		}
	}()
	return fn()
}

// Load instantiates and initializes the named experiment. A currently
// loaded experiment is unloaded first, so its cleanup and hardware
// release always run before the replacement initializes. Any failure
// after instantiation rolls back handlers and hardware.
func (r *Runtime) Load(ctx context.Context, name string, config json.RawMessage) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if r.currentLoaded() != "" {
		if _, err := r.unloadLocked(ctx); err != nil {
			return errors.Wrap(err, "Runtime", "Load", "previous experiment unload")
		}
	}

	factory, err := r.registry.Get(name)
	if err != nil {
		return errors.Wrap(err, "Runtime", "Load", "factory lookup")
	}

	ownerID := fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	deps := Deps{
		Logger:        r.logger.With("experiment", name),
		Hardware:      r.hardware,
		OwnerID:       ownerID,
		PublishEvent:  r.publishEvent,
		DispatchFrame: r.DispatchFrame,
	}

	exp := factory(deps)
	if exp == nil {
		return errors.WrapInvalid(errors.ErrLoadFailed, "Runtime", "Load", "factory instantiation")
	}

	if sp, ok := exp.(SchemaProvider); ok {
		if err := validateConfig(sp.ConfigSchema(), config); err != nil {
			return errors.WrapInvalid(err, "Runtime", "Load", "config validation")
		}
	}

	if init, ok := exp.(Initializer); ok {
		err := guard("Initialize", func() error { return init.Initialize(ctx, config) })
		if err != nil {
			r.hardware.ForceReleaseAll(ctx, ownerID)
			return errors.Wrap(
				fmt.Errorf("%w: %v", errors.ErrLoadFailed, err),
				"Runtime", "Load", "experiment initialization")
		}
	}

	handlers := make(map[string]HandlerFunc)
	if hp, ok := exp.(HandlerProvider); ok {
		for hname, fn := range hp.Handlers() {
			if _, isReserved := r.reserved[hname]; isReserved {
				r.rollback(ctx, exp, ownerID)
				return errors.WrapInvalid(
					fmt.Errorf("%w: %q", errors.ErrHandlerReserved, hname),
					"Runtime", "Load", "handler registration")
			}
			if _, dup := handlers[hname]; dup {
				r.rollback(ctx, exp, ownerID)
				return errors.WrapInvalid(
					fmt.Errorf("%w: %q", errors.ErrHandlerCollision, hname),
					"Runtime", "Load", "handler registration")
			}
			handlers[hname] = fn
		}
	}

	var rewards *reward.Controller
	if ap, ok := exp.(ActuatorProvider); ok {
		if act := ap.RewardActuator(); act != nil {
			rewards = r.buildRewardController(exp, name, act, config)
		}
	}

	var version string
	if vp, ok := exp.(VersionProvider); ok {
		version = vp.Version()
	}

	r.stateMu.Lock()
	r.current = exp
	r.name = name
	r.version = version
	r.ownerID = ownerID
	r.config = config
	r.loadedAt = time.Now()
	r.handlers = handlers
	r.rewards = rewards
	r.stateMu.Unlock()

	r.logger.Info("experiment loaded",
		"experiment", name, "owner", ownerID, "handlers", len(handlers))
	r.publishEvent("experiment-loaded", map[string]any{
		"experiment": name,
		"version":    version,
		"handlers":   len(handlers),
		"loadedAt":   time.Now(),
	})
	return nil
}

func (r *Runtime) buildRewardController(exp Experiment, name string, act reward.Actuator, config json.RawMessage) *reward.Controller {
	var wrapper struct {
		Reward rewardSettings `json:"reward"`
	}
	if len(config) > 0 {
		// Settings are optional; a decode failure falls back to defaults
		_ = json.Unmarshal(config, &wrapper)
	}

	opts := []reward.Option{reward.WithLogger(r.logger.With("experiment", name))}
	if pp, ok := exp.(PredicateProvider); ok {
		if pred := pp.RewardPredicate(); pred != nil {
			opts = append(opts, reward.WithPredicate(pred))
		}
	}
	if wrapper.Reward.CooldownMs > 0 {
		opts = append(opts, reward.WithCooldown(time.Duration(wrapper.Reward.CooldownMs)*time.Millisecond))
	}
	if wrapper.Reward.MaxPerTrial > 0 {
		opts = append(opts, reward.WithMaxPerTrial(wrapper.Reward.MaxPerTrial))
	}

	ctrl := reward.NewController(act, opts...)
	ctrl.OnEvent(func(ev reward.Event) {
		r.publishEvent("reward", ev)
	})
	if listener, ok := exp.(RewardListener); ok {
		ctrl.OnEvent(func(ev reward.Event) {
			_ = guard("OnRewardDelivered", func() error {
				listener.OnRewardDelivered(ev)
				return nil
			})
		})
	}
	return ctrl
}

// rollback tears down a partially loaded experiment.
func (r *Runtime) rollback(ctx context.Context, exp Experiment, ownerID string) {
	if cleaner, ok := exp.(Cleaner); ok {
		if err := guard("Cleanup", func() error { return cleaner.Cleanup(ctx) }); err != nil {
			r.logger.Warn("rollback cleanup failed", "error", err)
		}
	}
	report := r.hardware.ForceReleaseAll(ctx, ownerID)
	r.logger.Info("load rolled back", "owner", ownerID, "released", report.Released)
}

// Unload tears down the current experiment: cleanup hook, then forced
// release of every hardware resource it allocated. Cleanup failures are
// reported but never block the unload.
func (r *Runtime) Unload(ctx context.Context) (hardware.ReleaseReport, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.unloadLocked(ctx)
}

// unloadLocked does the teardown. Caller holds loadMu.
func (r *Runtime) unloadLocked(ctx context.Context) (hardware.ReleaseReport, error) {
	r.stateMu.Lock()
	exp := r.current
	name := r.name
	ownerID := r.ownerID
	r.stateMu.Unlock()

	if exp == nil {
		return hardware.ReleaseReport{}, errors.WrapInvalid(errors.ErrNotStarted, "Runtime", "Unload", "occupancy check")
	}

	if cleaner, ok := exp.(Cleaner); ok {
		if err := guard("Cleanup", func() error { return cleaner.Cleanup(ctx) }); err != nil {
			r.logger.Warn("experiment cleanup failed", "experiment", name, "error", err)
		}
	}

	report := r.hardware.ForceReleaseAll(ctx, ownerID)

	r.stateMu.Lock()
	r.current = nil
	r.name = ""
	r.version = ""
	r.ownerID = ""
	r.config = nil
	r.handlers = nil
	r.rewards = nil
	r.stateMu.Unlock()

	r.logger.Info("experiment unloaded",
		"experiment", name, "released", report.Released, "failed", report.Failed)
	r.publishEvent("experiment-unloaded", map[string]any{
		"experiment": name,
		"released":   report.Released,
		"failed":     report.Failed,
	})
	return report, nil
}

// Invoke runs an experiment handler inside the error boundary. Unknown
// handlers and panics come back as failure responses, never as crashes.
func (r *Runtime) Invoke(ctx context.Context, handlerName string, payload json.RawMessage) Response {
	r.stateMu.RLock()
	fn, found := r.handlers[handlerName]
	r.stateMu.RUnlock()

	if !found {
		return fail(handlerName, errors.ErrHandlerNotFound)
	}

	var (
		data any
		err  error
	)
	err = guard(handlerName, func() error {
		var innerErr error
		data, innerErr = fn(ctx, payload)
		return innerErr
	})
	if err != nil {
		r.logger.Error("handler failed", "handler", handlerName, "error", err)
		return fail(handlerName, err)
	}
	return ok(handlerName, data)
}

// DispatchFrame forwards a motion frame to the loaded experiment if it
// consumes frames. Panics are contained so a bad frame handler cannot
// kill the serial read loop.
func (r *Runtime) DispatchFrame(frame parser.Frame) {
	r.stateMu.RLock()
	exp := r.current
	r.stateMu.RUnlock()

	sink, ok := exp.(FrameSink)
	if !ok {
		return
	}
	if err := guard("OnSerialFrame", func() error {
		sink.OnSerialFrame(frame)
		return nil
	}); err != nil {
		r.logger.Error("frame handler failed", "error", err)
	}
}

// Rewards returns the reward controller for the loaded experiment, or
// nil when no experiment with a reward actuator is loaded.
func (r *Runtime) Rewards() *reward.Controller {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.rewards
}

// Current returns the loaded experiment's name, or "" when idle.
func (r *Runtime) Current() string {
	return r.currentLoaded()
}

func (r *Runtime) currentLoaded() string {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.name
}

// HandlerNames returns the loaded experiment's handler names.
func (r *Runtime) HandlerNames() []string {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

// Status reports the runtime's current occupancy.
func (r *Runtime) Status() map[string]any {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	status := map[string]any{
		"loaded":    r.current != nil,
		"available": r.registry.List(),
	}
	if r.current != nil {
		status["experiment"] = r.name
		status["version"] = r.version
		status["ownerId"] = r.ownerID
		status["loadedAt"] = r.loadedAt
		handlers := make([]string, 0, len(r.handlers))
		for n := range r.handlers {
			handlers = append(handlers, n)
		}
		status["handlers"] = handlers
		if r.rewards != nil {
			status["rewards"] = r.rewards.Status()
		}
	}
	return status
}

// validateConfig checks config against a JSON schema. An empty schema
// accepts anything.
func validateConfig(schema string, config json.RawMessage) error {
	if schema == "" {
		return nil
	}
	doc := config
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, msgs)
	}
	return nil
}
