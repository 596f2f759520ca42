// Package reward enforces the behavioral rules around water delivery:
// eligibility predicates, the inter-reward cooldown, and per-trial
// limits. The hardware layer below keeps its own hard safety floor, so
// an experiment bug here can never over-drive the valve.
package reward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/hardware"
	"github.com/boyuan99/three-maze-sub000/metric"
)

// Refusal reasons reported in Events
const (
	ReasonPredicate  = "predicate"
	ReasonCooldown   = "cooldown"
	ReasonTrialLimit = "trial-limit"
	ReasonHardware   = "hardware"
	ReasonBusy       = "busy"
)

// Actuator is the device that physically delivers a reward.
// *hardware.WaterDelivery satisfies it.
type Actuator interface {
	Deliver(ctx context.Context) (hardware.DeliveryResult, error)
	NextAvailable() time.Time
}

// Predicate decides whether the animal is currently eligible for a
// reward. Returning false with a reason refuses delivery without
// touching the cooldown clock.
type Predicate func() (bool, string)

// Event describes the outcome of one delivery attempt.
type Event struct {
	Success      bool                    `json:"success"`
	Reason       string                  `json:"reason,omitempty"`
	TrialNumber  int                     `json:"trialNumber"`
	TrialRewards int                     `json:"trialRewards"`
	Total        int64                   `json:"total"`
	Result       hardware.DeliveryResult `json:"result"`
	Timestamp    time.Time               `json:"timestamp"`
}

// TrialSummary reports a completed trial.
type TrialSummary struct {
	Number    int       `json:"number"`
	Rewards   int       `json:"rewards"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Controller serializes reward decisions. Only successful deliveries
// advance the cooldown clock: a refused or failed attempt must not
// push the next eligible reward further out.
type Controller struct {
	actuator    Actuator
	cooldown    time.Duration
	maxPerTrial int
	predicate   Predicate
	logger      *slog.Logger

	mu           sync.Mutex
	inFlight     bool
	lastSuccess  time.Time
	total        int64
	trialActive  bool
	trialNumber  int
	trialRewards int
	trialStart   time.Time
	listeners    []func(Event)

	attempts *prometheus.CounterVec
}

// Option configures a Controller.
type Option func(*Controller)

// WithCooldown sets the minimum interval between successful rewards.
func WithCooldown(d time.Duration) Option {
	return func(c *Controller) { c.cooldown = d }
}

// WithMaxPerTrial caps rewards per trial (0 = unlimited).
func WithMaxPerTrial(n int) Option {
	return func(c *Controller) { c.maxPerTrial = n }
}

// WithPredicate sets the eligibility predicate.
func WithPredicate(p Predicate) Option {
	return func(c *Controller) { c.predicate = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics registers the controller's metrics.
func WithMetrics(reg *metric.Registry) Option {
	return func(c *Controller) {
		if reg != nil {
			_ = reg.RegisterCounterVec("reward-controller", "attempts_total", c.attempts)
		}
	}
}

// NewController creates a Controller driving the given actuator.
func NewController(actuator Actuator, opts ...Option) *Controller {
	c := &Controller{
		actuator: actuator,
		cooldown: time.Second,
		logger:   slog.Default().With("component", "reward-controller"),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rig_reward_attempts_total",
			Help: "Reward attempts by outcome",
		}, []string{"outcome"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers a listener called after every delivery attempt.
func (c *Controller) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Deliver runs the full decision pipeline and, if every gate passes,
// drives the actuator.
func (c *Controller) Deliver(ctx context.Context) (Event, error) {
	if c.predicate != nil {
		if ok, reason := c.predicate(); !ok {
			if reason == "" {
				reason = ReasonPredicate
			}
			ev := c.refuse(reason)
			return ev, errors.WrapInvalid(errors.ErrInvalidData, "Controller", "Deliver", "eligibility check")
		}
	}

	c.mu.Lock()
	now := time.Now()
	if c.inFlight {
		c.mu.Unlock()
		ev := c.refuseAt(ReasonBusy, now)
		return ev, errors.WrapTransient(errors.ErrDeliveryBusy, "Controller", "Deliver", "concurrency check")
	}
	if !c.lastSuccess.IsZero() && now.Sub(c.lastSuccess) < c.cooldown {
		next := c.lastSuccess.Add(c.cooldown)
		c.mu.Unlock()
		ev := c.refuseAt(ReasonCooldown, next)
		return ev, errors.WrapTransient(
			fmt.Errorf("%w: %dms remaining", errors.ErrCooldownActive, time.Until(next).Milliseconds()),
			"Controller", "Deliver", "cooldown check")
	}
	if c.trialActive && c.maxPerTrial > 0 && c.trialRewards >= c.maxPerTrial {
		c.mu.Unlock()
		ev := c.refuse(ReasonTrialLimit)
		return ev, errors.WrapTransient(errors.ErrTrialLimit, "Controller", "Deliver", "trial limit check")
	}
	// The in-flight mark holds the cooldown slot while the actuator
	// runs, so a concurrent Deliver cannot pass the gates and drive the
	// hardware a second time.
	c.inFlight = true
	c.mu.Unlock()

	result, err := c.actuator.Deliver(ctx)
	if err != nil {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		ev := c.refuseWithResult(ReasonHardware, result)
		return ev, errors.Wrap(err, "Controller", "Deliver", "actuator delivery")
	}

	c.mu.Lock()
	c.inFlight = false
	c.lastSuccess = time.Now()
	c.total++
	if c.trialActive {
		c.trialRewards++
	}
	ev := Event{
		Success:      true,
		TrialNumber:  c.trialNumber,
		TrialRewards: c.trialRewards,
		Total:        c.total,
		Result:       result,
		Timestamp:    time.Now(),
	}
	c.mu.Unlock()

	c.attempts.WithLabelValues("success").Inc()
	c.logger.Info("reward delivered",
		"trial", ev.TrialNumber, "trialRewards", ev.TrialRewards, "total", ev.Total)
	c.emit(ev)
	return ev, nil
}

func (c *Controller) refuse(reason string) Event {
	return c.refuseWithResult(reason, hardware.DeliveryResult{
		Success:       false,
		Reason:        reason,
		NextAvailable: c.actuator.NextAvailable(),
	})
}

// refuseAt reports the controller's own next-available time rather
// than the actuator's, which keeps a shorter hardware floor.
func (c *Controller) refuseAt(reason string, next time.Time) Event {
	return c.refuseWithResult(reason, hardware.DeliveryResult{
		Success:       false,
		Reason:        reason,
		NextAvailable: next,
	})
}

func (c *Controller) refuseWithResult(reason string, result hardware.DeliveryResult) Event {
	c.mu.Lock()
	ev := Event{
		Success:      false,
		Reason:       reason,
		TrialNumber:  c.trialNumber,
		TrialRewards: c.trialRewards,
		Total:        c.total,
		Result:       result,
		Timestamp:    time.Now(),
	}
	c.mu.Unlock()

	c.attempts.WithLabelValues(reason).Inc()
	c.logger.Debug("reward refused", "reason", reason, "trial", ev.TrialNumber)
	c.emit(ev)
	return ev
}

// emit fans the event out to listeners, isolating panics.
func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	listeners := make([]func(Event), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("reward listener panicked", "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

// StartTrial begins a new trial and returns its number. Starting while
// a trial is active rolls the previous trial over.
func (c *Controller) StartTrial() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trialNumber++
	c.trialActive = true
	c.trialRewards = 0
	c.trialStart = time.Now()
	c.logger.Info("trial started", "trial", c.trialNumber)
	return c.trialNumber
}

// EndTrial closes the active trial and returns its summary.
func (c *Controller) EndTrial() (TrialSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.trialActive {
		return TrialSummary{}, errors.WrapInvalid(errors.ErrNoActiveTrial, "Controller", "EndTrial", "trial state check")
	}

	summary := TrialSummary{
		Number:    c.trialNumber,
		Rewards:   c.trialRewards,
		StartedAt: c.trialStart,
		EndedAt:   time.Now(),
	}
	c.trialActive = false
	c.trialRewards = 0
	c.logger.Info("trial ended", "trial", summary.Number, "rewards", summary.Rewards)
	return summary, nil
}

// ResetTrial ends the active trial and immediately starts the next one,
// returning the closed trial's summary and the new trial number.
func (c *Controller) ResetTrial() (TrialSummary, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.trialActive {
		return TrialSummary{}, 0, errors.WrapInvalid(errors.ErrNoActiveTrial, "Controller", "ResetTrial", "trial state check")
	}

	summary := TrialSummary{
		Number:    c.trialNumber,
		Rewards:   c.trialRewards,
		StartedAt: c.trialStart,
		EndedAt:   time.Now(),
	}
	c.trialNumber++
	c.trialRewards = 0
	c.trialStart = time.Now()
	c.logger.Info("trial reset", "ended", summary.Number, "started", c.trialNumber)
	return summary, c.trialNumber, nil
}

// Status reports the controller's current state.
func (c *Controller) Status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.lastSuccess.Add(c.cooldown)
	if c.lastSuccess.IsZero() {
		next = time.Now()
	}
	return map[string]any{
		"totalDelivered": c.total,
		"trialActive":    c.trialActive,
		"trialNumber":    c.trialNumber,
		"trialRewards":   c.trialRewards,
		"maxPerTrial":    c.maxPerTrial,
		"cooldownMs":     c.cooldown.Milliseconds(),
		"nextAvailable":  next,
	}
}

// TotalDelivered returns the number of successful rewards this session.
func (c *Controller) TotalDelivered() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// CurrentTrialRewards returns the reward count for the active trial.
func (c *Controller) CurrentTrialRewards() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trialRewards
}
