package hardware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/health"
)

// Water delivery modes
const (
	WaterModeScript    = "python-script"
	WaterModeSimulated = "simulated"
)

// WaterConfig configures the water-delivery valve.
type WaterConfig struct {
	Mode         string `json:"mode"`
	ScriptPath   string `json:"scriptPath,omitempty"`
	PythonBin    string `json:"pythonBin,omitempty"`
	DurationMs   int    `json:"durationMs"`
	CooldownMs   int    `json:"cooldownMs"`
	MaxPerMinute int    `json:"maxPerMinute"`
}

func (c *WaterConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = WaterModeScript
	}
	if c.PythonBin == "" {
		c.PythonBin = "python3"
	}
	if c.DurationMs == 0 {
		c.DurationMs = 50
	}
	if c.CooldownMs == 0 {
		c.CooldownMs = 500
	}
	if c.MaxPerMinute == 0 {
		c.MaxPerMinute = 60
	}
}

func (c *WaterConfig) validate() error {
	switch c.Mode {
	case WaterModeScript:
		if c.ScriptPath == "" {
			return fmt.Errorf("%w: scriptPath required for %s mode", errors.ErrMissingConfig, WaterModeScript)
		}
	case WaterModeSimulated:
	default:
		return fmt.Errorf("%w: unknown water mode %q", errors.ErrInvalidConfig, c.Mode)
	}
	return nil
}

// DeliveryResult reports the outcome of one pulse attempt.
type DeliveryResult struct {
	Success       bool      `json:"success"`
	Reason        string    `json:"reason,omitempty"`
	DurationMs    int       `json:"durationMs"`
	DeliveryCount int64     `json:"deliveryCount"`
	DeliveredAt   time.Time `json:"deliveredAt,omitempty"`
	NextAvailable time.Time `json:"nextAvailable"`
}

// WaterDelivery drives the reward valve. A hard cooldown floor and a
// per-minute token bucket protect the animal regardless of what the
// experiment above asks for. Only successful pulses advance the
// cooldown clock.
type WaterDelivery struct {
	config  WaterConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu          sync.Mutex
	inFlight    bool
	lastSuccess time.Time
	count       int64
	recent      []time.Time // successes inside the trailing minute

	pulsesTotal *prometheus.CounterVec
	runPulse    func(ctx context.Context) error
	createdAt   time.Time
	lastFailure string
}

func newWaterDelivery(_ context.Context, rawConfig json.RawMessage, deps Deps) (Resource, error) {
	var cfg WaterConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "WaterDelivery", "newWaterDelivery", "config decode")
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.WrapInvalid(err, "WaterDelivery", "newWaterDelivery", "config validation")
	}

	w := &WaterDelivery{
		config: cfg,
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(cfg.MaxPerMinute)),
			cfg.MaxPerMinute),
		logger:    deps.GetLogger().With("component", "water-delivery", "mode", cfg.Mode),
		createdAt: time.Now(),
	}
	w.runPulse = w.pulse

	w.pulsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rig_water_pulses_total",
		Help: "Water pulse attempts by outcome",
	}, []string{"outcome"})
	if deps.Metrics != nil {
		_ = deps.Metrics.RegisterCounterVec("water-delivery", "pulses_total", w.pulsesTotal)
	}

	w.logger.Info("water delivery ready",
		"durationMs", cfg.DurationMs, "cooldownMs", cfg.CooldownMs, "maxPerMinute", cfg.MaxPerMinute)
	return w, nil
}

// Deliver attempts one pulse. Cooldown and rate refusals return a typed
// error along with a result describing when delivery is next possible.
func (w *WaterDelivery) Deliver(ctx context.Context) (DeliveryResult, error) {
	w.mu.Lock()
	now := time.Now()
	cooldown := time.Duration(w.config.CooldownMs) * time.Millisecond
	next := w.lastSuccess.Add(cooldown)

	if w.inFlight {
		res := w.refusalLocked("busy", now)
		w.mu.Unlock()
		w.pulsesTotal.WithLabelValues("busy").Inc()
		return res, errors.WrapTransient(errors.ErrDeliveryBusy, "WaterDelivery", "Deliver", "concurrency check")
	}
	if !w.lastSuccess.IsZero() && now.Before(next) {
		res := w.refusalLocked("cooldown", next)
		w.mu.Unlock()
		w.pulsesTotal.WithLabelValues("cooldown").Inc()
		return res, errors.WrapTransient(errors.ErrCooldownActive, "WaterDelivery", "Deliver", "cooldown check")
	}

	// Allow consumes a token before the pulse runs, so a pulse that
	// later fails still counts toward the per-minute limit; the
	// hardware was driven either way.
	if !w.limiter.Allow() {
		res := w.refusalLocked("rate-limited", w.oldestRecentLocked(now).Add(time.Minute))
		w.mu.Unlock()
		w.pulsesTotal.WithLabelValues("rate_limited").Inc()
		return res, errors.WrapTransient(errors.ErrRateLimited, "WaterDelivery", "Deliver", "rate limit check")
	}
	// The in-flight mark reserves the valve before the lock is dropped,
	// so a concurrent Deliver cannot slip through the cooldown gate
	// while the pulse is still running.
	w.inFlight = true
	w.mu.Unlock()

	if err := w.runPulse(ctx); err != nil {
		w.mu.Lock()
		w.inFlight = false
		w.lastFailure = err.Error()
		w.mu.Unlock()
		w.pulsesTotal.WithLabelValues("error").Inc()
		w.logger.Error("water pulse failed", "error", err)
		return DeliveryResult{
			Success:       false,
			Reason:        "hardware",
			DurationMs:    w.config.DurationMs,
			NextAvailable: time.Now(),
		}, errors.WrapTransient(err, "WaterDelivery", "Deliver", "pulse execution")
	}

	w.mu.Lock()
	completed := time.Now()
	w.inFlight = false
	w.lastSuccess = completed
	w.count++
	w.recent = append(w.trimRecentLocked(completed), completed)
	res := DeliveryResult{
		Success:       true,
		DurationMs:    w.config.DurationMs,
		DeliveryCount: w.count,
		DeliveredAt:   completed,
		NextAvailable: completed.Add(cooldown),
	}
	w.mu.Unlock()

	w.pulsesTotal.WithLabelValues("success").Inc()
	w.logger.Info("water delivered", "count", res.DeliveryCount, "durationMs", res.DurationMs)
	return res, nil
}

// pulse drives the valve once.
func (w *WaterDelivery) pulse(ctx context.Context) error {
	duration := time.Duration(w.config.DurationMs) * time.Millisecond

	switch w.config.Mode {
	case WaterModeSimulated:
		select {
		case <-time.After(duration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		cmd := exec.CommandContext(ctx, w.config.PythonBin, w.config.ScriptPath,
			"--duration-ms", strconv.Itoa(w.config.DurationMs))
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("%w: %v: %s", errors.ErrHardware, err, out)
		}
		return nil
	}
}

// refusalLocked builds a failure result. Caller holds w.mu.
func (w *WaterDelivery) refusalLocked(reason string, next time.Time) DeliveryResult {
	return DeliveryResult{
		Success:       false,
		Reason:        reason,
		DurationMs:    w.config.DurationMs,
		DeliveryCount: w.count,
		NextAvailable: next,
	}
}

// trimRecentLocked drops successes older than one minute. Caller holds w.mu.
func (w *WaterDelivery) trimRecentLocked(now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	kept := w.recent[:0]
	for _, t := range w.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (w *WaterDelivery) oldestRecentLocked(now time.Time) time.Time {
	w.recent = w.trimRecentLocked(now)
	if len(w.recent) == 0 {
		return now
	}
	return w.recent[0]
}

// NextAvailable returns the earliest time a pulse could succeed.
func (w *WaterDelivery) NextAvailable() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastSuccess.IsZero() {
		return time.Now()
	}
	return w.lastSuccess.Add(time.Duration(w.config.CooldownMs) * time.Millisecond)
}

// DeliveryCount returns total successful pulses.
func (w *WaterDelivery) DeliveryCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// DeliveriesInLastMinute returns successes inside the trailing minute.
func (w *WaterDelivery) DeliveriesInLastMinute() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recent = w.trimRecentLocked(time.Now())
	return len(w.recent)
}

// Type implements Resource.
func (w *WaterDelivery) Type() ResourceType { return TypeWaterDelivery }

// Health implements Resource.
func (w *WaterDelivery) Health() health.Status {
	w.mu.Lock()
	failure := w.lastFailure
	count := w.count
	last := w.lastSuccess
	w.mu.Unlock()

	if failure != "" {
		return health.NewDegraded("water-delivery", "last pulse failed: "+failure)
	}
	status := health.NewHealthy("water-delivery")
	return status.WithMetrics(&health.Metrics{
		Uptime:            time.Since(w.createdAt),
		MessagesProcessed: count,
		LastActivity:      last,
	})
}

// Describe implements Resource.
func (w *WaterDelivery) Describe() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]any{
		"mode":          w.config.Mode,
		"durationMs":    w.config.DurationMs,
		"cooldownMs":    w.config.CooldownMs,
		"maxPerMinute":  w.config.MaxPerMinute,
		"deliveryCount": w.count,
		"lastSuccess":   w.lastSuccess,
	}
}

// Cleanup implements Resource. The valve is stateless between pulses so
// there is nothing to close.
func (w *WaterDelivery) Cleanup(context.Context) error {
	w.logger.Info("water delivery released", "deliveryCount", w.DeliveryCount())
	return nil
}
