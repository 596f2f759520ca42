// Package gateway is the rig's control surface. Renderer requests
// arrive over NATS request/reply on "<root>.request.<name>"; events are
// pushed on "<root>.event.<name>" and optionally bridged to WebSocket
// clients. Core handlers cover experiment lifecycle, hardware, rewards,
// and scene state; everything else is delegated to the loaded
// experiment's handlers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/experiment"
	"github.com/boyuan99/three-maze-sub000/hardware"
	"github.com/boyuan99/three-maze-sub000/health"
	"github.com/boyuan99/three-maze-sub000/metric"
	"github.com/boyuan99/three-maze-sub000/natsclient"
)

// coreHandler is a daemon-owned request handler.
type coreHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// CoreHandlerNames returns the handler names reserved for the daemon.
// Experiments may not register any of these.
func CoreHandlerNames() []string {
	return []string{
		"load-experiment",
		"unload-experiment",
		"list-experiments",
		"get-status",
		"request-hardware",
		"release-hardware",
		"list-serial-ports",
		"experiment-deliver-reward",
		"experiment-start-trial",
		"experiment-end-trial",
		"experiment-reset-trial",
		"experiment-get-status",
		"load-scene",
		"scene-ready",
		"get-scene-status",
	}
}

// Scene states
const (
	SceneNone    = "none"
	SceneLoading = "loading"
	SceneReady   = "ready"
)

// Gateway dispatches renderer requests and pushes rig events.
type Gateway struct {
	nats     *natsclient.Client
	runtime  *experiment.Runtime
	hardware *hardware.Manager
	logger   *slog.Logger
	limiter  *rate.Limiter
	bridge   *EventBridge

	rigName     string
	subjectRoot string
	startedAt   time.Time

	handlers map[string]coreHandler

	sceneMu        sync.Mutex
	sceneName      string
	sceneStatus    string
	sceneRequested time.Time

	requestsTotal *prometheus.CounterVec
	eventsTotal   prometheus.Counter
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithRigName sets the rig name reported in status and events.
func WithRigName(name string) Option {
	return func(g *Gateway) { g.rigName = name }
}

// WithSubjectRoot sets the NATS subject root (default "rig").
func WithSubjectRoot(root string) Option {
	return func(g *Gateway) { g.subjectRoot = root }
}

// WithRequestRate caps renderer requests per second. The renderer is an
// untrusted event loop; a stuck retry must not starve the daemon.
func WithRequestRate(perSecond float64, burst int) Option {
	return func(g *Gateway) { g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithEventBridge attaches a WebSocket event bridge.
func WithEventBridge(b *EventBridge) Option {
	return func(g *Gateway) { g.bridge = b }
}

// WithMetrics registers gateway metrics.
func WithMetrics(reg *metric.Registry) Option {
	return func(g *Gateway) {
		if reg != nil {
			_ = reg.RegisterCounterVec("gateway", "requests_total", g.requestsTotal)
			_ = reg.RegisterCounter("gateway", "events_total", g.eventsTotal)
		}
	}
}

// New creates a Gateway over an established NATS client.
func New(nc *natsclient.Client, rt *experiment.Runtime, hw *hardware.Manager, opts ...Option) *Gateway {
	g := &Gateway{
		nats:        nc,
		runtime:     rt,
		hardware:    hw,
		logger:      slog.Default().With("component", "gateway"),
		rigName:     "rig",
		subjectRoot: "rig",
		sceneStatus: SceneNone,
		limiter:     rate.NewLimiter(rate.Limit(200), 400),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rig_gateway_requests_total",
			Help: "Gateway requests by handler and outcome",
		}, []string{"handler", "outcome"}),
		eventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rig_gateway_events_total",
			Help: "Events pushed to the renderer",
		}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.handlers = g.coreHandlers()
	return g
}

func (g *Gateway) coreHandlers() map[string]coreHandler {
	return map[string]coreHandler{
		"load-experiment":           g.handleLoadExperiment,
		"unload-experiment":         g.handleUnloadExperiment,
		"list-experiments":          g.handleListExperiments,
		"get-status":                g.handleGetStatus,
		"request-hardware":          g.handleRequestHardware,
		"release-hardware":          g.handleReleaseHardware,
		"list-serial-ports":         g.handleListSerialPorts,
		"experiment-deliver-reward": g.handleDeliverReward,
		"experiment-start-trial":    g.handleStartTrial,
		"experiment-end-trial":      g.handleEndTrial,
		"experiment-reset-trial":    g.handleResetTrial,
		"experiment-get-status":     g.handleExperimentStatus,
		"load-scene":                g.handleLoadScene,
		"scene-ready":               g.handleSceneReady,
		"get-scene-status":          g.handleSceneStatus,
	}
}

// Start subscribes to the request subject tree.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	subject := g.subjectRoot + ".request.>"
	_, err := g.nats.Subscribe(subject, func(msg *nats.Msg) {
		go g.dispatch(ctx, msg)
	})
	if err != nil {
		return errors.Wrap(err, "Gateway", "Start", "request subscription")
	}

	g.logger.Info("gateway listening", "subject", subject)
	g.PublishEvent("daemon-ready", map[string]any{"rig": g.rigName})
	return nil
}

// dispatch routes one request to a core or experiment handler and
// replies with the response envelope.
func (g *Gateway) dispatch(ctx context.Context, msg *nats.Msg) {
	name := strings.TrimPrefix(msg.Subject, g.subjectRoot+".request.")

	resp := g.invoke(ctx, name, msg.Data)

	outcome := "error"
	if resp.Success {
		outcome = "success"
	}
	g.requestsTotal.WithLabelValues(name, outcome).Inc()

	data, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("response encoding failed", "handler", name, "error", err)
		data = []byte(`{"success":false,"error":"response encoding failed"}`)
	}
	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			g.logger.Warn("reply failed", "handler", name, "error", err)
		}
	}
}

func (g *Gateway) invoke(ctx context.Context, name string, payload json.RawMessage) experiment.Response {
	if !g.limiter.Allow() {
		return failResponse(name, errors.ErrRateLimited)
	}

	handler, isCore := g.handlers[name]
	if !isCore {
		return g.runtime.Invoke(ctx, name, payload)
	}

	var (
		data any
		err  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", name, r)
			}
		}()
		data, err = handler(ctx, payload)
	}()

	if err != nil {
		g.logger.Error("core handler failed", "handler", name, "error", err)
		return failResponse(name, err)
	}
	return experiment.Response{
		Success:     true,
		Data:        data,
		HandlerName: name,
		Timestamp:   time.Now(),
	}
}

func failResponse(name string, err error) experiment.Response {
	return experiment.Response{
		Success:     false,
		Error:       err.Error(),
		HandlerName: name,
		Timestamp:   time.Now(),
	}
}

// PublishEvent pushes an event to NATS and the WebSocket bridge.
func (g *Gateway) PublishEvent(event string, payload any) {
	envelope := map[string]any{
		"event":     event,
		"rig":       g.rigName,
		"payload":   payload,
		"timestamp": time.Now(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		g.logger.Error("event encoding failed", "event", event, "error", err)
		return
	}

	g.eventsTotal.Inc()
	subject := g.subjectRoot + ".event." + event
	if err := g.nats.Publish(subject, data); err != nil {
		g.logger.Debug("event publish failed", "event", event, "error", err)
	}
	if g.bridge != nil {
		g.bridge.Broadcast(data)
	}
}

// Health reports the gateway's view of the control plane.
func (g *Gateway) Health() health.Status {
	if !g.nats.IsConnected() {
		return health.NewUnhealthy("gateway", "NATS disconnected")
	}
	status := health.NewHealthy("gateway")
	return status.WithMetrics(&health.Metrics{Uptime: time.Since(g.startedAt)})
}

// Stop closes the event bridge. The NATS client is owned by the caller.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.bridge != nil {
		return g.bridge.Stop(ctx)
	}
	return nil
}
