package hardware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/boyuan99/three-maze-sub000/errors"
	"github.com/boyuan99/three-maze-sub000/health"
)

// Manager allocates and releases rig resources. Exclusivity is enforced
// at reservation time: a record for an exclusive type is inserted under
// the lock before the (slow) initializer runs, so two concurrent requests
// for the same cable can never both succeed.
type Manager struct {
	mu           sync.Mutex
	records      map[string]*Record
	initializers map[ResourceType]Initializer

	deps   Deps
	logger *slog.Logger

	requestsTotal  *prometheus.CounterVec
	conflictsTotal prometheus.Counter
	activeGauge    *prometheus.GaugeVec
}

// NewManager creates a Manager with the built-in initializers for serial
// ports, water delivery, the Python backend, and data logging.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		records:      make(map[string]*Record),
		initializers: make(map[ResourceType]Initializer),
		deps:         deps,
		logger:       deps.GetLogger().With("component", "hardware-manager"),
	}

	m.initializers[TypeSerialPort] = newSerialPort
	m.initializers[TypeWaterDelivery] = newWaterDelivery
	m.initializers[TypePythonBackend] = newPythonBackend
	m.initializers[TypeDataLogging] = newDataLogger

	m.setupMetrics()
	return m
}

// RegisterInitializer overrides the initializer for a resource type.
func (m *Manager) RegisterInitializer(t ResourceType, init Initializer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initializers[t] = init
}

func (m *Manager) setupMetrics() {
	if m.deps.Metrics == nil {
		return
	}

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rig_hardware_requests_total",
		Help: "Resource requests by type and outcome",
	}, []string{"type", "outcome"})
	m.conflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rig_hardware_conflicts_total",
		Help: "Requests rejected because an exclusive resource was held",
	})
	m.activeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rig_hardware_active_resources",
		Help: "Currently allocated resources by type",
	}, []string{"type"})

	// Registration failures only happen on name collisions at startup
	_ = m.deps.Metrics.RegisterCounterVec("hardware-manager", "requests_total", m.requestsTotal)
	_ = m.deps.Metrics.RegisterCounter("hardware-manager", "conflicts_total", m.conflictsTotal)
	if err := m.deps.Metrics.PrometheusRegistry().Register(m.activeGauge); err != nil {
		m.logger.Warn("gauge registration failed", "error", err)
	}
}

func (m *Manager) countRequest(t ResourceType, outcome string) {
	if m.requestsTotal != nil {
		m.requestsTotal.WithLabelValues(string(t), outcome).Inc()
	}
}

// Request allocates a resource of the given type for ownerID and returns
// an opaque handle. For exclusive types, a second request from a different
// owner fails with a conflict error naming the current owner, while a
// repeat request from the same owner returns the existing handle without
// re-initializing the hardware. Non-exclusive types allocate a fresh
// instance on every request.
func (m *Manager) Request(ctx context.Context, t ResourceType, ownerID string, rawConfig json.RawMessage) (string, error) {
	if !t.Valid() {
		m.countRequest(t, "invalid")
		return "", errors.WrapInvalid(errors.ErrUnsupportedType, "Manager", "Request", "type validation")
	}

	m.mu.Lock()
	init, ok := m.initializers[t]
	if !ok {
		m.mu.Unlock()
		m.countRequest(t, "invalid")
		return "", errors.WrapInvalid(errors.ErrUnsupportedType, "Manager", "Request", "initializer lookup")
	}

	// Conflict scan. Records still initializing count as held: the
	// reservation is what makes concurrent requests safe.
	for _, rec := range m.records {
		if rec.Type != t || rec.Status == StatusReleasing {
			continue
		}
		if rec.OwnerID == ownerID {
			// Only exclusive types are idempotent; an owner may hold
			// several data loggers at once.
			if !t.Exclusive() {
				continue
			}
			handle := rec.Handle
			m.mu.Unlock()
			m.logger.Debug("returning existing allocation",
				"type", t, "owner", ownerID, "handle", handle)
			m.countRequest(t, "existing")
			return handle, nil
		}
		if t.Exclusive() {
			owner := rec.OwnerID
			m.mu.Unlock()
			if m.conflictsTotal != nil {
				m.conflictsTotal.Inc()
			}
			m.countRequest(t, "conflict")
			return "", errors.WrapInvalid(
				fmt.Errorf("%w: %s held by %q", errors.ErrResourceConflict, t, owner),
				"Manager", "Request", "exclusivity check")
		}
	}

	rec := &Record{
		Handle:    newHandle(t),
		Type:      t,
		OwnerID:   ownerID,
		Config:    rawConfig,
		CreatedAt: time.Now(),
		Status:    StatusInitializing,
	}
	m.records[rec.Handle] = rec
	m.mu.Unlock()

	instance, err := init(ctx, rawConfig, m.deps)
	if err != nil {
		m.mu.Lock()
		delete(m.records, rec.Handle)
		m.mu.Unlock()
		m.countRequest(t, "error")
		m.logger.Error("resource initialization failed",
			"type", t, "owner", ownerID, "error", err)
		return "", errors.Wrap(err, "Manager", "Request", "resource initialization")
	}

	m.mu.Lock()
	rec.instance = instance
	rec.Status = StatusActive
	m.mu.Unlock()

	if m.activeGauge != nil {
		m.activeGauge.WithLabelValues(string(t)).Inc()
	}
	m.countRequest(t, "success")
	m.logger.Info("resource allocated",
		"type", t, "owner", ownerID, "handle", rec.Handle)
	return rec.Handle, nil
}

// Release cleans up the resource behind handle and removes its record.
// The record is removed even if cleanup fails, so a stuck device never
// wedges the exclusivity table; the cleanup error is still returned.
func (m *Manager) Release(ctx context.Context, handle string) error {
	m.mu.Lock()
	rec, ok := m.records[handle]
	if !ok {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidHandle, "Manager", "Release", "handle lookup")
	}
	if rec.Status == StatusReleasing {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Manager", "Release", "status check")
	}
	rec.Status = StatusReleasing
	instance := rec.instance
	m.mu.Unlock()

	var cleanupErr error
	if instance != nil {
		cleanupErr = instance.Cleanup(ctx)
	}

	m.mu.Lock()
	delete(m.records, handle)
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.UnregisterComponent(handle)
	}
	if m.activeGauge != nil && instance != nil {
		m.activeGauge.WithLabelValues(string(rec.Type)).Dec()
	}

	if cleanupErr != nil {
		m.logger.Error("resource cleanup failed",
			"type", rec.Type, "handle", handle, "error", cleanupErr)
		return errors.Wrap(cleanupErr, "Manager", "Release", "resource cleanup")
	}

	m.logger.Info("resource released", "type", rec.Type, "handle", handle)
	return nil
}

// ReleaseFailure describes one failed cleanup during ForceReleaseAll.
type ReleaseFailure struct {
	Handle string       `json:"handle"`
	Type   ResourceType `json:"type"`
	Error  string       `json:"error"`
}

// ReleaseReport summarizes a ForceReleaseAll sweep.
type ReleaseReport struct {
	Released int              `json:"released"`
	Failed   int              `json:"failed"`
	Failures []ReleaseFailure `json:"failures,omitempty"`
}

// ForceReleaseAll releases every resource owned by ownerID. It never
// returns an error: individual cleanup failures are collected into the
// report so experiment unload always completes.
func (m *Manager) ForceReleaseAll(ctx context.Context, ownerID string) ReleaseReport {
	m.mu.Lock()
	var targets []*Record
	for _, rec := range m.records {
		if rec.OwnerID == ownerID && rec.Status != StatusReleasing {
			targets = append(targets, rec)
		}
	}
	m.mu.Unlock()

	var (
		reportMu sync.Mutex
		report   ReleaseReport
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range targets {
		g.Go(func() error {
			err := m.Release(gctx, rec.Handle)
			reportMu.Lock()
			defer reportMu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, ReleaseFailure{
					Handle: rec.Handle,
					Type:   rec.Type,
					Error:  err.Error(),
				})
				return nil
			}
			report.Released++
			return nil
		})
	}
	_ = g.Wait()

	if report.Failed > 0 {
		m.logger.Warn("force release completed with failures",
			"owner", ownerID, "released", report.Released, "failed", report.Failed)
	} else if report.Released > 0 {
		m.logger.Info("force release completed",
			"owner", ownerID, "released", report.Released)
	}
	return report
}

// Get returns the live resource behind handle.
func (m *Manager) Get(handle string) (Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[handle]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidHandle, "Manager", "Get", "handle lookup")
	}
	if rec.instance == nil {
		return nil, errors.WrapTransient(errors.ErrNotStarted, "Manager", "Get", "instance lookup")
	}
	return rec.instance, nil
}

// Lookup returns a snapshot of the record behind handle.
func (m *Manager) Lookup(handle string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[handle]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Handles returns the handles owned by ownerID, sorted for stable output.
func (m *Manager) Handles(ownerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var handles []string
	for _, rec := range m.records {
		if rec.OwnerID == ownerID {
			handles = append(handles, rec.Handle)
		}
	}
	sort.Strings(handles)
	return handles
}

// Describe returns a snapshot of every allocation plus each live
// resource's own status, keyed by handle.
func (m *Manager) Describe() map[string]map[string]any {
	m.mu.Lock()
	snapshot := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		snapshot = append(snapshot, rec)
	}
	m.mu.Unlock()

	out := make(map[string]map[string]any, len(snapshot))
	for _, rec := range snapshot {
		entry := map[string]any{
			"type":      rec.Type,
			"ownerId":   rec.OwnerID,
			"createdAt": rec.CreatedAt,
			"status":    rec.Status,
		}
		if rec.instance != nil {
			entry["resource"] = rec.instance.Describe()
		}
		out[rec.Handle] = entry
	}
	return out
}

// Health aggregates the health of every active resource.
func (m *Manager) Health() health.Status {
	m.mu.Lock()
	instances := make([]Resource, 0, len(m.records))
	for _, rec := range m.records {
		if rec.instance != nil {
			instances = append(instances, rec.instance)
		}
	}
	m.mu.Unlock()

	statuses := make([]health.Status, 0, len(instances))
	for _, r := range instances {
		statuses = append(statuses, r.Health())
	}
	return health.Aggregate("hardware-manager", statuses...)
}

// Shutdown releases every resource regardless of owner. Used at daemon
// exit so physical hardware is never left open.
func (m *Manager) Shutdown(ctx context.Context) ReleaseReport {
	m.mu.Lock()
	owners := make(map[string]struct{})
	for _, rec := range m.records {
		owners[rec.OwnerID] = struct{}{}
	}
	m.mu.Unlock()

	var total ReleaseReport
	for owner := range owners {
		r := m.ForceReleaseAll(ctx, owner)
		total.Released += r.Released
		total.Failed += r.Failed
		total.Failures = append(total.Failures, r.Failures...)
	}
	return total
}
