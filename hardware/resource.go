// Package hardware owns the lifecycle of every physical rig resource: the
// serial motion-sensor port, the water-delivery valve, the Python analysis
// backend subprocess, and session data logging. The Manager is the only
// component that mutates resource lifecycle state; everything else holds
// opaque handles.
package hardware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/boyuan99/three-maze-sub000/health"
	"github.com/boyuan99/three-maze-sub000/metric"
)

// ResourceType identifies a class of physical resource.
type ResourceType string

// Supported resource types
const (
	TypeSerialPort    ResourceType = "serial-port"
	TypeWaterDelivery ResourceType = "water-delivery"
	TypePythonBackend ResourceType = "python-backend"
	TypeDataLogging   ResourceType = "data-logging"
)

// Exclusive reports whether at most one live allocation of this type may
// exist system-wide. Physical hardware (one cable, one valve, one backend
// process) cannot be shared; data logging can have one file per owner.
func (t ResourceType) Exclusive() bool {
	switch t {
	case TypeSerialPort, TypeWaterDelivery, TypePythonBackend:
		return true
	default:
		return false
	}
}

// Valid reports whether t names a supported resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case TypeSerialPort, TypeWaterDelivery, TypePythonBackend, TypeDataLogging:
		return true
	default:
		return false
	}
}

// Resource is the uniform lifecycle wrapper returned by type-specific
// initializers. Concrete capabilities (writes, pulses, log appends) live
// on the concrete types; callers type-assert after Manager.Get.
type Resource interface {
	// Type returns the resource's type.
	Type() ResourceType

	// Health returns the resource's current health status.
	Health() health.Status

	// Describe returns a status snapshot for the composite rig status.
	Describe() map[string]any

	// Cleanup releases the underlying physical resource. It must tolerate
	// being called while operations are outstanding: an in-flight write or
	// read is interrupted best-effort and must not fail the cleanup.
	Cleanup(ctx context.Context) error
}

// RecordStatus tracks where a resource record is in its lifecycle.
type RecordStatus string

// Record lifecycle states
const (
	StatusInitializing RecordStatus = "initializing"
	StatusActive       RecordStatus = "active"
	StatusReleasing    RecordStatus = "releasing"
)

// Record is the Manager's bookkeeping for one live allocation.
type Record struct {
	Handle    string          `json:"handle"`
	Type      ResourceType    `json:"type"`
	OwnerID   string          `json:"ownerId"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Status    RecordStatus    `json:"status"`

	instance Resource
}

// Instance returns the live resource, nil while initializing.
func (r *Record) Instance() Resource {
	return r.instance
}

// newHandle issues an opaque handle: "{type}-{unix-ms}-{random}".
func newHandle(t ResourceType) string {
	return fmt.Sprintf("%s-%d-%s", t, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Deps carries the runtime dependencies handed to resource initializers.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// GetLogger returns the configured logger or the default logger.
func (d Deps) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Initializer creates a resource from its raw JSON config. Initializers
// perform the actual I/O (open port, spawn process, create file) and
// return a ready-to-use resource.
type Initializer func(ctx context.Context, rawConfig json.RawMessage, deps Deps) (Resource, error)
