// Package metric provides Prometheus metric registration and serving for
// the rig daemon. Components register their own counters, gauges, and
// histograms under a per-component namespace.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with Go runtime collectors
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// RegisterCounter registers a counter metric for a component
func (r *Registry) RegisterCounter(componentName, metricName string, counter prometheus.Counter) error {
	return r.register(componentName, metricName, counter)
}

// RegisterGauge registers a gauge metric for a component
func (r *Registry) RegisterGauge(componentName, metricName string, gauge prometheus.Gauge) error {
	return r.register(componentName, metricName, gauge)
}

// RegisterHistogram registers a histogram metric for a component
func (r *Registry) RegisterHistogram(componentName, metricName string, histogram prometheus.Histogram) error {
	return r.register(componentName, metricName, histogram)
}

// RegisterCounterVec registers a labeled counter metric for a component
func (r *Registry) RegisterCounterVec(componentName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(componentName, metricName, counterVec)
}

func (r *Registry) register(componentName, metricName string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return fmt.Errorf("metric %s already registered for component %s", metricName, componentName)
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return fmt.Errorf("prometheus conflict for metric %s: %w", metricName, err)
		}
		return fmt.Errorf("failed to register metric %s: %w", metricName, err)
	}

	r.registeredMetrics[key] = collector
	return nil
}

// Unregister removes a metric registration. Returns true if the metric existed.
func (r *Registry) Unregister(componentName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)
	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	r.prometheusRegistry.Unregister(collector)
	delete(r.registeredMetrics, key)
	return true
}

// UnregisterComponent removes all metrics registered under a component prefix.
// Used when a hardware resource is released so a later request can re-register.
func (r *Registry) UnregisterComponent(componentName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	prefix := componentName + "."
	for key, collector := range r.registeredMetrics {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			r.prometheusRegistry.Unregister(collector)
			delete(r.registeredMetrics, key)
			removed++
		}
	}
	return removed
}
