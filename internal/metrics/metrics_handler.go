package metrics

import (
	"sync"
	"time"

	"orderflow/logger"
)

// Metric is one recorded measurement, carrying the component that produced
// it and any extra fields attached at the call site.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler receives each metric as it is recorded.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registration so it can be undone later.
type MetricHandlerID uint64

// handlerRegistry tracks the metric handlers registered by consumers such as
// the dashboard. Dispatch runs on a snapshot of the handler set so a handler
// can unregister itself without deadlocking.
type handlerRegistry struct {
	mu     sync.RWMutex
	nextID MetricHandlerID
	byID   map[MetricHandlerID]MetricHandler
}

var registry = handlerRegistry{byID: make(map[MetricHandlerID]MetricHandler)}

func (r *handlerRegistry) register(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.byID[r.nextID] = handler
	return r.nextID
}

func (r *handlerRegistry) unregister(id MetricHandlerID) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

func (r *handlerRegistry) dispatch(metric Metric) {
	r.mu.RLock()
	handlers := make([]MetricHandler, 0, len(r.byID))
	for _, handler := range r.byID {
		handlers = append(handlers, handler)
	}
	r.mu.RUnlock()

	for _, handler := range handlers {
		handler(metric)
	}
}

func (r *handlerRegistry) reset() {
	r.mu.Lock()
	r.byID = make(map[MetricHandlerID]MetricHandler)
	r.nextID = 0
	r.mu.Unlock()
}

// RegisterMetricHandler subscribes handler to all future metrics and returns
// the id to pass to UnregisterMetricHandler. A nil handler yields id zero.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	return registry.register(handler)
}

// UnregisterMetricHandler drops the subscription with the given id.
func UnregisterMetricHandler(id MetricHandlerID) {
	registry.unregister(id)
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if feature, gated := featureForMetric(name); gated && !IsFeatureEnabled(feature) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	metric := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}

	logFields := cloneFields(fields)
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Info("metric")

	registry.dispatch(metric)
	return metric, true
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
