package metrics

import (
	"strings"
	"sync"

	"orderflow/config"
)

// Feature identifies an optional metric family that can be toggled through
// configuration.
type Feature string

const (
	// FeatureChannelSize controls the periodic channel occupancy gauges.
	FeatureChannelSize Feature = "channel_size"
)

var (
	featureMu      sync.RWMutex
	featureEnabled = map[Feature]bool{
		FeatureChannelSize: true,
	}
)

// Configure applies the metrics configuration to the feature toggles.
func Configure(cfg config.MetricsConfig) {
	featureMu.Lock()
	featureEnabled[FeatureChannelSize] = cfg.ChannelSize
	featureMu.Unlock()
}

// IsFeatureEnabled reports whether the given feature is active. Unknown
// features default to enabled.
func IsFeatureEnabled(feature Feature) bool {
	featureMu.RLock()
	defer featureMu.RUnlock()
	enabled, ok := featureEnabled[feature]
	if !ok {
		return true
	}
	return enabled
}

// featureForMetric maps a metric name onto the feature that gates it, if any.
func featureForMetric(name string) (Feature, bool) {
	if strings.HasSuffix(name, "_buffer_length") {
		return FeatureChannelSize, true
	}
	return "", false
}
