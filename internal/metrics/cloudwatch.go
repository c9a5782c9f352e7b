package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"orderflow/logger"
)

//go:embed CWdash.json
var dashboardTemplate string

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var cwState atomic.Pointer[cloudWatchState]

// Publishing is throttled per metric key so high-frequency counters do not
// flood the PutMetricData API. Tests override the clock and publish function.
var (
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics
)

// publishThrottle remembers the last publish time per metric key.
type publishThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
}

var throttle = publishThrottle{last: make(map[string]time.Time)}

func (t *publishThrottle) allow(key string, now time.Time, interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < interval {
		return false
	}
	t.last[key] = now
	return true
}

func (t *publishThrottle) reset() {
	t.mu.Lock()
	t.last = make(map[string]time.Time)
	t.mu.Unlock()
}

func resetMetricPublishTimes() {
	throttle.reset()
}

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "OrderFlow",
		dashboardName: "OrderFlow",
	})
}

// InitCloudWatch initialises the CloudWatch client for the metric stream and
// installs the embedded dashboard. When the AWS configuration cannot be
// loaded a warning is logged and publishing stays disabled.
func InitCloudWatch(region, namespace, dashboard string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("could not load AWS config, CloudWatch publishing disabled")
		return
	}

	state := cloudWatchState{}
	if current := cwState.Load(); current != nil {
		state = *current
	}
	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboardName = dashboard
	}
	state.region = cfg.Region
	if state.region == "" {
		state.region = region
	}
	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("CloudWatch client ready")

	if err := CreateDashboardFromTemplate(ctx); err != nil {
		log.WithError(err).Warn("could not install CloudWatch dashboard")
	}
}

// EmitMetric logs the metric locally and publishes it to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	metricEvent, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}

	numericValue, ok := toFloat64(metricEvent.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": metricEvent.Name}).Debug("metric value is not numeric, not publishing")
		return
	}

	publishMetricDatum(metricEvent, numericValue)
}

// CreateDashboardFromTemplate applies the embedded dashboard definition with
// the configured namespace and region substituted in. Invalid JSON after
// substitution and API failures are surfaced to the caller.
func CreateDashboardFromTemplate(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body := substituteDashboardBody(state)
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("dashboard body is not valid JSON after substitution")
	}

	_, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard from template")
	return nil
}

func substituteDashboardBody(state *cloudWatchState) string {
	body := dashboardTemplate
	if state.namespace != "" {
		body = strings.ReplaceAll(body, "\"OrderFlow\"", fmt.Sprintf("%q", state.namespace))
	}
	if state.region != "" {
		body = strings.ReplaceAll(body, "\"eu-central-1\"", fmt.Sprintf("%q", state.region))
	}
	return body
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}
	if !throttle.allow(metricPublishKey(metric), timeNow(), cloudWatchPublishInterval) {
		return
	}

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(metric.Name),
		Dimensions: datumDimensions(metric),
		Unit:       datumUnit(metric),
		Value:      aws.Float64(value),
	}
	publishMetricsFunc(context.Background(), state, []cwtypes.MetricDatum{datum})
}

func datumUnit(metric Metric) cwtypes.StandardUnit {
	raw, ok := metric.Fields["unit"]
	if !ok {
		return cwtypes.StandardUnitCount
	}
	unitStr, ok := raw.(string)
	if !ok {
		return cwtypes.StandardUnitCount
	}
	if unit, found := metricUnitFromString(unitStr); found {
		return unit
	}
	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
		"metric": metric.Name,
		"unit":   unitStr,
	}).Debug("unsupported metric unit; defaulting to Count")
	return cwtypes.StandardUnitCount
}

// datumDimensions maps the component plus every string field onto CloudWatch
// dimensions. Reserved log keys are excluded.
func datumDimensions(metric Metric) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for k, v := range metric.Fields {
		switch k {
		case "metric", "metric_type", "value", "unit":
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	return dims
}

// metricPublishKey derives the throttling key from the component, name and
// string dimensions of a metric.
func metricPublishKey(metric Metric) string {
	dims := make([]string, 0, len(metric.Fields))
	for k, v := range metric.Fields {
		if s, ok := v.(string); ok {
			dims = append(dims, k+"="+s)
		}
	}
	sort.Strings(dims)
	return metric.Component + "|" + metric.Name + "|" + strings.Join(dims, ",")
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("CloudWatch metric publish failed")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
		"metrics": strings.Join(names, ","),
	}).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
