package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// reportTarget is where the runtime report publishes its Flow-* datums. A nil
// client leaves publishing disabled; it is set once during startup, before
// the report loop runs.
var reportTarget = struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}{
	namespace: "OrderFlow",
	dashboard: "OrderFlow",
}

// InitCloudWatch wires the report-layer CloudWatch client. An empty region
// falls back to AWS_REGION. Failures leave publishing disabled rather than
// aborting startup.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

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
		log.WithError(err).Warn("could not load AWS config, report publishing disabled")
		return
	}

	reportTarget.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		reportTarget.namespace = namespace
	}
	if dashboard != "" {
		reportTarget.dashboard = dashboard
	}

	log.WithFields(Fields{"region": region, "namespace": reportTarget.namespace}).Info("report CloudWatch client ready")

	CreateDefaultDashboard(ctx)
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	log := GetLogger().WithComponent("cloudwatch")
	if reportTarget.client == nil || len(data) == 0 {
		return
	}

	_, err := reportTarget.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(reportTarget.namespace),
		MetricData: data,
	})
	if err != nil {
		log.WithError(err).Warn("report datum publish failed")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithFields(Fields{"metrics": strings.Join(names, ",")}).Debug("published report datums")
}

// PublishMetrics exposes metric publishing for packages that assemble their
// own CloudWatch datums.
func PublishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	publishMetrics(ctx, data)
}

// CreateDefaultDashboard installs a minimal dashboard over the Flow-* report
// metrics. The richer template dashboard, when enabled, replaces it.
func CreateDefaultDashboard(ctx context.Context) {
	if reportTarget.client == nil {
		return
	}

	series := []string{"Flow-CPUPercent", "Flow-MemoryMB", "Flow-TradeReads", "Flow-LiquidationReads"}
	metricRows := make([][]string, 0, len(series))
	for _, name := range series {
		metricRows = append(metricRows, []string{reportTarget.namespace, name})
	}

	body, err := json.Marshal(map[string]interface{}{
		"widgets": []map[string]interface{}{{
			"type":   "metric",
			"width":  24,
			"height": 6,
			"properties": map[string]interface{}{
				"metrics": metricRows,
				"period":  60,
				"stat":    "Average",
				"title":   "OrderFlow System Metrics",
			},
		}},
	})
	if err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("could not build report dashboard body")
		return
	}

	if _, err := reportTarget.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(reportTarget.dashboard),
		DashboardBody: aws.String(string(body)),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("could not install report dashboard")
	}
}
