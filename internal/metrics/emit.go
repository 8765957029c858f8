package metrics

import (
	"context"
	"strings"
	"sync/atomic"

	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"optionlevels/config"
	"optionlevels/logger"
)

// Feature gates optional metric families.
type Feature string

const (
	FeatureChannelSize Feature = "channel_size"
	FeaturePrometheus  Feature = "prometheus"
)

var features atomic.Pointer[config.MetricsConfig]

func init() {
	Configure(config.MetricsConfig{ChannelSize: true, Prometheus: true})
}

// Configure sets which optional metric families are emitted.
func Configure(cfg config.MetricsConfig) {
	features.Store(&cfg)
}

func IsFeatureEnabled(f Feature) bool {
	cfg := features.Load()
	switch f {
	case FeatureChannelSize:
		return cfg.ChannelSize
	case FeaturePrometheus:
		return cfg.Prometheus
	default:
		return true
	}
}

// EmitMetric logs the metric, hands it to registered handlers and publishes
// numeric values to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	if strings.HasSuffix(metric, "_buffer_length") && !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	event, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}
	v, ok := toFloat64(event.Value)
	if !ok {
		return
	}
	unit := cwtypes.StandardUnitCount
	if event.Type == "gauge" {
		unit = cwtypes.StandardUnitNone
	}
	logger.PublishMetric(context.Background(), event.Component, event.Name, v, unit, event.Fields)
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// DropMetric names the metric emitted when a channel message is dropped.
type DropMetric string

const (
	DropMetricBookSnapshot DropMetric = "book_snapshots_dropped"
	DropMetricLevelRow     DropMetric = "level_rows_dropped"
)

// EmitDropMetric records one dropped message.
func EmitDropMetric(log *logger.Log, metric DropMetric, provider, currency, stage string) {
	fields := logger.Fields{}
	if provider != "" {
		fields["provider"] = provider
	}
	if currency != "" {
		fields["currency"] = currency
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
