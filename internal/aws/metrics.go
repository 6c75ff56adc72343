package aws

import (
	"context"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// Metrics publishes checkout outcome counters to CloudWatch.
// Publishing is best effort: failures are logged, never returned.
type Metrics struct {
	cw        CloudWatchAPI
	namespace string
	log       *zap.Logger
}

func NewMetrics(cw CloudWatchAPI, namespace string, log *zap.Logger) *Metrics {
	if namespace == "" {
		namespace = "CheckoutOrchestrator"
	}
	return &Metrics{cw: cw, namespace: namespace, log: log}
}

// Outcome counts one resolved checkout attempt.
func (m *Metrics) Outcome(ctx context.Context, method, state, strategy string) {
	m.put(ctx, "CheckoutOutcome", []cwtypes.Dimension{
		{Name: sdkaws.String("Method"), Value: sdkaws.String(orNone(method))},
		{Name: sdkaws.String("State"), Value: sdkaws.String(orNone(state))},
		{Name: sdkaws.String("Strategy"), Value: sdkaws.String(orNone(strategy))},
	})
}

// ReconciliationRequired counts an attempt whose payment moved but whose order was not confirmed.
func (m *Metrics) ReconciliationRequired(ctx context.Context, method string) {
	m.put(ctx, "ReconciliationRequired", []cwtypes.Dimension{
		{Name: sdkaws.String("Method"), Value: sdkaws.String(orNone(method))},
	})
}

func (m *Metrics) put(ctx context.Context, name string, dims []cwtypes.Dimension) {
	_, err := m.cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: sdkaws.String(name),
			Dimensions: dims,
			Timestamp:  sdkaws.Time(time.Now().UTC()),
			Unit:       cwtypes.StandardUnitCount,
			Value:      sdkaws.Float64(1),
		}},
	})
	if err != nil {
		m.log.Warn("put metric failed", zap.String("metric", name), zap.Error(err))
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
