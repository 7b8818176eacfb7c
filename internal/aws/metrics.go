package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// maxMetricsPerCall is the PutMetricData batch limit.
const maxMetricsPerCall = 1000

// Metric is a single CloudWatch datum.
type Metric struct {
	Name       string
	Value      float64
	Unit       cwtypes.StandardUnit
	Dimensions map[string]string
	Timestamp  time.Time
}

// MetricRecorder publishes business metrics to a CloudWatch namespace.
type MetricRecorder struct {
	CloudWatch CloudWatchAPI
	Namespace  string
}

// NewMetricRecorder returns a recorder bound to namespace.
func NewMetricRecorder(cw CloudWatchAPI, namespace string) *MetricRecorder {
	return &MetricRecorder{CloudWatch: cw, Namespace: namespace}
}

// Record sends metrics in batches of at most maxMetricsPerCall.
func (r *MetricRecorder) Record(ctx context.Context, metrics ...Metric) error {
	for start := 0; start < len(metrics); start += maxMetricsPerCall {
		end := min(start+maxMetricsPerCall, len(metrics))

		data := make([]cwtypes.MetricDatum, 0, end-start)
		for _, m := range metrics[start:end] {
			data = append(data, toDatum(m))
		}
		_, err := r.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  awsString(r.Namespace),
			MetricData: data,
		})
		if err != nil {
			return fmt.Errorf("put metric data: %w", err)
		}
	}
	return nil
}

func toDatum(m Metric) cwtypes.MetricDatum {
	unit := m.Unit
	if unit == "" {
		unit = cwtypes.StandardUnitCount
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	value := m.Value
	d := cwtypes.MetricDatum{
		MetricName: awsString(m.Name),
		Value:      &value,
		Unit:       unit,
		Timestamp:  &ts,
	}
	for k, v := range m.Dimensions {
		if v == "" {
			continue
		}
		d.Dimensions = append(d.Dimensions, cwtypes.Dimension{Name: awsString(k), Value: awsString(v)})
	}
	return d
}
