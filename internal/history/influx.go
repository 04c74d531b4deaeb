package history

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/terminal-bench/csarunner/internal/csa"
)

const stepMeasurement = "dichotomy_step"

// InfluxRecorder writes every tested step as a time series point
type InfluxRecorder struct {
	writer api.WriteAPIBlocking
	now    func() time.Time
}

// NewInfluxRecorder creates a recorder writing to the given bucket
func NewInfluxRecorder(client influxdb2.Client, org, bucket string) *InfluxRecorder {
	return &InfluxRecorder{writer: client.WriteAPIBlocking(org, bucket), now: time.Now}
}

// RecordStep implements StepRecorder
func (r *InfluxRecorder) RecordStep(ctx context.Context, taskID string, border csa.Border, iteration int, step csa.StepResult) error {
	point := influxdb2.NewPoint(stepMeasurement,
		map[string]string{
			"task_id": taskID,
			"border":  string(border),
		},
		map[string]interface{}{
			"ct":        step.Values.For(border),
			"iteration": iteration,
			"validated": step.Validated,
			"secure":    step.IsSecure(),
			"reason":    string(step.Reason),
		},
		r.now())

	if err := r.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write step point: %w", err)
	}
	return nil
}
