package recorder

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

const defaultMeasurement = "stepper_move"
const influxWriteTimeout = 3 * time.Second

// Influx writes one point per move into an InfluxDB v2 bucket.
type Influx struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string

	client   influxdb2.Client
	writeApi api.WriteAPIBlocking
}

func (ir *Influx) Setup() error {
	if len(ir.Host) == 0 || len(ir.Bucket) == 0 {
		return errors.New("influx recorder needs Host and Bucket")
	}
	if len(ir.Measurement) == 0 {
		ir.Measurement = defaultMeasurement
	}

	ir.client = influxdb2.NewClient(ir.Host, ir.Token)
	ir.writeApi = ir.client.WriteAPIBlocking(ir.Organization, ir.Bucket)
	return nil
}

func (ir *Influx) Record(ctx context.Context, move Move) error {
	if ir.writeApi == nil {
		return errors.New("influx recorder not set up")
	}

	at := move.At
	if at.IsZero() {
		at = time.Now()
	}

	tags := map[string]string{}
	for key, value := range map[string]string{"kit": move.Kit, "motor": move.Motor, "direction": move.Direction} {
		if len(value) > 0 {
			tags[key] = value
		}
	}

	point := influxdb2.NewPoint(
		ir.Measurement,
		tags,
		map[string]interface{}{
			"steps":       int64(move.Steps),
			"phase":       int64(move.Phase),
			"position":    int64(move.Position),
			"duration_ms": move.Duration.Milliseconds(),
			"cancelled":   move.Cancelled,
		},
		at,
	)

	ctx, cancel := context.WithTimeout(ctx, influxWriteTimeout)
	defer cancel()

	err := ir.writeApi.WritePoint(ctx, point)
	if err != nil {
		return errors.Wrapf(err, "failed to write %s point for motor %s", ir.Measurement, move.Motor)
	}
	return nil
}

func (ir *Influx) Close() error {
	if ir.client != nil {
		ir.client.Close()
	}
	return nil
}
