package gpiocontrol

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

const defaultInfluxMeasurement = "gpio_state"
const influxWriteTimeout = 3 * time.Second

// InfluxRecorder appends one point per state change, so switch activity can
// be graphed next to the rest of the household series.
type InfluxRecorder struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string

	Debug bool

	client   influxdb2.Client
	writeApi api.WriteAPIBlocking
	logger   *log.Logger
}

func (ir *InfluxRecorder) Setup() error {
	if len(ir.Host) == 0 {
		return errors.New("influx host not set")
	}
	if len(ir.Measurement) == 0 {
		ir.Measurement = defaultInfluxMeasurement
	}
	ir.logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "influx",
	})
	ir.client = influxdb2.NewClient(ir.Host, ir.Token)
	ir.writeApi = ir.client.WriteAPIBlocking(ir.Organization, ir.Bucket)
	return nil
}

// NotifyState implements StateNotifier. A failing write is logged and
// dropped, the recorder must not hold up the dispatcher.
func (ir *InfluxRecorder) NotifyState(n StateNotification) {
	if ir.writeApi == nil {
		return
	}
	if ir.Debug {
		ir.logger.Debug("writing state point", "channel", n.ID, "state", n.State)
	}

	point := influxdb2.NewPoint(ir.Measurement,
		map[string]string{"channel": strconv.Itoa(n.ID)},
		map[string]interface{}{"on": n.State == "on"},
		time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()

	if err := ir.writeApi.WritePoint(ctx, point); err != nil {
		ir.logger.Error("failed to write state point", "channel", n.ID, "err", err)
	}
}

func (ir *InfluxRecorder) Close() {
	if ir.client != nil {
		ir.client.Close()
	}
}
