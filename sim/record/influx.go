package record

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

const (
	defaultInfluxConnectTimeout = 10 * time.Second

	// millisecondsPerSecond converts seconds to milliseconds for the InfluxDB API.
	millisecondsPerSecond = 1000
)

// ErrInfluxUnavailable is returned when the server cannot be reached.
var ErrInfluxUnavailable = errors.New("record: influxdb unavailable")

// InfluxConfig configures the InfluxDB recorder. Simulation seconds are
// written as offsets from Start.
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int // points per batch, default 100
	FlushInterval int // seconds, default 10
	Start         time.Time
	RunID         string
}

// Influx writes snapshots and events as InfluxDB points.
// Writes are non-blocking and batched; async failures go to the error log.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	start    time.Time
	runID    string

	closeOnce sync.Once
	done      chan struct{}
}

// ConnectInflux creates the client, pings the server and starts the
// batching write API.
func ConnectInflux(cfg InfluxConfig) (*Influx, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultInfluxConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrInfluxUnavailable, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrInfluxUnavailable)
	}
	logrus.Infof("record: writing telemetry to influxdb %s bucket %s", cfg.URL, cfg.Bucket)

	in := newInflux(client.WriteAPI(cfg.Org, cfg.Bucket), cfg.Start, cfg.RunID)
	in.client = client
	return in, nil
}

func newInflux(writeAPI api.WriteAPI, start time.Time, runID string) *Influx {
	if start.IsZero() {
		start = time.Now().UTC().Truncate(time.Hour)
	}
	in := &Influx{writeAPI: writeAPI, start: start, runID: runID, done: make(chan struct{})}
	go in.handleWriteErrors(writeAPI.Errors())
	return in
}

func (in *Influx) handleWriteErrors(errorsCh <-chan error) {
	for {
		select {
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logrus.Warnf("record: influxdb write failed: %v", err)
		case <-in.done:
			return
		}
	}
}

func (in *Influx) at(seconds float64) time.Time {
	return in.start.Add(time.Duration(seconds * float64(time.Second)))
}

func (in *Influx) tags(extra ...string) map[string]string {
	tags := map[string]string{"run": in.runID}
	for i := 0; i+1 < len(extra); i += 2 {
		tags[extra[i]] = extra[i+1]
	}
	return tags
}

// RecordSnapshot writes power, bus voltage, storage and PV points.
func (in *Influx) RecordSnapshot(_ context.Context, snap grid.Snapshot) error {
	ts := in.at(snap.Time)
	in.writeAPI.WritePoint(write.NewPoint("grid_power", in.tags(),
		map[string]interface{}{"p_kw": snap.P, "q_kvar": snap.Q}, ts))

	for bus, volts := range snap.Voltages {
		fields := make(map[string]interface{}, len(volts))
		for i, v := range volts {
			fields["v"+strconv.Itoa(i+1)] = v
		}
		if len(fields) == 0 {
			continue
		}
		in.writeAPI.WritePoint(write.NewPoint("bus_voltage", in.tags("bus", bus), fields, ts))
	}
	for _, st := range snap.Storage {
		in.writeAPI.WritePoint(write.NewPoint("storage", in.tags("device", st.Name),
			map[string]interface{}{
				"kw":           st.KW,
				"kvar":         st.KVar,
				"soc":          st.SOC,
				"requested_kw": st.RequestedKW,
			}, ts))
	}
	for _, pv := range snap.PV {
		in.writeAPI.WritePoint(write.NewPoint("pv", in.tags("device", pv.Name),
			map[string]interface{}{"kw": pv.KW, "kvar": pv.KVar}, ts))
	}
	return nil
}

// RecordEvent writes one reliability event point.
func (in *Influx) RecordEvent(_ context.Context, ev trace.EventRecord) error {
	fields := map[string]interface{}{
		"mode":      ev.Mode,
		"applied":   ev.Applied,
		"published": ev.Published,
		"sim_time":  ev.Time,
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	in.writeAPI.WritePoint(write.NewPoint("reliability_event",
		in.tags("element", ev.Element, "kind", ev.Kind), fields, in.at(ev.Time)))
	return nil
}

// Close flushes pending points and closes the client.
func (in *Influx) Close() error {
	in.closeOnce.Do(func() {
		in.writeAPI.Flush()
		close(in.done)
		if in.client != nil {
			in.client.Close()
		}
	})
	return nil
}
