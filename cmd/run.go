package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/federate"
	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/record"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// Federate names on the bus.
const (
	gridFederate        = "grid"
	reliabilityFederate = "reliability"
	emsFederate         = "ems"
	storagePrefix       = "storage-"
)

// RunResult is what a finished run reports.
type RunResult struct {
	RunID   string
	Summary *trace.TraceSummary
	Grants  int
	Events  int
}

// runner is one federate's main loop.
type runner func(ctx context.Context) error

// Run executes a scenario: it builds the circuit and reliability model,
// joins every federate to an in-process broker and runs them concurrently
// until the horizon.
func Run(ctx context.Context, s *Scenario) (*RunResult, error) {
	m, err := s.NewManager()
	if err != nil {
		return nil, fmt.Errorf("building circuit: %w", err)
	}
	defer m.Close()

	ids := make([]string, 0, len(m.Elements()))
	for _, el := range m.Elements() {
		ids = append(ids, el.ID)
	}
	model, err := s.NewModel(ids)
	if err != nil {
		return nil, fmt.Errorf("building reliability model: %w", err)
	}
	logrus.Infof("Reliability model covers %d of %d elements", len(model.Elements()), len(ids))

	runID := record.NewRunID()
	rec, err := openRecorders(ctx, s, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rec.Close(); err != nil {
			logrus.Warnf("closing recorders: %v", err)
		}
	}()

	metric, err := s.VoltageMetric()
	if err != nil {
		return nil, err
	}
	voltages := record.NewVoltageMetrics(metric)
	rec = record.Multi(rec, voltages)

	mirrors, err := openMirrors(s)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, mir := range mirrors {
			if err := mir.Close(); err != nil {
				logrus.Warnf("closing mirror: %v", err)
			}
		}
	}()

	tr := trace.NewSimulationTrace(trace.TraceConfig{Level: trace.TraceLevel(s.Trace)})
	broker := cosim.NewBroker()
	runners, err := buildFederation(broker, s, m, model, tr, rec, mirrors)
	if err != nil {
		return nil, err
	}

	logrus.Infof("Starting %s federation %q (run %s) with %d federates, horizon=%vs",
		s.Federation, s.Name, runID, len(runners), s.Horizon())
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(gctx) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	grants, delivered := broker.Stats()
	logrus.Infof("Federation complete: %d grants, %d messages delivered", grants, delivered)
	summary := trace.Summarize(tr)
	summary.Metrics = voltages.Summaries()
	return &RunResult{
		RunID:   runID,
		Summary: summary,
		Grants:  grants,
		Events:  model.Returned(),
	}, nil
}

func buildFederation(b *cosim.Broker, s *Scenario, m *grid.Manager, model federate.EventSource,
	tr *trace.SimulationTrace, rec record.Recorder, mirrors []cosim.Mirror) ([]runner, error) {
	join := func(name string, endpoints ...string) (cosim.Federate, error) {
		fed, err := b.Join(name, cosim.FederateConfig{Endpoints: endpoints})
		if err != nil {
			return nil, err
		}
		return cosim.Mirrored(fed, s.Mirror.Prefix, mirrors...), nil
	}

	// The EMS observes every event and the circuit owner's device status.
	var observers []string
	var status string
	circuitEndpoints := []string{federate.EndpointStorage}
	if s.UsesEMS() {
		observers = []string{cosim.Destination(emsFederate, federate.EndpointReliability)}
		status = cosim.Destination(emsFederate, federate.EndpointStatus)
		circuitEndpoints = append(circuitEndpoints, federate.EndpointStatus)
	}

	var runners []runner
	switch s.Federation {
	case FederationCombined:
		endpoints := circuitEndpoints
		if s.UsesEMS() {
			endpoints = append(endpoints, federate.EndpointEvents)
		}
		fed, err := join(gridFederate, endpoints...)
		if err != nil {
			return nil, err
		}
		rel, err := federate.NewReliability(fed, model, federate.ReliabilityConfig{
			Horizon:   s.Horizon(),
			Observers: observers,
			Circuit:   m,
			Buses:     s.Buses,
			Status:    status,
			Trace:     tr,
			Recorder:  rec,
		})
		if err != nil {
			return nil, err
		}
		runners = append(runners, rel.Run)

	case FederationSplit:
		relFed, err := join(reliabilityFederate, federate.EndpointEvents)
		if err != nil {
			return nil, err
		}
		rel, err := federate.NewReliability(relFed, model, federate.ReliabilityConfig{
			Horizon:     s.Horizon(),
			Destination: cosim.Destination(gridFederate, federate.EndpointReliability),
			Observers:   observers,
			Trace:       tr,
			Recorder:    rec,
		})
		if err != nil {
			return nil, err
		}
		gridFed, err := join(gridFederate, append([]string{federate.EndpointReliability}, circuitEndpoints...)...)
		if err != nil {
			return nil, err
		}
		g, err := federate.NewGrid(gridFed, m, federate.GridConfig{
			Horizon:  s.Horizon(),
			Buses:    s.Buses,
			Status:   status,
			Trace:    tr,
			Recorder: rec,
		})
		if err != nil {
			return nil, err
		}
		runners = append(runners, rel.Run, g.Run)
	}

	if s.UsesEMS() {
		ctrl, err := s.NewEMS()
		if err != nil {
			return nil, err
		}
		fed, err := join(emsFederate, federate.EndpointReliability, federate.EndpointStatus, federate.EndpointSetPoints)
		if err != nil {
			return nil, err
		}
		ef, err := federate.NewEMS(fed, ctrl, federate.EMSConfig{
			Horizon:     s.Horizon(),
			Interval:    s.emsInterval(),
			Destination: cosim.Destination(gridFederate, federate.EndpointStorage),
			Trace:       tr,
		})
		if err != nil {
			return nil, err
		}
		runners = append(runners, ef.Run)
	}

	for _, st := range s.Storage {
		if st.Controller != ControllerIdeal {
			continue
		}
		ctrl, err := federate.NewIdealStorage(st.Name, st.KWRated, st.KWhRated, st.InitialSOC, st.socMin())
		if err != nil {
			return nil, err
		}
		fed, err := join(storagePrefix+st.Name, federate.EndpointSetPoints)
		if err != nil {
			return nil, err
		}
		sf, err := federate.NewStorage(fed, ctrl, federate.StorageConfig{
			Horizon:     s.Horizon(),
			Destination: cosim.Destination(gridFederate, federate.EndpointStorage),
			Trace:       tr,
		})
		if err != nil {
			return nil, err
		}
		runners = append(runners, sf.Run)
	}
	return runners, nil
}

// openRecorders opens the journal and InfluxDB recorders the scenario asks for.
func openRecorders(ctx context.Context, s *Scenario, runID string) (record.Recorder, error) {
	var recs []record.Recorder
	closeAll := func() { record.Multi(recs...).Close() }

	if s.Journal != "" {
		j, err := record.OpenJournal(ctx, s.JournalPath())
		if err != nil {
			return nil, err
		}
		recs = append(recs, j)
		if err := j.StartRun(ctx, record.RunInfo{ID: runID, Name: s.Name, Seed: s.Seed, Horizon: s.Horizon()}); err != nil {
			closeAll()
			return nil, err
		}
		logrus.Infof("Journaling run %s to %s", runID, s.JournalPath())
	}
	if s.InfluxDB != nil {
		opts, err := s.InfluxDB.options(runID)
		if err != nil {
			closeAll()
			return nil, err
		}
		in, err := record.ConnectInflux(opts)
		if err != nil {
			closeAll()
			return nil, err
		}
		recs = append(recs, in)
	}
	return record.Multi(recs...), nil
}

// openMirrors connects to the MQTT and NATS brokers the scenario names.
func openMirrors(s *Scenario) ([]cosim.Mirror, error) {
	var mirrors []cosim.Mirror
	closeAll := func() {
		for _, m := range mirrors {
			m.Close()
		}
	}
	if cfg := s.Mirror.MQTT; cfg != nil {
		m, err := cosim.DialMQTT(cfg.options())
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	if cfg := s.Mirror.NATS; cfg != nil {
		m, err := cosim.DialNATS(cfg.options())
		if err != nil {
			closeAll()
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}
