package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kandersolar/quest-ssim/sim"
	"github.com/kandersolar/quest-ssim/sim/cosim"
	"github.com/kandersolar/quest-ssim/sim/ems"
	"github.com/kandersolar/quest-ssim/sim/engine"
	"github.com/kandersolar/quest-ssim/sim/federate"
	"github.com/kandersolar/quest-ssim/sim/grid"
	"github.com/kandersolar/quest-ssim/sim/metrics"
	"github.com/kandersolar/quest-ssim/sim/record"
	"github.com/kandersolar/quest-ssim/sim/reliability"
	"github.com/kandersolar/quest-ssim/sim/trace"
)

// ErrScenario is returned for invalid scenario files.
var ErrScenario = errors.New("invalid scenario")

// Federation layouts.
const (
	FederationCombined = "combined"
	FederationSplit    = "split"
)

// Scenario is the run description read from a scenario YAML file.
// All sections must be listed to satisfy KnownFields(true) strict parsing.
type Scenario struct {
	Name           string            `yaml:"name"`
	Seed           int64             `yaml:"seed"`
	HorizonHours   float64           `yaml:"horizon_hours"`
	MaxStepSeconds float64           `yaml:"max_step_seconds"`
	Federation     string            `yaml:"federation"`
	Circuit        string            `yaml:"circuit"` // relative to the scenario file
	Trace          string            `yaml:"trace"`
	Reliability    ReliabilityConfig `yaml:"reliability"`
	Storage        []StorageConfig   `yaml:"storage"`
	EMS            *EMSConfig        `yaml:"ems"`
	PV             []PVConfig        `yaml:"pv"`
	Buses          []string          `yaml:"buses"`
	Metrics        MetricsConfig     `yaml:"metrics"`
	Mirror         MirrorConfig      `yaml:"mirror"`
	InfluxDB       *InfluxDBConfig   `yaml:"influxdb"`
	Journal        string            `yaml:"journal"` // SQLite path, relative to the scenario file

	dir string
}

// ReliabilityConfig holds the default failure process and per-element overrides.
type ReliabilityConfig struct {
	FailureRate      float64           `yaml:"failure_rate"` // failures per second
	MinRepairSeconds float64           `yaml:"min_repair_seconds"`
	MaxRepairSeconds float64           `yaml:"max_repair_seconds"`
	RestoreMode      string            `yaml:"restore_mode"`
	Elements         []ElementOverride `yaml:"elements"`
}

// ElementOverride replaces default parameters for one element.
type ElementOverride struct {
	ID               string   `yaml:"id"`
	Enabled          *bool    `yaml:"enabled"`
	FailureRate      *float64 `yaml:"failure_rate"`
	MinRepairSeconds *float64 `yaml:"min_repair_seconds"`
	MaxRepairSeconds *float64 `yaml:"max_repair_seconds"`
	RestoreMode      string   `yaml:"restore_mode"`
	Terminal         int      `yaml:"terminal"`
}

// StorageConfig describes one storage device and its controller.
type StorageConfig struct {
	Name       string   `yaml:"name"`
	Bus        string   `yaml:"bus"`
	Phases     int      `yaml:"phases"`
	KWRated    float64  `yaml:"kw_rated"`
	KWhRated   float64  `yaml:"kwh_rated"`
	InitialSOC float64  `yaml:"initial_soc"`
	Controller string   `yaml:"controller"` // "ideal" (default), "ems" or "none"
	SOCMin     *float64 `yaml:"soc_min"`
}

// Storage controllers.
const (
	ControllerIdeal = "ideal"
	ControllerEMS   = "ems"
	ControllerNone  = "none"
)

// EMSConfig tunes the energy management system that dispatches storage
// with the "ems" controller.
type EMSConfig struct {
	MinSOC          *float64 `yaml:"min_soc"`
	IntervalSeconds float64  `yaml:"interval_seconds"`
}

// MetricsConfig selects how monitored quantities are scored.
type MetricsConfig struct {
	// Voltage scores the per-unit voltage of every monitored bus. It
	// defaults to seeking 1.0 pu with a 0.95 pu limit.
	Voltage *MetricConfig `yaml:"voltage"`
}

// MetricConfig is one metric's limit, objective and sense ("min", "max"
// or "seek"). An empty sense is inferred from limit and objective.
type MetricConfig struct {
	Limit     float64 `yaml:"limit"`
	Objective float64 `yaml:"objective"`
	Sense     string  `yaml:"sense"`
}

// PVConfig describes one PV system.
type PVConfig struct {
	Name       string  `yaml:"name"`
	Bus        string  `yaml:"bus"`
	Phases     int     `yaml:"phases"`
	Pmpp       float64 `yaml:"pmpp"`
	KVA        float64 `yaml:"kva"`
	Irradiance float64 `yaml:"irradiance"`
}

// MirrorConfig selects external brokers that receive a copy of every bus message.
type MirrorConfig struct {
	Prefix string      `yaml:"prefix"`
	MQTT   *MQTTConfig `yaml:"mqtt"`
	NATS   *NATSConfig `yaml:"nats"`
}

type MQTTConfig struct {
	Broker                string `yaml:"broker"`
	ClientID              string `yaml:"client_id"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	QoS                   int    `yaml:"qos"`
	Retain                bool   `yaml:"retain"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

type NATSConfig struct {
	URL                   string `yaml:"url"`
	Name                  string `yaml:"name"`
	ReconnectWaitSeconds  int    `yaml:"reconnect_wait_seconds"`
	MaxReconnects         int    `yaml:"max_reconnects"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

type InfluxDBConfig struct {
	URL                  string `yaml:"url"`
	Token                string `yaml:"token"`
	Org                  string `yaml:"org"`
	Bucket               string `yaml:"bucket"`
	BatchSize            int    `yaml:"batch_size"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
	Start                string `yaml:"start"` // RFC 3339 wall time of t=0; defaults to now
}

// LoadScenario reads and validates a scenario file.
// Uses strict field checking: typos are errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrScenario, path, err)
	}
	s.dir = filepath.Dir(path)
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) applyDefaults() {
	if s.Name == "" {
		s.Name = "scenario"
	}
	if s.Federation == "" {
		s.Federation = FederationCombined
	}
	if s.MaxStepSeconds == 0 {
		s.MaxStepSeconds = grid.DefaultMaxStep
	}
	if s.Trace == "" {
		s.Trace = string(trace.TraceLevelEvents)
	}
	if s.Reliability.RestoreMode == "" {
		s.Reliability.RestoreMode = string(reliability.ModeClosed)
	}
	for i := range s.Storage {
		if s.Storage[i].Phases == 0 {
			s.Storage[i].Phases = 3
		}
		if s.Storage[i].Controller == "" {
			s.Storage[i].Controller = ControllerIdeal
		}
	}
	for i := range s.PV {
		if s.PV[i].Phases == 0 {
			s.PV[i].Phases = 3
		}
	}
	if s.Mirror.Prefix == "" {
		s.Mirror.Prefix = "ssim"
	}
}

// Validate checks the scenario without touching the filesystem or network.
func (s *Scenario) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrScenario, fmt.Sprintf(format, args...))
	}
	switch {
	case !(s.HorizonHours > 0) || math.IsInf(s.HorizonHours, 0):
		return bad("horizon_hours must be positive, got %v", s.HorizonHours)
	case !(s.MaxStepSeconds > 0):
		return bad("max_step_seconds must be positive, got %v", s.MaxStepSeconds)
	case s.Federation != FederationCombined && s.Federation != FederationSplit:
		return bad("federation must be %q or %q, got %q", FederationCombined, FederationSplit, s.Federation)
	case s.Circuit == "":
		return bad("circuit is required")
	case !trace.IsValidTraceLevel(s.Trace):
		return bad("unknown trace level %q", s.Trace)
	}

	r := s.Reliability
	if err := s.defaultProcess("default").Validate(); err != nil {
		return bad("reliability: %v", err)
	}
	seen := make(map[string]bool)
	for _, o := range r.Elements {
		if o.ID == "" {
			return bad("reliability element override without id")
		}
		if seen[o.ID] {
			return bad("reliability element %s listed twice", o.ID)
		}
		seen[o.ID] = true
		if err := s.process(o.ID).Validate(); err != nil {
			return bad("reliability element %s: %v", o.ID, err)
		}
	}

	names := make(map[string]bool)
	for _, st := range s.Storage {
		if err := st.spec().Validate(); err != nil {
			return bad("%v", err)
		}
		if names[st.Name] {
			return bad("storage %s listed twice", st.Name)
		}
		names[st.Name] = true
		switch st.Controller {
		case ControllerIdeal:
			if _, err := federate.NewIdealStorage(st.Name, st.KWRated, st.KWhRated, st.InitialSOC, st.socMin()); err != nil {
				return bad("%v", err)
			}
		case ControllerEMS, ControllerNone:
		default:
			return bad("storage %s: unknown controller %q", st.Name, st.Controller)
		}
	}
	if e := s.EMS; e != nil {
		if !s.UsesEMS() {
			return bad("ems is configured but no storage uses the %q controller", ControllerEMS)
		}
		if m := e.MinSOC; m != nil && !(*m >= 0 && *m < 1) {
			return bad("ems.min_soc %v not in [0, 1)", *m)
		}
		if e.IntervalSeconds < 0 || math.IsNaN(e.IntervalSeconds) || math.IsInf(e.IntervalSeconds, 0) {
			return bad("ems.interval_seconds must be positive, got %v", e.IntervalSeconds)
		}
	}
	for _, pv := range s.PV {
		if err := pv.spec().Validate(); err != nil {
			return bad("%v", err)
		}
	}
	if _, err := s.VoltageMetric(); err != nil {
		return bad("metrics.voltage: %v", err)
	}
	if m := s.Mirror.MQTT; m != nil && (m.Broker == "" || m.QoS < 0 || m.QoS > 2) {
		return bad("mirror.mqtt needs a broker and qos in 0..2")
	}
	if n := s.Mirror.NATS; n != nil && n.URL == "" {
		return bad("mirror.nats needs a url")
	}
	if in := s.InfluxDB; in != nil {
		if in.URL == "" || in.Bucket == "" {
			return bad("influxdb needs a url and a bucket")
		}
		if _, err := in.start(); err != nil {
			return bad("influxdb.start: %v", err)
		}
	}
	return nil
}

// Horizon returns the simulation horizon in seconds.
func (s *Scenario) Horizon() float64 {
	return s.HorizonHours * 3600
}

func (s *Scenario) resolve(path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.dir, path)
}

// CircuitPath returns the circuit file path resolved against the scenario.
func (s *Scenario) CircuitPath() string { return s.resolve(s.Circuit) }

// JournalPath returns the journal path resolved against the scenario.
func (s *Scenario) JournalPath() string { return s.resolve(s.Journal) }

func (s *Scenario) override(id string) (ElementOverride, bool) {
	for _, o := range s.Reliability.Elements {
		if o.ID == id {
			return o, true
		}
	}
	return ElementOverride{}, false
}

func (s *Scenario) defaultProcess(id string) reliability.FailureProcess {
	r := s.Reliability
	return reliability.FailureProcess{
		Element:     id,
		FailureRate: r.FailureRate,
		MinRepair:   r.MinRepairSeconds,
		MaxRepair:   r.MaxRepairSeconds,
		RestoreMode: reliability.Mode(r.RestoreMode),
	}
}

// process returns the failure process of one element with overrides applied.
func (s *Scenario) process(id string) reliability.FailureProcess {
	p := s.defaultProcess(id)
	o, ok := s.override(id)
	if !ok {
		return p
	}
	if o.FailureRate != nil {
		p.FailureRate = *o.FailureRate
	}
	if o.MinRepairSeconds != nil {
		p.MinRepair = *o.MinRepairSeconds
	}
	if o.MaxRepairSeconds != nil {
		p.MaxRepair = *o.MaxRepairSeconds
	}
	if o.RestoreMode != "" {
		p.RestoreMode = reliability.Mode(o.RestoreMode)
	}
	p.Terminal = o.Terminal
	return p
}

// Processes returns one failure process per enabled element, in circuit
// order. Overrides must name circuit elements.
func (s *Scenario) Processes(elements []string) ([]reliability.FailureProcess, error) {
	known := make(map[string]bool, len(elements))
	for _, id := range elements {
		known[id] = true
	}
	for _, o := range s.Reliability.Elements {
		if !known[o.ID] {
			return nil, fmt.Errorf("%w: reliability element %s is not in the circuit", ErrScenario, o.ID)
		}
	}
	var procs []reliability.FailureProcess
	for _, id := range elements {
		if o, ok := s.override(id); ok && o.Enabled != nil && !*o.Enabled {
			continue
		}
		procs = append(procs, s.process(id))
	}
	return procs, nil
}

// NewModel builds the seeded reliability model for the given elements.
func (s *Scenario) NewModel(elements []string) (*reliability.Model, error) {
	procs, err := s.Processes(elements)
	if err != nil {
		return nil, err
	}
	return reliability.NewModel(sim.NewPartitionedRNG(sim.NewSimulationKey(s.Seed)), procs)
}

// CircuitElements lists the failable lines of the circuit file without
// starting a solver.
func (s *Scenario) CircuitElements() ([]string, error) {
	c, err := engine.LoadCircuitFile(s.CircuitPath())
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(c.Lines))
	for i, l := range c.Lines {
		ids[i] = l.Name
	}
	return ids, nil
}

// VoltageMetric returns the metric scoring bus voltages.
func (s *Scenario) VoltageMetric() (metrics.Metric, error) {
	c := s.Metrics.Voltage
	if c == nil {
		c = &MetricConfig{Limit: 0.95, Objective: 1.0, Sense: "seek"}
	}
	return c.metric()
}

func (c *MetricConfig) metric() (metrics.Metric, error) {
	if c.Sense == "" {
		sense, ok := metrics.DefaultImprovementType(c.Limit, c.Objective)
		if !ok {
			return metrics.Metric{}, fmt.Errorf("%w: no sense given and limit equals objective", metrics.ErrMetric)
		}
		return metrics.NewMetric(c.Limit, c.Objective, sense)
	}
	sense, err := metrics.ParseImprovementType(c.Sense)
	if err != nil {
		return metrics.Metric{}, err
	}
	return metrics.NewMetric(c.Limit, c.Objective, sense)
}

// UsesEMS reports whether any storage is dispatched by the EMS.
func (s *Scenario) UsesEMS() bool {
	for _, st := range s.Storage {
		if st.Controller == ControllerEMS {
			return true
		}
	}
	return false
}

// NewEMS builds the energy management system over the circuit's bus graph,
// managing every "ems" storage device and counting every PV system.
func (s *Scenario) NewEMS() (*ems.EMS, error) {
	c, err := engine.LoadCircuitFile(s.CircuitPath())
	if err != nil {
		return nil, err
	}
	net, err := ems.NetworkFromCircuit(c)
	if err != nil {
		return nil, err
	}
	minSOC := ems.DefaultMinSOC
	if s.EMS != nil && s.EMS.MinSOC != nil {
		minSOC = *s.EMS.MinSOC
	}
	e, err := ems.New(net, minSOC)
	if err != nil {
		return nil, err
	}
	for _, st := range s.Storage {
		if st.Controller != ControllerEMS {
			continue
		}
		if err := e.AddStorage(ems.Device{Name: st.Name, Bus: st.Bus, KWRated: st.KWRated, SOC: st.InitialSOC}); err != nil {
			return nil, err
		}
	}
	for _, pv := range s.PV {
		if err := e.AddPV(pv.Name, pv.Bus); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (s *Scenario) emsInterval() float64 {
	if s.EMS == nil {
		return 0
	}
	return s.EMS.IntervalSeconds
}

// NewManager loads the circuit into the reference engine and adds the
// scenario's devices.
func (s *Scenario) NewManager() (*grid.Manager, error) {
	m, err := grid.NewManager(engine.New(), grid.Config{
		Circuit: s.CircuitPath(),
		MaxStep: s.MaxStepSeconds,
	})
	if err != nil {
		return nil, err
	}
	for _, st := range s.Storage {
		if err := m.AddStorage(st.spec()); err != nil {
			m.Close()
			return nil, err
		}
	}
	for _, pv := range s.PV {
		if err := m.AddPVSystem(pv.spec()); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

func (st StorageConfig) spec() grid.StorageSpec {
	return grid.StorageSpec{
		Name:     st.Name,
		Bus:      st.Bus,
		Phases:   st.Phases,
		KWRated:  st.KWRated,
		KWhRated: st.KWhRated,
		SOC:      st.InitialSOC,
	}
}

func (st StorageConfig) socMin() float64 {
	if st.SOCMin == nil {
		return federate.DefaultSOCMin
	}
	return *st.SOCMin
}

func (pv PVConfig) spec() grid.PVSpec {
	return grid.PVSpec{
		Name:       pv.Name,
		Bus:        pv.Bus,
		Phases:     pv.Phases,
		Pmpp:       pv.Pmpp,
		KVA:        pv.KVA,
		Irradiance: pv.Irradiance,
	}
}

func (m *MQTTConfig) options() cosim.MQTTConfig {
	return cosim.MQTTConfig{
		Broker:         m.Broker,
		ClientID:       m.ClientID,
		Username:       m.Username,
		Password:       m.Password,
		QoS:            byte(m.QoS),
		Retain:         m.Retain,
		ConnectTimeout: time.Duration(m.ConnectTimeoutSeconds) * time.Second,
	}
}

func (n *NATSConfig) options() cosim.NATSConfig {
	return cosim.NATSConfig{
		URL:            n.URL,
		Name:           n.Name,
		ReconnectWait:  time.Duration(n.ReconnectWaitSeconds) * time.Second,
		MaxReconnects:  n.MaxReconnects,
		ConnectTimeout: time.Duration(n.ConnectTimeoutSeconds) * time.Second,
	}
}

func (in *InfluxDBConfig) start() (time.Time, error) {
	if in.Start == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, in.Start)
}

func (in *InfluxDBConfig) options(runID string) (record.InfluxConfig, error) {
	start, err := in.start()
	if err != nil {
		return record.InfluxConfig{}, err
	}
	return record.InfluxConfig{
		URL:           in.URL,
		Token:         in.Token,
		Org:           in.Org,
		Bucket:        in.Bucket,
		BatchSize:     in.BatchSize,
		FlushInterval: in.FlushIntervalSeconds,
		Start:         start,
		RunID:         runID,
	}, nil
}
