package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kandersolar/quest-ssim/sim/record"
)

// envPrefix namespaces environment overrides, e.g. SSIM_SEED.
const envPrefix = "SSIM"

var (
	// CLI flags shared by run and events
	configPath string  // Scenario YAML file
	seed       int64   // Overrides the scenario seed
	hours      float64 // Overrides the scenario horizon (hours)
	logLevel   string  // Log verbosity level

	// CLI flags for run
	traceLevel string // Overrides the scenario trace level
	federation string // Overrides the scenario federation layout
	journalOut string // Overrides the scenario journal path

	// CLI flags for journal
	journalDB string // Journal database to read
	runID     string // Run whose events are listed
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "ssim",
	Short: "Grid reliability co-simulator",
}

// settings layers explicitly set flags over SSIM_* environment variables.
func settings(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		logrus.Fatalf("Failed to bind flags: %v", err)
	}
	return v
}

func setupLogging(v *viper.Viper) {
	level, err := logrus.ParseLevel(v.GetString("log"))
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", v.GetString("log"))
	}
	logrus.SetLevel(level)
}

// loadScenario reads the scenario named by the config setting and applies
// flag and environment overrides.
func loadScenario(v *viper.Viper) (*Scenario, error) {
	path := v.GetString("config")
	if path == "" {
		return nil, fmt.Errorf("%w: no scenario file given (--config or %s_CONFIG)", ErrScenario, envPrefix)
	}
	s, err := LoadScenario(path)
	if err != nil {
		return nil, err
	}
	if v.IsSet("seed") {
		s.Seed = v.GetInt64("seed")
	}
	if v.IsSet("hours") {
		s.HorizonHours = v.GetFloat64("hours")
	}
	if v.IsSet("trace") {
		s.Trace = v.GetString("trace")
	}
	if v.IsSet("federation") {
		s.Federation = v.GetString("federation")
	}
	if v.IsSet("journal") {
		abs, err := filepath.Abs(v.GetString("journal"))
		if err != nil {
			return nil, err
		}
		s.Journal = abs
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// runCmd executes a scenario
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a co-simulation scenario",
	Run: func(cmd *cobra.Command, args []string) {
		v := settings(cmd)
		setupLogging(v)

		s, err := loadScenario(v)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		logrus.Infof("Starting scenario %q with seed=%d, horizon=%vh, federation=%s",
			s.Name, s.Seed, s.HorizonHours, s.Federation)

		startTime := time.Now()
		res, err := Run(cmd.Context(), s)
		if err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		res.Summary.Print(os.Stdout)
		fmt.Printf("Run %s: %d events over %vh in %v\n", res.RunID, res.Events, s.HorizonHours, time.Since(startTime).Round(time.Millisecond))

		logrus.Info("Simulation complete.")
	},
}

// eventsCmd prints the reliability schedule without running a solver
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the reliability event schedule of a scenario",
	Run: func(cmd *cobra.Command, args []string) {
		v := settings(cmd)
		setupLogging(v)

		s, err := loadScenario(v)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := printSchedule(os.Stdout, s); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// journalCmd lists journaled runs or the events of one run
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List journaled runs, or the events of one run",
	Run: func(cmd *cobra.Command, args []string) {
		v := settings(cmd)
		setupLogging(v)

		if err := printJournal(cmd.Context(), os.Stdout, v.GetString("db"), v.GetString("run")); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// printSchedule writes every event the scenario's model yields up to the horizon.
func printSchedule(w io.Writer, s *Scenario) error {
	ids, err := s.CircuitElements()
	if err != nil {
		return err
	}
	model, err := s.NewModel(ids)
	if err != nil {
		return err
	}
	events := model.Events(s.Horizon())
	fmt.Fprintf(w, "%-12s %-9s %-8s %-8s %s\n", "TIME(s)", "CLOCK", "KIND", "MODE", "ELEMENT")
	for _, ev := range events {
		fmt.Fprintf(w, "%-12.1f %-9s %-8s %-8s %s\n", ev.Time, clock(ev.Time), ev.Kind, ev.Mode, ev.Element)
	}
	fmt.Fprintf(w, "%d events for %d elements over %vh (seed %d)\n", len(events), len(model.Elements()), s.HorizonHours, s.Seed)
	return nil
}

// clock formats simulation seconds as hh:mm:ss.
func clock(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// printJournal lists runs, or one run's events when id is set.
func printJournal(ctx context.Context, w io.Writer, path, id string) error {
	if path == "" {
		return fmt.Errorf("no journal given (--db or %s_DB)", envPrefix)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	j, err := record.OpenJournal(ctx, path)
	if err != nil {
		return err
	}
	defer j.Close()

	if id == "" {
		runs, err := j.ListRuns(ctx)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(w, "%s  %-20s seed=%-6d horizon=%vs started=%s\n",
				r.ID, r.Name, r.Seed, r.Horizon, r.StartedAt.UTC().Format(time.RFC3339))
		}
		return nil
	}

	events, err := j.ListEvents(ctx, id)
	if err != nil {
		return err
	}
	for _, ev := range events {
		status := "applied"
		switch {
		case ev.Reason != "":
			status = "rejected: " + ev.Reason
		case !ev.Applied && ev.Published:
			status = "published"
		}
		fmt.Fprintf(w, "%-12.1f %-12s %-8s %-8s %s %s\n", ev.Time, ev.Federate, ev.Kind, ev.Mode, ev.Element, status)
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addScenarioFlags registers the flags shared by commands that read a scenario.
func addScenarioFlags(c *cobra.Command) {
	c.Flags().StringVar(&configPath, "config", "", "Scenario YAML file")
	c.Flags().Int64Var(&seed, "seed", 0, "Seed for the reliability model (overrides the scenario)")
	c.Flags().Float64Var(&hours, "hours", 0, "Simulation horizon in hours (overrides the scenario)")
	c.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
}

// init sets up CLI flags and subcommands
func init() {
	addScenarioFlags(runCmd)
	addScenarioFlags(eventsCmd)
	runCmd.Flags().StringVar(&traceLevel, "trace", "", "Trace level (none, events, full)")
	runCmd.Flags().StringVar(&federation, "federation", "", "Federation layout (combined, split)")
	runCmd.Flags().StringVar(&journalOut, "journal", "", "SQLite journal path (overrides the scenario)")

	journalCmd.Flags().StringVar(&journalDB, "db", "", "SQLite journal path")
	journalCmd.Flags().StringVar(&runID, "run", "", "Run id whose events are listed")
	journalCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(journalCmd)
}
