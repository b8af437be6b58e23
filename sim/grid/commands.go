package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command builders for the solver dialect. Keeping them here separates
// what changed in the circuit from how the solver is told about it.

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func setTimeCommand(t, step float64) string {
	hour := math.Floor(t / 3600)
	sec := t - hour*3600
	return fmt.Sprintf("set hour=%d sec=%s stepsize=%ss", int64(hour), num(sec), num(step))
}

func switchCommands(el ElementState, terminal int, action SwitchAction) []string {
	switch action {
	case SwitchOpen:
		return []string{fmt.Sprintf("open %s %d", el.FullName(), terminal)}
	case SwitchClosed:
		return []string{fmt.Sprintf("close %s %d", el.FullName(), terminal)}
	}
	return nil
}

func lockCommand(el ElementState) string {
	return "lock " + el.FullName()
}

func unlockCommand(el ElementState) string {
	return "unlock " + el.FullName()
}

func newStorageCommand(s StorageSpec) string {
	return fmt.Sprintf("new storage.%s bus1=%s phases=%d kwrated=%s kwhrated=%s %%stored=%s dispmode=external state=idling",
		s.Name, s.Bus, s.Phases, num(s.KWRated), num(s.KWhRated), num(s.SOC*100))
}

func newPVCommand(p PVSpec) string {
	return fmt.Sprintf("new pvsystem.%s bus1=%s phases=%d pmpp=%s kva=%s irradiance=%s",
		p.Name, p.Bus, p.Phases, num(p.Pmpp), num(p.KVA), num(p.Irradiance))
}

func setPropertyCommand(class, name, prop string, v float64) string {
	return fmt.Sprintf("%s.%s.%s=%s", class, name, prop, num(v))
}

func queryCommand(class, name, prop string) string {
	return fmt.Sprintf("? %s.%s.%s", class, name, prop)
}

func parseQuery(cmd, out string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s returned %q", ErrSolve, cmd, out)
	}
	return v, nil
}
