package rollout

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// Validate checks a flag set before it is loaded. It reports every problem
// found: keys that disagree with flag names, percentages outside 0-100,
// dependencies on unknown flags, inverted active windows and dependency cycles.
func Validate(flags map[string]Flag) error {
	var errs []error

	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		f := flags[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("flag with empty name"))
		}
		if f.Name != name {
			errs = append(errs, fmt.Errorf("flag %q is stored under key %q", f.Name, name))
		}
		if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
			errs = append(errs, fmt.Errorf("flag %q: rolloutPercentage %d outside 0-100", name, f.RolloutPercentage))
		}
		for _, dep := range f.DependsOn {
			if _, ok := flags[dep]; !ok {
				errs = append(errs, fmt.Errorf("flag %q depends on unknown flag %q", name, dep))
			}
		}
		if w := f.ActiveWindow; w != nil && !w.Start.IsZero() && !w.End.IsZero() && !w.End.After(w.Start) {
			errs = append(errs, fmt.Errorf("flag %q: active window ends before it starts", name))
		}
	}

	if cycle := findCycle(flags, names); cycle != nil {
		errs = append(errs, fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	if len(errs) == 0 {
		return nil
	}
	return telerrors.WrapConfigError("validate_flags", "", errors.Join(errs...))
}

const (
	white = iota // unvisited
	grey         // on the current path
	black        // finished
)

// findCycle returns the first dependency cycle found, with the repeated flag at
// both ends, or nil for an acyclic graph.
func findCycle(flags map[string]Flag, order []string) []string {
	color := make(map[string]int, len(flags))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = grey
		path = append(path, name)
		for _, dep := range flags[name].DependsOn {
			if _, ok := flags[dep]; !ok {
				continue
			}
			switch color[dep] {
			case grey:
				start := slices.Index(path, dep)
				return append(slices.Clone(path[start:]), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	for _, name := range order {
		if color[name] == white {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
