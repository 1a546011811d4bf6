// Package rollout decides whether a feature is enabled for a caller.
//
// Evaluation is deterministic for a given loaded configuration: the same flag
// and caller always produce the same answer. Configuration reloads replace the
// whole flag set at once and discard every cached result.
package rollout

import (
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// Window bounds when a flag may be on. A zero Start or End leaves that side open.
type Window struct {
	Start time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End   time.Time `json:"end,omitempty" yaml:"end,omitempty"`
}

// Contains reports whether t falls inside the window. End is exclusive.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// Flag is a named feature toggle.
type Flag struct {
	Name              string   `json:"name" yaml:"name"`
	Description       string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	RolloutPercentage int      `json:"rolloutPercentage" yaml:"rolloutPercentage"`
	AllowedGroups     []string `json:"allowedGroups,omitempty" yaml:"allowedGroups,omitempty"`
	AllowedIdentities []string `json:"allowedIdentities,omitempty" yaml:"allowedIdentities,omitempty"`
	DependsOn         []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	ActiveWindow      *Window  `json:"activeWindow,omitempty" yaml:"activeWindow,omitempty"`
}

func (f Flag) clone() Flag {
	f.AllowedGroups = slices.Clone(f.AllowedGroups)
	f.AllowedIdentities = slices.Clone(f.AllowedIdentities)
	f.DependsOn = slices.Clone(f.DependsOn)
	if f.ActiveWindow != nil {
		w := *f.ActiveWindow
		f.ActiveWindow = &w
	}
	return f
}

// CallerContext identifies who is asking. SessionID is required.
type CallerContext struct {
	SessionID  string `json:"sessionId"`
	Identity   string `json:"identity,omitempty"`
	Group      string `json:"group,omitempty"`
	Privileged bool   `json:"isPrivileged,omitempty"`
}

// Config is a complete flag configuration as served by a Source.
type Config struct {
	Version string          `json:"version,omitempty" yaml:"version,omitempty"`
	Flags   map[string]Flag `json:"flags" yaml:"flags"`
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := Config{Version: c.Version, Flags: make(map[string]Flag, len(c.Flags))}
	for name, f := range c.Flags {
		out.Flags[name] = f.clone()
	}
	return out
}

// ParseConfig decodes a YAML or JSON flag document. The document is either
// {version, flags: {name: flag}} or a bare {name: flag} map. A flag's name
// defaults to its map key.
func ParseConfig(data []byte) (Config, error) {
	var doc Config
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, telerrors.WrapConfigError("parse_flags", "", fmt.Errorf("decode flag document: %w", err))
	}
	if doc.Flags == nil {
		var bare map[string]Flag
		if err := yaml.Unmarshal(data, &bare); err != nil {
			return Config{}, telerrors.WrapConfigError("parse_flags", "", fmt.Errorf("decode flag map: %w", err))
		}
		doc.Flags = bare
	}
	if doc.Flags == nil {
		doc.Flags = make(map[string]Flag)
	}
	for key, f := range doc.Flags {
		if f.Name == "" {
			f.Name = key
			doc.Flags[key] = f
		}
	}
	return doc, nil
}
