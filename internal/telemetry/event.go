// Package telemetry batches usage, performance and error events in memory and
// delivers them to a remote sink with bounded retry.
//
// Recording never blocks on the network and never fails because of the sink:
// delivery problems are retried, then logged and dropped. The only errors
// returned to callers are caller mistakes (an invalid event).
package telemetry

import (
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	telerrors "github.com/rcourtman/telemetry-control/internal/errors"
)

// Kind is the category of a telemetry event.
type Kind string

const (
	KindUsage       Kind = "usage"
	KindPerformance Kind = "performance"
	KindError       Kind = "error"
	KindCustom      Kind = "custom"
)

// Severity grades an error event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Event is one observed fact. Treat it as immutable once recorded.
type Event struct {
	Kind      Kind           `json:"kind"`
	Name      string         `json:"name,omitempty"`
	Value     *float64       `json:"value,omitempty"`
	Feature   string         `json:"feature,omitempty"`
	Action    string         `json:"action,omitempty"`
	Count     int            `json:"count,omitempty"`
	Severity  Severity       `json:"severity,omitempty"`
	Message   string         `json:"message,omitempty"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// Usage builds a usage event counting one use of feature/action.
func Usage(feature, action string) Event {
	return Event{Kind: KindUsage, Feature: feature, Action: action, Count: 1}
}

// Performance builds a performance event. value is usually a duration in milliseconds.
func Performance(name string, value float64) Event {
	return Event{Kind: KindPerformance, Name: name, Value: &value}
}

// Failure builds an error event. err may be nil when only the name matters.
func Failure(name string, severity Severity, err error) Event {
	e := Event{Kind: KindError, Name: name, Severity: severity}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// Custom builds a free-form named event.
func Custom(name string, ctx map[string]any) Event {
	return Event{Kind: KindCustom, Name: name, Context: ctx}
}

// WithContext returns a copy of e with key set in its context map.
func (e Event) WithContext(key string, value any) Event {
	ctx := make(map[string]any, len(e.Context)+1)
	maps.Copy(ctx, e.Context)
	ctx[key] = value
	e.Context = ctx
	return e
}

// WithSession returns a copy of e attributed to sessionID.
func (e Event) WithSession(sessionID string) Event {
	e.SessionID = sessionID
	return e
}

// Validate reports caller errors: missing identifiers, a missing or negative
// performance value, or a missing severity.
func (e Event) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return telerrors.CallerError("record", "sessionId is required")
	}
	switch e.Kind {
	case KindUsage:
		if strings.TrimSpace(e.Feature) == "" || strings.TrimSpace(e.Action) == "" {
			return telerrors.CallerError("record", "usage events require feature and action")
		}
		if e.Count < 0 {
			return telerrors.CallerError("record", "usage count must not be negative")
		}
	case KindPerformance:
		if strings.TrimSpace(e.Name) == "" {
			return telerrors.CallerError("record", "performance events require a name")
		}
		if e.Value == nil {
			return telerrors.CallerError("record", "performance event %q requires a value", e.Name)
		}
		if *e.Value < 0 {
			return telerrors.CallerError("record", "performance event %q has negative value %v", e.Name, *e.Value)
		}
	case KindError:
		if strings.TrimSpace(e.Name) == "" {
			return telerrors.CallerError("record", "error events require a name")
		}
		if !e.Severity.valid() {
			return telerrors.CallerError("record", "error event %q has invalid severity %q", e.Name, e.Severity)
		}
	case KindCustom:
		if strings.TrimSpace(e.Name) == "" {
			return telerrors.CallerError("record", "custom events require a name")
		}
	default:
		return telerrors.CallerError("record", "unknown event kind %q", e.Kind)
	}
	return nil
}

// freeze copies the mutable parts of e so later changes by the caller are not observed.
func (e Event) freeze() Event {
	if e.Value != nil {
		v := *e.Value
		e.Value = &v
	}
	if e.Context != nil {
		e.Context = maps.Clone(e.Context)
	}
	if e.Kind == KindUsage && e.Count == 0 {
		e.Count = 1
	}
	return e
}

// NewSessionID returns a new random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
