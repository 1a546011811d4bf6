package telemetry

import "time"

// UsageAggregate is the roll-up of repeated usage events for one
// (feature, action, session) within a flush window.
type UsageAggregate struct {
	Feature   string    `json:"feature"`
	Action    string    `json:"action"`
	SessionID string    `json:"sessionId"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"` // last seen
}

type usageKey struct {
	feature   string
	action    string
	sessionID string
}

// Batch is the JSON document delivered to the sink on every flush.
type Batch struct {
	ID                 string           `json:"batchId"`
	SessionID          string           `json:"sessionId"`
	Timestamp          time.Time        `json:"timestamp"`
	Events             []Event          `json:"events"`
	PerformanceMetrics []Event          `json:"performanceMetrics"`
	UsageMetrics       []UsageAggregate `json:"usageMetrics"`
	ErrorMetrics       []Event          `json:"errorMetrics"`
}

// Len returns the number of buffered items carried by the batch.
func (b *Batch) Len() int {
	return len(b.Events) + len(b.PerformanceMetrics) + len(b.UsageMetrics) + len(b.ErrorMetrics)
}
