// Package notifications delivers threshold alerts to email and webhook sinks.
package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Alert is a threshold breach to be reported.
type Alert struct {
	ID      string    `json:"id"`
	Key     string    `json:"key"`
	Window  string    `json:"window"`
	Total   float64   `json:"total"`
	Limit   float64   `json:"limit"`
	FiredAt time.Time `json:"firedAt"`
	Message string    `json:"message"`
}

// Subject returns a one-line summary suitable for an email subject.
func (a Alert) Subject() string {
	window := a.Window
	if window != "" {
		window = strings.ToUpper(window[:1]) + window[1:]
	}
	return fmt.Sprintf("[Cost Alert] %s spend $%.2f exceeds $%.2f", window, a.Total, a.Limit)
}

// Sender delivers an alert over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}
