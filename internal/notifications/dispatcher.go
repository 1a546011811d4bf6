package notifications

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/telemetry-control/internal/metrics"
)

// Publisher receives every alert after dispatch, for in-process subscribers.
type Publisher interface {
	Publish(alert Alert)
}

// Dispatcher fans an alert out to every sender concurrently. Each sender fails
// on its own; failures are logged and counted, never returned.
type Dispatcher struct {
	senders   []Sender
	publisher Publisher
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(publisher Publisher, senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders, publisher: publisher}
}

// Senders returns the configured channel names.
func (d *Dispatcher) Senders() []string {
	names := make([]string, 0, len(d.senders))
	for _, s := range d.senders {
		names = append(names, s.Name())
	}
	return names
}

// Notify delivers alert to every sender and waits for all of them.
func (d *Dispatcher) Notify(ctx context.Context, alert Alert) {
	if d.publisher != nil {
		d.publisher.Publish(alert)
	}

	var g errgroup.Group
	for _, sender := range d.senders {
		g.Go(func() error {
			err := sender.Send(ctx, alert)
			metrics.RecordNotification(sender.Name(), err)
			if err != nil {
				log.Error().
					Err(err).
					Str("channel", sender.Name()).
					Str("alert_id", alert.ID).
					Str("key", alert.Key).
					Msg("Failed to send alert notification")
				return nil
			}
			log.Info().
				Str("channel", sender.Name()).
				Str("alert_id", alert.ID).
				Str("key", alert.Key).
				Msg("Alert notification sent")
			return nil
		})
	}
	_ = g.Wait()
}
