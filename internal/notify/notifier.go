// Package notify fans alerts out to delivery channels without ever blocking
// the trading loops. Alerts are queued and delivered by a single worker; when
// the queue is full new alerts are dropped and counted.
package notify

import (
	"context"
	"fmt"
	"sync/atomic"

	"spotTrader/internal/ports"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers one alert.
	Send(ctx context.Context, alert ports.Alert) error
	// Name returns a human-readable identifier for the sender (e.g. "redis").
	Name() string
}

// Dispatcher implements ports.AlertSink.
type Dispatcher struct {
	senders []Sender
	queue   chan ports.Alert
	logger  ports.Logger
	dropped atomic.Int64
}

// NewDispatcher creates a Dispatcher with a queue of the given size.
func NewDispatcher(senders []Sender, queueSize int, logger ports.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		senders: senders,
		queue:   make(chan ports.Alert, queueSize),
		logger:  logger,
	}
}

// SendAlert enqueues alert. It never blocks.
func (d *Dispatcher) SendAlert(ctx context.Context, alert ports.Alert) {
	select {
	case d.queue <- alert:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn(ctx, "Alert queue full, dropping alert", map[string]interface{}{"category": alert.Category, "severity": alert.Severity, "dropped": n})
	}
}

// Dropped returns how many alerts were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued alerts until ctx is done, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush(context.WithoutCancel(ctx))
			return nil
		case a := <-d.queue:
			d.dispatch(ctx, a)
		}
	}
}

func (d *Dispatcher) flush(ctx context.Context) {
	for {
		select {
		case a := <-d.queue:
			d.dispatch(ctx, a)
		default:
			return
		}
	}
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (d *Dispatcher) dispatch(ctx context.Context, a ports.Alert) {
	for _, s := range d.senders {
		if err := s.Send(ctx, a); err != nil {
			d.logger.Error(ctx, err, fmt.Sprintf("Alert sender %s failed", s.Name()), map[string]interface{}{"category": a.Category})
		}
	}
}
