package alerts

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

type EventKind string

const (
	EventTrade       EventKind = "trade"
	EventOpportunity EventKind = "opportunity"
	EventError       EventKind = "error"
	EventRiskBreach  EventKind = "risk_breach"
)

type Event struct {
	Kind EventKind
	Text string
}

// Sender delivers one notification; Telegram implements it.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier decouples event emission from delivery. Publish never blocks:
// events queue into a buffered channel drained by Run, and overflow is
// dropped so a slow sink cannot stall the decision pipeline.
type Notifier struct {
	sender  Sender
	log     *zap.Logger
	events  chan Event
	dropped atomic.Uint64
}

func NewNotifier(sender Sender, queueSize int, log *zap.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Notifier{
		sender: sender,
		log:    log,
		events: make(chan Event, queueSize),
	}
}

func (n *Notifier) Publish(event Event) {
	select {
	case n.events <- event:
	default:
		if n.dropped.Add(1) == 1 {
			n.log.Warn("notification queue full, dropping events")
		}
	}
}

func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-n.events:
			if err := n.sender.Send(ctx, event.Text); err != nil {
				n.log.Warn("notification send failed",
					zap.String("kind", string(event.Kind)),
					zap.Error(err),
				)
			}
		}
	}
}
