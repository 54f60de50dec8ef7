package feed

import (
	"context"
	"time"

	"cross-arb-bot/internal/venue"

	"go.uber.org/zap"
)

// Poller drives one venue's quote ingestion on a fixed interval. Venues that
// stream quotes use stream.Client instead; both paths converge on the Book.
type Poller struct {
	client      venue.Client
	book        *Book
	instruments []string
	interval    time.Duration
	log         *zap.Logger
}

func NewPoller(client venue.Client, book *Book, instruments []string, interval time.Duration, log *zap.Logger) *Poller {
	return &Poller{
		client:      client,
		book:        book,
		instruments: instruments,
		interval:    interval,
		log:         log,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, instrument := range p.instruments {
		q, err := p.client.GetQuote(ctx, instrument)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Debug("quote poll failed",
				zap.String("venue", p.client.Name()),
				zap.String("instrument", instrument),
				zap.Error(err),
			)
			continue
		}
		p.book.Update(q)
	}
}
