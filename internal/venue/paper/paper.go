package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"cross-arb-bot/internal/venue"
)

// Venue is an in-memory venue simulator used for dry runs and tests. Orders
// fill immediately when the limit crosses the simulated book, otherwise they
// rest until AwaitFill gives up.
type Venue struct {
	name    string
	feeRate float64

	mu     sync.Mutex
	quotes map[string]venue.Quote
	orders map[string]order
	seq    int64
	rng    *rand.Rand
}

type order struct {
	instrument string
	side       venue.Side
	quantity   float64
	limit      float64
}

func New(name string, feeRate float64) *Venue {
	return &Venue{
		name:    name,
		feeRate: feeRate,
		quotes:  make(map[string]venue.Quote),
		orders:  make(map[string]order),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (v *Venue) Name() string { return v.name }

// SetQuote pins the simulated book for an instrument.
func (v *Venue) SetQuote(instrument string, bid, ask float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes[instrument] = venue.Quote{
		Venue:      v.name,
		Instrument: instrument,
		Bid:        bid,
		Ask:        ask,
		BidSize:    1000,
		AskSize:    1000,
		Time:       time.Now().UTC(),
	}
}

// Jitter nudges every pinned quote by a small random fraction, keeping the
// simulated market moving between ticks.
func (v *Venue) Jitter(maxFraction float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for instrument, q := range v.quotes {
		shift := 1 + (v.rng.Float64()*2-1)*maxFraction
		q.Bid *= shift
		q.Ask *= shift
		q.Time = time.Now().UTC()
		v.quotes[instrument] = q
	}
}

func (v *Venue) GetQuote(ctx context.Context, instrument string) (venue.Quote, error) {
	if err := ctx.Err(); err != nil {
		return venue.Quote{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	q, ok := v.quotes[instrument]
	if !ok {
		return venue.Quote{}, fmt.Errorf("paper venue %s: no quote for %s", v.name, instrument)
	}
	q.Time = time.Now().UTC()
	v.quotes[instrument] = q
	return q, nil
}

func (v *Venue) SubmitOrder(ctx context.Context, instrument string, side venue.Side, quantity, limit float64) (venue.OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return venue.OrderHandle{}, err
	}
	if quantity <= 0 || limit <= 0 {
		return venue.OrderHandle{}, venue.ErrRejected
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.quotes[instrument]; !ok {
		return venue.OrderHandle{}, venue.ErrRejected
	}
	v.seq++
	id := fmt.Sprintf("%s-%d", v.name, v.seq)
	v.orders[id] = order{instrument: instrument, side: side, quantity: quantity, limit: limit}
	return venue.OrderHandle{Venue: v.name, ID: id}, nil
}

func (v *Venue) AwaitFill(ctx context.Context, handle venue.OrderHandle, timeout time.Duration) (venue.FillResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		if fill, ok := v.tryFill(handle.ID); ok {
			return fill, nil
		}
		if time.Now().After(deadline) {
			v.mu.Lock()
			delete(v.orders, handle.ID)
			v.mu.Unlock()
			return venue.FillResult{}, venue.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return venue.FillResult{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (v *Venue) tryFill(orderID string) (venue.FillResult, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[orderID]
	if !ok {
		return venue.FillResult{}, false
	}
	q, ok := v.quotes[ord.instrument]
	if !ok {
		return venue.FillResult{}, false
	}
	var price float64
	switch ord.side {
	case venue.SideBuy:
		if q.Ask > ord.limit {
			return venue.FillResult{}, false
		}
		price = q.Ask
	case venue.SideSell:
		if q.Bid < ord.limit {
			return venue.FillResult{}, false
		}
		price = q.Bid
	default:
		return venue.FillResult{}, false
	}
	delete(v.orders, orderID)
	return venue.FillResult{
		Quantity: ord.quantity,
		Price:    price,
		Fees:     price * ord.quantity * v.feeRate,
	}, true
}
