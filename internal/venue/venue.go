package venue

import (
	"context"
	"errors"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

var (
	// ErrTimeout covers both a fill that never confirmed and a collaborator
	// that exhausted its retries.
	ErrTimeout  = errors.New("venue: order not filled in time")
	ErrRejected = errors.New("venue: order rejected")
)

// Quote is one venue's best bid/ask for an instrument. Immutable once
// produced; superseded by newer quotes keyed on Time.
type Quote struct {
	Venue      string
	Instrument string
	Bid        float64
	Ask        float64
	BidSize    float64
	AskSize    float64
	Time       time.Time
}

type OrderHandle struct {
	Venue string
	ID    string
}

type FillResult struct {
	Quantity float64
	Price    float64
	Fees     float64
}

// Client is the fixed capability surface every venue integration implements.
// Connectivity, auth and retry with backoff live behind it; a call that
// exhausts retries returns ErrTimeout.
type Client interface {
	Name() string
	GetQuote(ctx context.Context, instrument string) (Quote, error)
	SubmitOrder(ctx context.Context, instrument string, side Side, quantity, limit float64) (OrderHandle, error)
	AwaitFill(ctx context.Context, handle OrderHandle, timeout time.Duration) (FillResult, error)
}
