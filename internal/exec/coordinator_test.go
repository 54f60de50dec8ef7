package exec

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"cross-arb-bot/internal/detector"
	"cross-arb-bot/internal/ledger"
	"cross-arb-bot/internal/risk"
	"cross-arb-bot/internal/venue"

	"go.uber.org/zap"
)

type legResponse struct {
	submitErr error
	fill      venue.FillResult
	fillErr   error
}

type submitted struct {
	side     venue.Side
	quantity float64
	limit    float64
}

// mockVenue replays scripted leg responses in submission order.
type mockVenue struct {
	name     string
	quote    venue.Quote
	quoteErr error

	mu        sync.Mutex
	responses []legResponse
	submits   []submitted
	cursor    int
}

func (m *mockVenue) Name() string { return m.name }

func (m *mockVenue) GetQuote(ctx context.Context, instrument string) (venue.Quote, error) {
	_ = ctx
	_ = instrument
	if m.quoteErr != nil {
		return venue.Quote{}, m.quoteErr
	}
	return m.quote, nil
}

func (m *mockVenue) SubmitOrder(ctx context.Context, instrument string, side venue.Side, quantity, limit float64) (venue.OrderHandle, error) {
	_ = ctx
	_ = instrument
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor >= len(m.responses) {
		return venue.OrderHandle{}, fmt.Errorf("unexpected order on %s", m.name)
	}
	m.submits = append(m.submits, submitted{side: side, quantity: quantity, limit: limit})
	resp := m.responses[m.cursor]
	m.cursor++
	if resp.submitErr != nil {
		return venue.OrderHandle{}, resp.submitErr
	}
	return venue.OrderHandle{Venue: m.name, ID: fmt.Sprintf("%s-%d", m.name, m.cursor)}, nil
}

func (m *mockVenue) AwaitFill(ctx context.Context, handle venue.OrderHandle, timeout time.Duration) (venue.FillResult, error) {
	_ = ctx
	_ = handle
	_ = timeout
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := m.responses[m.cursor-1]
	if resp.fillErr != nil {
		return venue.FillResult{}, resp.fillErr
	}
	return resp.fill, nil
}

func testApproved() risk.Approved {
	return risk.Approved{
		Opportunity: detector.Opportunity{
			Instrument:  "BTC/USD",
			BuyVenue:    "alpha",
			SellVenue:   "beta",
			BuyPrice:    100,
			SellPrice:   100.5,
			Fingerprint: "fp-1",
		},
		Quantity:    10,
		NotionalUSD: 1000,
	}
}

func newTestCoordinator(alpha, beta *mockVenue) *Coordinator {
	return New(Config{
		LegTimeout:        100 * time.Millisecond,
		SlippageTolerance: 0.0005,
		StopLossPct:       0.02,
	}, map[string]venue.Client{"alpha": alpha, "beta": beta}, zap.NewNop())
}

func marketQuote(venueName string, bid, ask float64) venue.Quote {
	return venue.Quote{
		Venue:      venueName,
		Instrument: "BTC/USD",
		Bid:        bid,
		Ask:        ask,
		BidSize:    100,
		AskSize:    100,
		Time:       time.Now().UTC(),
	}
}

func TestExecuteCompleted(t *testing.T) {
	alpha := &mockVenue{
		name:  "alpha",
		quote: marketQuote("alpha", 99.9, 100),
		responses: []legResponse{
			{fill: venue.FillResult{Quantity: 10, Price: 100, Fees: 1}},
		},
	}
	beta := &mockVenue{
		name:  "beta",
		quote: marketQuote("beta", 100.5, 100.6),
		responses: []legResponse{
			{fill: venue.FillResult{Quantity: 10, Price: 100.5, Fees: 1.005}},
		},
	}
	result := newTestCoordinator(alpha, beta).Execute(context.Background(), testApproved())
	if result.Outcome != ledger.OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Outcome, result.Reason)
	}
	want := 100.5*10 - 100*10 - 2.005
	if math.Abs(result.NetPnLUSD-want) > 1e-9 {
		t.Fatalf("expected net %v, got %v", want, result.NetPnLUSD)
	}
	if len(alpha.submits) != 1 || alpha.submits[0].side != venue.SideBuy {
		t.Fatalf("expected one buy on alpha, got %+v", alpha.submits)
	}
	if len(beta.submits) != 1 || beta.submits[0].quantity != 10 {
		t.Fatalf("expected sell of filled buy quantity, got %+v", beta.submits)
	}
}

func TestExecuteAbortsWhenPriceMoved(t *testing.T) {
	alpha := &mockVenue{name: "alpha", quote: marketQuote("alpha", 100.9, 101)}
	beta := &mockVenue{name: "beta", quote: marketQuote("beta", 100.5, 100.6)}
	result := newTestCoordinator(alpha, beta).Execute(context.Background(), testApproved())
	if result.Outcome != ledger.OutcomeAborted {
		t.Fatalf("expected aborted, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, "buy price moved") {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
	if len(alpha.submits) != 0 || len(beta.submits) != 0 {
		t.Fatalf("expected no orders submitted")
	}
}

func TestExecuteAbortsWhenQuoteUnavailable(t *testing.T) {
	alpha := &mockVenue{name: "alpha", quoteErr: fmt.Errorf("venue down")}
	beta := &mockVenue{name: "beta", quote: marketQuote("beta", 100.5, 100.6)}
	result := newTestCoordinator(alpha, beta).Execute(context.Background(), testApproved())
	if result.Outcome != ledger.OutcomeAborted {
		t.Fatalf("expected aborted, got %s", result.Outcome)
	}
}

func TestExecuteAbortsOnBuyRejection(t *testing.T) {
	alpha := &mockVenue{
		name:      "alpha",
		quote:     marketQuote("alpha", 99.9, 100),
		responses: []legResponse{{submitErr: venue.ErrRejected}},
	}
	beta := &mockVenue{name: "beta", quote: marketQuote("beta", 100.5, 100.6)}
	result := newTestCoordinator(alpha, beta).Execute(context.Background(), testApproved())
	if result.Outcome != ledger.OutcomeAborted {
		t.Fatalf("expected aborted, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, string(LegRejected)) {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
	if result.NetPnLUSD != 0 {
		t.Fatalf("expected zero pnl on abort, got %v", result.NetPnLUSD)
	}
}

func TestExecuteSellTimeoutLiquidates(t *testing.T) {
	alpha := &mockVenue{
		name:  "alpha",
		quote: marketQuote("alpha", 99.9, 100),
		responses: []legResponse{
			{fill: venue.FillResult{Quantity: 10, Price: 100, Fees: 1}},
			{fill: venue.FillResult{Quantity: 10, Price: 98, Fees: 0.98}},
		},
	}
	beta := &mockVenue{
		name:      "beta",
		quote:     marketQuote("beta", 100.5, 100.6),
		responses: []legResponse{{fillErr: venue.ErrTimeout}},
	}
	result := newTestCoordinator(alpha, beta).Execute(context.Background(), testApproved())
	if result.Outcome != ledger.OutcomePartiallyFilled {
		t.Fatalf("expected partially filled, got %s (%s)", result.Outcome, result.Reason)
	}
	if result.Unhedged {
		t.Fatalf("expected liquidated position not flagged unhedged")
	}
	want := 98*10 - 100*10 - (1 + 0.98)
	if math.Abs(result.NetPnLUSD-want) > 1e-9 {
		t.Fatalf("expected net %v, got %v", want, result.NetPnLUSD)
	}
	// Corrective order sells on the buy venue at the stop-loss limit.
	if len(alpha.submits) != 2 {
		t.Fatalf("expected corrective order on alpha, got %d orders", len(alpha.submits))
	}
	corrective := alpha.submits[1]
	if corrective.side != venue.SideSell || corrective.quantity != 10 {
		t.Fatalf("unexpected corrective order %+v", corrective)
	}
	if math.Abs(corrective.limit-98) > 1e-9 {
		t.Fatalf("expected stop-loss limit 98, got %v", corrective.limit)
	}
}

func TestExecuteCorrectiveFailureFlagsUnhedged(t *testing.T) {
	alpha := &mockVenue{
		name:  "alpha",
		quote: marketQuote("alpha", 99.9, 100),
		responses: []legResponse{
			{fill: venue.FillResult{Quantity: 10, Price: 100, Fees: 1}},
			{fillErr: venue.ErrTimeout},
		},
	}
	beta := &mockVenue{
		name:      "beta",
		quote:     marketQuote("beta", 100.5, 100.6),
		responses: []legResponse{{fillErr: venue.ErrTimeout}},
	}
	result := newTestCoordinator(alpha, beta).Execute(context.Background(), testApproved())
	if result.Outcome != ledger.OutcomeFailed {
		t.Fatalf("expected failed, got %s", result.Outcome)
	}
	if !result.Unhedged {
		t.Fatalf("expected unhedged flag set")
	}
	want := -100*10 - 1.0
	if math.Abs(result.NetPnLUSD-want) > 1e-9 {
		t.Fatalf("expected net %v, got %v", want, result.NetPnLUSD)
	}
}

func TestExecuteSellUnderfillLiquidatesResidual(t *testing.T) {
	alpha := &mockVenue{
		name:  "alpha",
		quote: marketQuote("alpha", 99.9, 100),
		responses: []legResponse{
			{fill: venue.FillResult{Quantity: 10, Price: 100, Fees: 1}},
			{fill: venue.FillResult{Quantity: 4, Price: 98, Fees: 0.392}},
		},
	}
	beta := &mockVenue{
		name:  "beta",
		quote: marketQuote("beta", 100.5, 100.6),
		responses: []legResponse{
			{fill: venue.FillResult{Quantity: 6, Price: 100.5, Fees: 0.603}},
		},
	}
	result := newTestCoordinator(alpha, beta).Execute(context.Background(), testApproved())
	if result.Outcome != ledger.OutcomePartiallyFilled {
		t.Fatalf("expected partially filled, got %s (%s)", result.Outcome, result.Reason)
	}
	corrective := alpha.submits[1]
	if corrective.quantity != 4 {
		t.Fatalf("expected corrective for residual 4, got %v", corrective.quantity)
	}
	want := (6*100.5 + 4*98) - 10*100 - (1 + 0.603 + 0.392)
	if math.Abs(result.NetPnLUSD-want) > 1e-9 {
		t.Fatalf("expected net %v, got %v", want, result.NetPnLUSD)
	}
}

// hangingVenue stalls every quote fetch until the caller's context expires.
type hangingVenue struct {
	name string
}

func (h *hangingVenue) Name() string { return h.name }

func (h *hangingVenue) GetQuote(ctx context.Context, instrument string) (venue.Quote, error) {
	_ = instrument
	<-ctx.Done()
	return venue.Quote{}, ctx.Err()
}

func (h *hangingVenue) SubmitOrder(ctx context.Context, instrument string, side venue.Side, quantity, limit float64) (venue.OrderHandle, error) {
	panic("not used")
}

func (h *hangingVenue) AwaitFill(ctx context.Context, handle venue.OrderHandle, timeout time.Duration) (venue.FillResult, error) {
	panic("not used")
}

// A stalled venue must not block the plan past the leg timeout, even on a
// context with no deadline of its own; the reservation has to settle.
func TestExecuteAbortsWhenQuoteFetchHangs(t *testing.T) {
	alpha := &hangingVenue{name: "alpha"}
	beta := &mockVenue{name: "beta", quote: marketQuote("beta", 100.5, 100.6)}
	coord := New(Config{
		LegTimeout:        50 * time.Millisecond,
		SlippageTolerance: 0.0005,
		StopLossPct:       0.02,
	}, map[string]venue.Client{"alpha": alpha, "beta": beta}, zap.NewNop())

	done := make(chan ledger.TradeResult, 1)
	go func() {
		done <- coord.Execute(context.WithoutCancel(context.Background()), testApproved())
	}()
	select {
	case result := <-done:
		if result.Outcome != ledger.OutcomeAborted {
			t.Fatalf("expected aborted, got %s (%s)", result.Outcome, result.Reason)
		}
		if !strings.Contains(result.Reason, "quote unavailable") {
			t.Fatalf("unexpected reason %q", result.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("execute still blocked long after the leg timeout")
	}
}

func TestExecuteUnknownVenueAborts(t *testing.T) {
	alpha := &mockVenue{name: "alpha", quote: marketQuote("alpha", 99.9, 100)}
	beta := &mockVenue{name: "beta", quote: marketQuote("beta", 100.5, 100.6)}
	coord := newTestCoordinator(alpha, beta)
	approved := testApproved()
	approved.Opportunity.SellVenue = "gamma"
	result := coord.Execute(context.Background(), approved)
	if result.Outcome != ledger.OutcomeAborted {
		t.Fatalf("expected aborted, got %s", result.Outcome)
	}
	if !strings.Contains(result.Reason, "gamma") {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}
