package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cross-arb-bot/internal/ledger"
	"cross-arb-bot/internal/risk"
	"cross-arb-bot/internal/venue"

	"go.uber.org/zap"
)

const fillEpsilon = 1e-9

type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegSubmitted LegStatus = "SUBMITTED"
	LegFilled    LegStatus = "FILLED"
	LegTimedOut  LegStatus = "TIMED_OUT"
	LegRejected  LegStatus = "REJECTED"
)

type Leg struct {
	Venue    string
	Side     venue.Side
	Quantity float64
	Limit    float64
	Status   LegStatus
	Fill     venue.FillResult
}

// Plan tracks one approved opportunity through its legs. It is owned
// exclusively by the goroutine executing it.
type Plan struct {
	ID   string
	Buy  Leg
	Sell Leg
}

type Config struct {
	LegTimeout        time.Duration
	SlippageTolerance float64
	StopLossPct       float64
}

// Coordinator drives an approved opportunity's legs to a terminal
// TradeResult. Legs run buy-first so a failed buy leaves no position.
type Coordinator struct {
	cfg    Config
	venues map[string]venue.Client
	log    *zap.Logger
}

func New(cfg Config, venues map[string]venue.Client, log *zap.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, venues: venues, log: log}
}

func (c *Coordinator) Execute(ctx context.Context, approved risk.Approved) ledger.TradeResult {
	opp := approved.Opportunity
	result := ledger.TradeResult{
		PlanID:      newPlanID(),
		Fingerprint: opp.Fingerprint,
		Instrument:  opp.Instrument,
		BuyVenue:    opp.BuyVenue,
		SellVenue:   opp.SellVenue,
	}

	buyClient, ok := c.venues[opp.BuyVenue]
	if !ok {
		return c.aborted(result, fmt.Sprintf("unknown buy venue %s", opp.BuyVenue))
	}
	sellClient, ok := c.venues[opp.SellVenue]
	if !ok {
		return c.aborted(result, fmt.Sprintf("unknown sell venue %s", opp.SellVenue))
	}

	if reason, ok := c.priceStillViable(ctx, buyClient, sellClient, opp.Instrument, opp.BuyPrice, opp.SellPrice); !ok {
		return c.aborted(result, reason)
	}

	plan := Plan{
		ID: result.PlanID,
		Buy: Leg{
			Venue:    opp.BuyVenue,
			Side:     venue.SideBuy,
			Quantity: approved.Quantity,
			Limit:    opp.BuyPrice * (1 + c.cfg.SlippageTolerance),
			Status:   LegPending,
		},
		Sell: Leg{
			Venue:    opp.SellVenue,
			Side:     venue.SideSell,
			Limit:    opp.SellPrice * (1 - c.cfg.SlippageTolerance),
			Status:   LegPending,
		},
	}

	c.runLeg(ctx, buyClient, opp.Instrument, &plan.Buy)
	if plan.Buy.Status != LegFilled || plan.Buy.Fill.Quantity <= fillEpsilon {
		// Nothing filled, nothing to unwind.
		return c.aborted(result, fmt.Sprintf("buy leg %s", plan.Buy.Status))
	}
	result.BuyQty = plan.Buy.Fill.Quantity
	result.BuyPrice = plan.Buy.Fill.Price
	result.FeesUSD += plan.Buy.Fill.Fees

	plan.Sell.Quantity = plan.Buy.Fill.Quantity
	c.runLeg(ctx, sellClient, opp.Instrument, &plan.Sell)
	if plan.Sell.Status != LegFilled || plan.Sell.Fill.Quantity <= fillEpsilon {
		return c.unwind(ctx, buyClient, opp.Instrument, plan, result,
			fmt.Sprintf("sell leg %s", plan.Sell.Status), plan.Buy.Fill.Quantity)
	}
	result.SellQty = plan.Sell.Fill.Quantity
	result.SellPrice = plan.Sell.Fill.Price
	result.FeesUSD += plan.Sell.Fill.Fees

	if residual := plan.Buy.Fill.Quantity - plan.Sell.Fill.Quantity; residual > fillEpsilon {
		return c.unwind(ctx, buyClient, opp.Instrument, plan, result, "sell leg underfilled", residual)
	}

	result.Outcome = ledger.OutcomeCompleted
	result.NetPnLUSD = plan.Sell.Fill.Price*plan.Sell.Fill.Quantity -
		plan.Buy.Fill.Price*plan.Buy.Fill.Quantity - result.FeesUSD
	result.CompletedAt = time.Now().UTC()
	c.log.Info("arbitrage completed",
		zap.String("plan_id", result.PlanID),
		zap.String("instrument", result.Instrument),
		zap.Float64("net_pnl_usd", result.NetPnLUSD),
	)
	return result
}

// priceStillViable rejects execution when the live market has moved against
// the detection prices beyond the slippage tolerance. The quote fetches share
// one leg-timeout deadline; a venue that stalls here aborts the plan instead
// of pinning its reservation forever.
func (c *Coordinator) priceStillViable(ctx context.Context, buyClient, sellClient venue.Client, instrument string, buyPrice, sellPrice float64) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LegTimeout)
	defer cancel()
	liveBuy, err := buyClient.GetQuote(ctx, instrument)
	if err != nil {
		return fmt.Sprintf("buy venue quote unavailable: %v", err), false
	}
	liveSell, err := sellClient.GetQuote(ctx, instrument)
	if err != nil {
		return fmt.Sprintf("sell venue quote unavailable: %v", err), false
	}
	if liveBuy.Ask > buyPrice*(1+c.cfg.SlippageTolerance) {
		return "buy price moved beyond tolerance", false
	}
	if liveSell.Bid < sellPrice*(1-c.cfg.SlippageTolerance) {
		return "sell price moved beyond tolerance", false
	}
	return "", true
}

func (c *Coordinator) runLeg(ctx context.Context, client venue.Client, instrument string, leg *Leg) {
	legCtx, cancel := context.WithTimeout(ctx, c.cfg.LegTimeout)
	defer cancel()
	handle, err := client.SubmitOrder(legCtx, instrument, leg.Side, leg.Quantity, leg.Limit)
	if err != nil {
		leg.Status = classifyLegError(err)
		c.log.Warn("leg submit failed",
			zap.String("venue", leg.Venue),
			zap.String("side", string(leg.Side)),
			zap.Error(err),
		)
		return
	}
	leg.Status = LegSubmitted
	fill, err := client.AwaitFill(legCtx, handle, c.cfg.LegTimeout)
	if err != nil {
		leg.Status = classifyLegError(err)
		c.log.Warn("leg fill failed",
			zap.String("venue", leg.Venue),
			zap.String("side", string(leg.Side)),
			zap.String("order_id", handle.ID),
			zap.Error(err),
		)
		return
	}
	leg.Status = LegFilled
	leg.Fill = fill
}

// unwind liquidates the filled buy quantity to cap directional exposure. A
// corrective fill settles as PartiallyFilled with the realized loss; a
// failed corrective escalates to Failed with the position flagged unhedged.
func (c *Coordinator) unwind(ctx context.Context, buyClient venue.Client, instrument string, plan Plan, result ledger.TradeResult, reason string, quantity float64) ledger.TradeResult {
	corrective := Leg{
		Venue:    plan.Buy.Venue,
		Side:     venue.SideSell,
		Quantity: quantity,
		Limit:    plan.Buy.Fill.Price * (1 - c.cfg.StopLossPct),
		Status:   LegPending,
	}
	c.runLeg(ctx, buyClient, instrument, &corrective)
	result.CompletedAt = time.Now().UTC()
	if corrective.Status == LegFilled {
		result.FeesUSD += corrective.Fill.Fees
	}
	if corrective.Status != LegFilled || corrective.Fill.Quantity+fillEpsilon < quantity {
		result.Outcome = ledger.OutcomeFailed
		result.Unhedged = true
		result.Reason = fmt.Sprintf("%s; corrective liquidation %s", reason, corrective.Status)
		result.NetPnLUSD = c.partialPnL(plan, corrective) - result.FeesUSD
		c.log.Error("corrective liquidation failed, position unhedged",
			zap.String("plan_id", result.PlanID),
			zap.String("instrument", result.Instrument),
			zap.Float64("quantity", quantity),
			zap.String("reason", result.Reason),
		)
		return result
	}
	result.Outcome = ledger.OutcomePartiallyFilled
	result.Reason = fmt.Sprintf("%s; position liquidated", reason)
	result.NetPnLUSD = c.partialPnL(plan, corrective) - result.FeesUSD
	c.log.Warn("partial fill liquidated",
		zap.String("plan_id", result.PlanID),
		zap.String("instrument", result.Instrument),
		zap.Float64("net_pnl_usd", result.NetPnLUSD),
	)
	return result
}

// partialPnL sums proceeds of whatever legs did fill against the buy cost.
// Fees are subtracted by the caller.
func (c *Coordinator) partialPnL(plan Plan, corrective Leg) float64 {
	proceeds := 0.0
	if plan.Sell.Status == LegFilled {
		proceeds += plan.Sell.Fill.Price * plan.Sell.Fill.Quantity
	}
	if corrective.Status == LegFilled {
		proceeds += corrective.Fill.Price * corrective.Fill.Quantity
	}
	return proceeds - plan.Buy.Fill.Price*plan.Buy.Fill.Quantity
}

func (c *Coordinator) aborted(result ledger.TradeResult, reason string) ledger.TradeResult {
	result.Outcome = ledger.OutcomeAborted
	result.Reason = reason
	result.CompletedAt = time.Now().UTC()
	c.log.Debug("execution aborted",
		zap.String("plan_id", result.PlanID),
		zap.String("instrument", result.Instrument),
		zap.String("reason", reason),
	)
	return result
}

func classifyLegError(err error) LegStatus {
	switch {
	case err == nil:
		return LegFilled
	case errors.Is(err, venue.ErrRejected):
		return LegRejected
	default:
		// Timeouts, cancellations and exhausted collaborator retries all
		// count as a leg that never confirmed.
		return LegTimedOut
	}
}

func newPlanID() string {
	return fmt.Sprintf("plan-%s", time.Now().UTC().Format("20060102T150405.000000000Z"))
}
