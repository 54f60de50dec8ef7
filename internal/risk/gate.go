package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"cross-arb-bot/internal/config"
	"cross-arb-bot/internal/detector"
)

var (
	ErrHalted                  = errors.New("risk gate halted")
	ErrDailyLossLimit          = errors.New("daily loss limit reached")
	ErrDrawdownLimit           = errors.New("max drawdown reached")
	ErrConcurrencyLimit        = errors.New("max concurrent trades reached")
	ErrExposureLimit           = errors.New("exposure ceiling exceeded")
	ErrUnprofitableAfterSizing = errors.New("unprofitable after sizing")
	ErrDuplicate               = errors.New("fingerprint already in flight")
)

// Approved is a sized opportunity holding a capacity reservation. The
// reservation is released exactly once, when the outcome is settled.
type Approved struct {
	Opportunity  detector.Opportunity
	Quantity     float64
	NotionalUSD  float64
	NetProfitUSD float64
}

// Gate is the stateful admission controller guarding RiskState. Evaluate
// (check and reserve) and Settle (release and update) serialize through one
// mutex, so concurrent evaluations can never jointly overshoot a limit.
type Gate struct {
	cfg       config.RiskConfig
	minProfit float64

	mu           sync.Mutex
	equity       float64
	peakEquity   float64
	pnlToday     float64
	dailyLoss    float64
	day          time.Time
	halted       bool
	haltReason   string
	reservations map[string]reservation
	instExposure map[string]float64
	total        float64
}

func NewGate(cfg config.RiskConfig, minProfitThreshold float64, now time.Time) *Gate {
	return &Gate{
		cfg:          cfg,
		minProfit:    minProfitThreshold,
		equity:       cfg.StartingBalanceUSD,
		peakEquity:   cfg.StartingBalanceUSD,
		day:          now.UTC().Truncate(24 * time.Hour),
		reservations: make(map[string]reservation),
		instExposure: make(map[string]float64),
	}
}

// Evaluate runs the hard preconditions in order, sizes the opportunity and
// reserves capacity for it. Any failed check rejects with that reason.
func (g *Gate) Evaluate(opp detector.Opportunity, now time.Time) (Approved, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(now)

	if g.halted {
		return Approved{}, fmt.Errorf("%w: %s", ErrHalted, g.haltReason)
	}
	if g.dailyLoss >= g.cfg.MaxDailyLossUSD {
		return Approved{}, ErrDailyLossLimit
	}
	if g.drawdownLocked() >= g.cfg.MaxDrawdown {
		return Approved{}, ErrDrawdownLimit
	}
	if len(g.reservations) >= g.cfg.MaxConcurrentTrades {
		return Approved{}, ErrConcurrencyLimit
	}
	if _, inFlight := g.reservations[opp.Fingerprint]; inFlight {
		return Approved{}, ErrDuplicate
	}

	notional := g.sizeNotionalLocked(opp.Size * opp.BuyPrice)
	if notional <= 0 {
		return Approved{}, ErrExposureLimit
	}
	if g.instExposure[opp.Instrument]+notional > g.cfg.MaxInstrumentExposure {
		return Approved{}, fmt.Errorf("%w: instrument %s", ErrExposureLimit, opp.Instrument)
	}
	if g.total+notional > g.cfg.MaxTotalExposure {
		return Approved{}, fmt.Errorf("%w: aggregate", ErrExposureLimit)
	}

	quantity := notional / opp.BuyPrice
	net := opp.NetPerUnit * quantity
	if net/notional < g.minProfit {
		return Approved{}, ErrUnprofitableAfterSizing
	}

	g.reservations[opp.Fingerprint] = reservation{instrument: opp.Instrument, notionalUSD: notional}
	g.instExposure[opp.Instrument] += notional
	g.total += notional

	sized := opp
	sized.Size = quantity
	sized.NetProfit = net
	sized.NotionalUSD = notional
	return Approved{
		Opportunity:  sized,
		Quantity:     quantity,
		NotionalUSD:  notional,
		NetProfitUSD: net,
	}, nil
}

// Settle releases the reservation for the fingerprint and applies the
// realized PnL. A fingerprint with no live reservation is ignored, which
// keeps the release exactly-once.
func (g *Gate) Settle(s Settlement, now time.Time) (RiskState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(now)

	res, ok := g.reservations[s.Fingerprint]
	if !ok {
		return g.snapshotLocked(), false
	}
	delete(g.reservations, s.Fingerprint)
	g.instExposure[res.instrument] -= res.notionalUSD
	if g.instExposure[res.instrument] <= 0 {
		delete(g.instExposure, res.instrument)
	}
	g.total -= res.notionalUSD
	if g.total < 0 {
		g.total = 0
	}

	g.equity += s.NetPnLUSD
	g.pnlToday += s.NetPnLUSD
	if s.NetPnLUSD < 0 {
		g.dailyLoss += -s.NetPnLUSD
	}
	if g.equity > g.peakEquity {
		g.peakEquity = g.equity
	}
	if !g.halted {
		if g.dailyLoss >= g.cfg.MaxDailyLossUSD {
			g.halted = true
			g.haltReason = ErrDailyLossLimit.Error()
		} else if g.drawdownLocked() >= g.cfg.MaxDrawdown {
			g.halted = true
			g.haltReason = ErrDrawdownLimit.Error()
		}
	}
	return g.snapshotLocked(), true
}

// MaxQuantity is the sizing ceiling handed to the detector. It is advisory;
// the binding checks rerun inside Evaluate.
func (g *Gate) MaxQuantity(instrument string, price float64) float64 {
	if price <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	notional := g.sizeNotionalLocked(g.cfg.MaxPositionUSD)
	if headroom := g.cfg.MaxInstrumentExposure - g.instExposure[instrument]; headroom < notional {
		notional = headroom
	}
	if headroom := g.cfg.MaxTotalExposure - g.total; headroom < notional {
		notional = headroom
	}
	if notional <= 0 {
		return 0
	}
	return notional / price
}

// Halt engages the persistent halt state; new approvals stop immediately
// while in-flight executions settle normally.
func (g *Gate) Halt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = true
	g.haltReason = reason
}

func (g *Gate) Snapshot(now time.Time) RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(now)
	return g.snapshotLocked()
}

// Restore seeds the aggregate from a persisted snapshot. Reservations are
// never restored; in-flight executions do not survive a restart.
func (g *Gate) Restore(equity, peakEquity, dailyLoss, pnlToday float64, day time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if equity > 0 {
		g.equity = equity
	}
	if peakEquity > 0 {
		g.peakEquity = peakEquity
	}
	g.dailyLoss = dailyLoss
	g.pnlToday = pnlToday
	if !day.IsZero() {
		g.day = day.UTC().Truncate(24 * time.Hour)
	}
}

func (g *Gate) sizeNotionalLocked(candidateNotional float64) float64 {
	notional := candidateNotional
	if g.cfg.MaxPositionUSD < notional {
		notional = g.cfg.MaxPositionUSD
	}
	if g.cfg.StopLossPct > 0 {
		if riskCap := g.equity * g.cfg.RiskPerTrade / g.cfg.StopLossPct; riskCap < notional {
			notional = riskCap
		}
	}
	if balanceCap := g.equity * 0.8; balanceCap < notional {
		notional = balanceCap
	}
	return notional
}

func (g *Gate) drawdownLocked() float64 {
	if g.peakEquity <= 0 {
		return 0
	}
	dd := (g.peakEquity - g.equity) / g.peakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

func (g *Gate) rollDayLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.After(g.day) {
		return
	}
	g.day = day
	g.dailyLoss = 0
	g.pnlToday = 0
	if g.halted && g.haltReason == ErrDailyLossLimit.Error() {
		g.halted = false
		g.haltReason = ""
	}
}

func (g *Gate) snapshotLocked() RiskState {
	exposure := make(map[string]float64, len(g.instExposure))
	for instrument, notional := range g.instExposure {
		exposure[instrument] = notional
	}
	var reserved float64
	for _, res := range g.reservations {
		reserved += res.notionalUSD
	}
	return RiskState{
		EquityUSD:             g.equity,
		PeakEquityUSD:         g.peakEquity,
		RealizedPnLTodayUSD:   g.pnlToday,
		DailyLossUSD:          g.dailyLoss,
		Drawdown:              g.drawdownLocked(),
		OpenTrades:            len(g.reservations),
		ReservedNotionalUSD:   reserved,
		TotalExposureUSD:      g.total,
		InstrumentExposureUSD: exposure,
		Day:                   g.day,
		Halted:                g.halted,
		HaltReason:            g.haltReason,
	}
}
