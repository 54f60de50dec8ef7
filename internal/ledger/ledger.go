package ledger

import (
	"sync"
	"time"

	"cross-arb-bot/internal/risk"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeCompleted       Outcome = "COMPLETED"
	OutcomePartiallyFilled Outcome = "PARTIALLY_FILLED"
	OutcomeAborted         Outcome = "ABORTED"
	OutcomeFailed          Outcome = "FAILED"
)

// TradeResult is the terminal, immutable record of one execution plan.
type TradeResult struct {
	PlanID      string
	Fingerprint string
	Instrument  string
	BuyVenue    string
	SellVenue   string
	Outcome     Outcome
	BuyQty      float64
	BuyPrice    float64
	SellQty     float64
	SellPrice   float64
	FeesUSD     float64
	NetPnLUSD   float64
	Unhedged    bool
	Reason      string
	CompletedAt time.Time
}

type DailyStats struct {
	Trades         int
	Wins           int
	Losses         int
	GrossProfitUSD float64
	GrossLossUSD   float64
}

func (s DailyStats) NetUSD() float64 {
	return s.GrossProfitUSD - s.GrossLossUSD
}

// Sink receives terminal results for durable storage. Implementations must
// not block; the ledger proceeds without waiting for durability.
type Sink interface {
	EnqueueTrade(result TradeResult)
}

// Ledger is the append-only record of trade results and the single entry
// point for settling outcomes into the risk gate.
type Ledger struct {
	gate *risk.Gate
	sink Sink
	log  *zap.Logger

	mu      sync.Mutex
	results []TradeResult
	stats   DailyStats
	day     time.Time
}

func New(gate *risk.Gate, sink Sink, log *zap.Logger) *Ledger {
	return &Ledger{gate: gate, sink: sink, log: log}
}

// Record appends the result, settles it into the risk gate and returns the
// updated risk state. The reservation placed at approval is released here,
// exactly once, whatever the outcome.
func (l *Ledger) Record(result TradeResult) risk.RiskState {
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	state, released := l.gate.Settle(risk.Settlement{
		Fingerprint: result.Fingerprint,
		Instrument:  result.Instrument,
		NetPnLUSD:   result.NetPnLUSD,
	}, result.CompletedAt)
	if !released {
		l.log.Warn("settlement without live reservation",
			zap.String("plan_id", result.PlanID),
			zap.String("fingerprint", result.Fingerprint),
		)
	}

	l.mu.Lock()
	l.rollDayLocked(result.CompletedAt)
	l.results = append(l.results, result)
	if result.Outcome != OutcomeAborted {
		l.stats.Trades++
		if result.NetPnLUSD > 0 {
			l.stats.Wins++
			l.stats.GrossProfitUSD += result.NetPnLUSD
		} else if result.NetPnLUSD < 0 {
			l.stats.Losses++
			l.stats.GrossLossUSD += -result.NetPnLUSD
		}
	}
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.EnqueueTrade(result)
	}
	return state
}

func (l *Ledger) Stats() DailyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Results returns a copy of the recorded history.
func (l *Ledger) Results() []TradeResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TradeResult, len(l.results))
	copy(out, l.results)
	return out
}

func (l *Ledger) rollDayLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(l.day) {
		l.day = day
		l.stats = DailyStats{}
	}
}
