package risk

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cross-arb-bot/internal/config"
	"cross-arb-bot/internal/detector"
)

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		StartingBalanceUSD:    10000,
		MaxPositionUSD:        1000,
		MaxDailyLossUSD:       100,
		MaxConcurrentTrades:   5,
		MaxDrawdown:           0.10,
		MaxInstrumentExposure: 1000,
		MaxTotalExposure:      5000,
		RiskPerTrade:          0.02,
		StopLossPct:           0.02,
	}
}

func opportunity(fingerprint string, size float64) detector.Opportunity {
	return detector.Opportunity{
		Instrument:  "BTC/USD",
		BuyVenue:    "alpha",
		SellVenue:   "beta",
		BuyPrice:    100,
		SellPrice:   100.5,
		Size:        size,
		GrossSpread: 0.5,
		NetPerUnit:  0.2995,
		NetProfit:   0.2995 * size,
		NotionalUSD: 100 * size,
		Fingerprint: fingerprint,
	}
}

func TestEvaluateApprovesAndSizes(t *testing.T) {
	gate := NewGate(riskConfig(), 0.001, time.Now().UTC())
	// 50 units at 100 is 5000 notional, above every cap.
	approved, err := gate.Evaluate(opportunity("fp-1", 50), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if approved.NotionalUSD != 1000 {
		t.Fatalf("expected notional capped at 1000, got %v", approved.NotionalUSD)
	}
	if approved.Quantity != 10 {
		t.Fatalf("expected quantity 10, got %v", approved.Quantity)
	}
	if approved.Opportunity.Size != approved.Quantity {
		t.Fatalf("expected resized opportunity, got size %v", approved.Opportunity.Size)
	}
	st := gate.Snapshot(time.Now().UTC())
	if st.OpenTrades != 1 {
		t.Fatalf("expected one open trade, got %d", st.OpenTrades)
	}
	if st.TotalExposureUSD != 1000 {
		t.Fatalf("expected 1000 exposure reserved, got %v", st.TotalExposureUSD)
	}
}

func TestEvaluateRejectsDuplicateFingerprint(t *testing.T) {
	gate := NewGate(riskConfig(), 0.001, time.Now().UTC())
	now := time.Now().UTC()
	if _, err := gate.Evaluate(opportunity("fp-1", 5), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := gate.Evaluate(opportunity("fp-1", 5), now); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestEvaluateConcurrencyLimit(t *testing.T) {
	gate := NewGate(riskConfig(), 0.001, time.Now().UTC())
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if _, err := gate.Evaluate(opportunity(fmt.Sprintf("fp-%d", i), 5), now); err != nil {
			t.Fatalf("unexpected error on trade %d: %v", i, err)
		}
	}
	if _, err := gate.Evaluate(opportunity("fp-extra", 5), now); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("expected ErrConcurrencyLimit, got %v", err)
	}
}

func TestEvaluateInstrumentExposureLimit(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxInstrumentExposure = 800
	gate := NewGate(cfg, 0.001, time.Now().UTC())
	now := time.Now().UTC()
	if _, err := gate.Evaluate(opportunity("fp-1", 5), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 500 already reserved on the instrument; another 500 breaches 800.
	if _, err := gate.Evaluate(opportunity("fp-2", 5), now); !errors.Is(err, ErrExposureLimit) {
		t.Fatalf("expected ErrExposureLimit, got %v", err)
	}
}

func TestEvaluateRejectsUnprofitableAfterSizing(t *testing.T) {
	gate := NewGate(riskConfig(), 0.01, time.Now().UTC())
	// Net per unit of 0.2995 on price 100 is about 0.3%, below a 1% floor.
	if _, err := gate.Evaluate(opportunity("fp-1", 5), time.Now().UTC()); !errors.Is(err, ErrUnprofitableAfterSizing) {
		t.Fatalf("expected ErrUnprofitableAfterSizing, got %v", err)
	}
}

func TestSettleReleasesExactlyOnce(t *testing.T) {
	gate := NewGate(riskConfig(), 0.001, time.Now().UTC())
	now := time.Now().UTC()
	if _, err := gate.Evaluate(opportunity("fp-1", 5), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, released := gate.Settle(Settlement{Fingerprint: "fp-1", Instrument: "BTC/USD", NetPnLUSD: 1.5}, now)
	if !released {
		t.Fatalf("expected reservation released")
	}
	if st.TotalExposureUSD != 0 {
		t.Fatalf("expected exposure released, got %v", st.TotalExposureUSD)
	}
	if st.EquityUSD != 10001.5 {
		t.Fatalf("expected equity 10001.5, got %v", st.EquityUSD)
	}
	if _, released := gate.Settle(Settlement{Fingerprint: "fp-1", Instrument: "BTC/USD", NetPnLUSD: 1.5}, now); released {
		t.Fatalf("expected second settle ignored")
	}
	st = gate.Snapshot(now)
	if st.EquityUSD != 10001.5 {
		t.Fatalf("expected equity unchanged after duplicate settle, got %v", st.EquityUSD)
	}
}

func TestDailyLossHaltsTrading(t *testing.T) {
	gate := NewGate(riskConfig(), 0.001, time.Now().UTC())
	now := time.Now().UTC()
	if _, err := gate.Evaluate(opportunity("fp-1", 5), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := gate.Settle(Settlement{Fingerprint: "fp-1", Instrument: "BTC/USD", NetPnLUSD: -120}, now)
	if !st.Halted {
		t.Fatalf("expected halt after 120 loss against 100 limit")
	}
	if _, err := gate.Evaluate(opportunity("fp-2", 5), now); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
}

func TestDailyLossHaltClearsNextDay(t *testing.T) {
	gate := NewGate(riskConfig(), 0.001, time.Now().UTC())
	now := time.Now().UTC()
	if _, err := gate.Evaluate(opportunity("fp-1", 5), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gate.Settle(Settlement{Fingerprint: "fp-1", Instrument: "BTC/USD", NetPnLUSD: -120}, now)

	tomorrow := now.Add(24 * time.Hour)
	if _, err := gate.Evaluate(opportunity("fp-2", 5), tomorrow); err != nil {
		t.Fatalf("expected halt cleared at daily reset, got %v", err)
	}
	st := gate.Snapshot(tomorrow)
	if st.DailyLossUSD != 0 {
		t.Fatalf("expected daily loss reset, got %v", st.DailyLossUSD)
	}
}

func TestDrawdownHaltPersistsAcrossDays(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxDailyLossUSD = 10000
	gate := NewGate(cfg, 0.001, time.Now().UTC())
	now := time.Now().UTC()
	if _, err := gate.Evaluate(opportunity("fp-1", 5), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := gate.Settle(Settlement{Fingerprint: "fp-1", Instrument: "BTC/USD", NetPnLUSD: -1500}, now)
	if !st.Halted {
		t.Fatalf("expected halt after 15%% drawdown")
	}
	tomorrow := now.Add(24 * time.Hour)
	if _, err := gate.Evaluate(opportunity("fp-2", 5), tomorrow); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected drawdown halt to survive daily reset, got %v", err)
	}
}

func TestRestoreSeedsStateWithoutReservations(t *testing.T) {
	gate := NewGate(riskConfig(), 0.001, time.Now().UTC())
	gate.Restore(9500, 10200, 40, -40, time.Now().UTC())
	st := gate.Snapshot(time.Now().UTC())
	if st.EquityUSD != 9500 {
		t.Fatalf("expected equity 9500, got %v", st.EquityUSD)
	}
	if st.PeakEquityUSD != 10200 {
		t.Fatalf("expected peak 10200, got %v", st.PeakEquityUSD)
	}
	if st.DailyLossUSD != 40 {
		t.Fatalf("expected daily loss 40, got %v", st.DailyLossUSD)
	}
	if st.OpenTrades != 0 {
		t.Fatalf("expected no reservations restored, got %d", st.OpenTrades)
	}
}

// Concurrent evaluations must never jointly overshoot the concurrency or
// exposure ceilings, whatever the interleaving.
func TestConcurrentEvaluateRespectsLimits(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxConcurrentTrades = 4
	cfg.MaxInstrumentExposure = 2500
	cfg.MaxTotalExposure = 2500
	gate := NewGate(cfg, 0.001, time.Now().UTC())
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var approved []Approved
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := gate.Evaluate(opportunity(fmt.Sprintf("fp-%d", i), 8), now)
			if err != nil {
				return
			}
			mu.Lock()
			approved = append(approved, a)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(approved) > cfg.MaxConcurrentTrades {
		t.Fatalf("approved %d trades against limit %d", len(approved), cfg.MaxConcurrentTrades)
	}
	var total float64
	for _, a := range approved {
		if a.NotionalUSD > cfg.MaxPositionUSD {
			t.Fatalf("approved notional %v above position cap", a.NotionalUSD)
		}
		total += a.NotionalUSD
	}
	if total > cfg.MaxTotalExposure {
		t.Fatalf("aggregate reserved %v above exposure ceiling %v", total, cfg.MaxTotalExposure)
	}
	st := gate.Snapshot(now)
	if st.TotalExposureUSD != total {
		t.Fatalf("expected snapshot exposure %v, got %v", total, st.TotalExposureUSD)
	}
}
