package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cross-arb-bot/internal/alerts"
	"cross-arb-bot/internal/config"
	"cross-arb-bot/internal/detector"
	"cross-arb-bot/internal/exec"
	"cross-arb-bot/internal/feed"
	"cross-arb-bot/internal/history"
	"cross-arb-bot/internal/ledger"
	"cross-arb-bot/internal/metrics"
	"cross-arb-bot/internal/risk"
	"cross-arb-bot/internal/state"
	"cross-arb-bot/internal/state/sqlite"
	"cross-arb-bot/internal/venue"
	"cross-arb-bot/internal/venue/paper"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	snapshotInterval = 30 * time.Second
	statsInterval    = time.Minute
	dayFormat        = "2006-01-02"
)

// Engine owns the full pipeline: quote ingestion into the book, periodic
// detection scans, risk admission, concurrent execution and settlement into
// the ledger. One Engine runs one bot process.
type Engine struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	book        *feed.Book
	pollers     []*feed.Poller
	streams     []*feed.Stream
	detector    *detector.Detector
	gate        *risk.Gate
	ledger      *ledger.Ledger
	coordinator *exec.Coordinator
	notifier    *alerts.Notifier
	history     *history.Writer
	store       state.Store
	dedup       *dedup

	wg           sync.WaitGroup
	haltNotified atomic.Bool
}

// BuildVenues constructs execution clients from configuration. Only paper
// venues exist today; live adapters plug in here.
func BuildVenues(cfg *config.Config) (map[string]venue.Client, error) {
	venues := make(map[string]venue.Client, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		switch vc.Type {
		case "paper":
			venues[vc.Name] = paper.New(vc.Name, vc.TakerFeeRate)
		default:
			return nil, fmt.Errorf("unknown venue type %q for venue %s", vc.Type, vc.Name)
		}
	}
	return venues, nil
}

// New wires the pipeline around the supplied venue clients. A nil metrics
// argument falls back to no-op instruments.
func New(cfg *config.Config, venues map[string]venue.Client, m *metrics.Metrics, log *zap.Logger) (*Engine, error) {
	if m == nil {
		m = metrics.NewNoop()
	}
	for _, vc := range cfg.Venues {
		if _, ok := venues[vc.Name]; !ok {
			return nil, fmt.Errorf("no client for configured venue %s", vc.Name)
		}
	}

	var store state.Store
	if cfg.State.SQLitePath != "" {
		if dir := filepath.Dir(cfg.State.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
		s, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		store = s
	}

	hist, err := history.New(cfg.History, log)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("open history writer: %w", err)
	}

	book := feed.NewBook(cfg.Feed.StalenessThreshold)
	gate := risk.NewGate(cfg.Risk, cfg.Detector.MinProfitThreshold, time.Now().UTC())

	fees := make(map[string]float64, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		fees[vc.Name] = vc.TakerFeeRate
	}
	det := detector.New(cfg.Detector, fees, gate)

	var sink ledger.Sink
	if hist != nil {
		sink = hist
	}
	led := ledger.New(gate, sink, log)

	coord := exec.New(exec.Config{
		LegTimeout:        cfg.Execution.LegTimeout,
		SlippageTolerance: cfg.Execution.SlippageTolerance,
		StopLossPct:       cfg.Risk.StopLossPct,
	}, venues, log)

	notifier := alerts.NewNotifier(alerts.NewTelegram(cfg.Telegram, log), 64, log)

	e := &Engine{
		cfg:         cfg,
		log:         log,
		metrics:     m,
		book:        book,
		detector:    det,
		gate:        gate,
		ledger:      led,
		coordinator: coord,
		notifier:    notifier,
		history:     hist,
		store:       store,
		dedup:       newDedup(2 * cfg.Detector.FingerprintBucket),
	}
	for _, vc := range cfg.Venues {
		if vc.QuoteWSURL != "" {
			e.streams = append(e.streams, feed.NewStream(
				vc.Name, vc.QuoteWSURL, vc.ReconnectDelay, vc.PingInterval,
				cfg.Instruments, book, log,
			))
			continue
		}
		e.pollers = append(e.pollers, feed.NewPoller(
			venues[vc.Name], book, cfg.Instruments, cfg.Feed.PollInterval, log,
		))
	}
	return e, nil
}

func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

func (e *Engine) Gate() *risk.Gate { return e.gate }

// Run drives the pipeline until ctx is cancelled. In-flight executions are
// given time to settle before the final risk snapshot is persisted.
func (e *Engine) Run(ctx context.Context) error {
	e.restoreRiskState(ctx)

	g, gctx := errgroup.WithContext(ctx)
	e.history.Start(gctx)
	g.Go(func() error { return e.notifier.Run(gctx) })
	for _, p := range e.pollers {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}
	for _, s := range e.streams {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error { return e.scanLoop(gctx) })
	g.Go(func() error { return e.housekeepingLoop(gctx) })

	err := g.Wait()
	e.wg.Wait()

	e.saveRiskState(context.Background())
	if e.history != nil {
		_ = e.history.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Detector.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.scanOnce(ctx)
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context) {
	now := time.Now().UTC()
	snap := e.book.Snapshot(now)
	for _, opp := range e.detector.Scan(snap) {
		e.metrics.OpportunitiesDetected.Inc()
		if !e.dedup.consume(opp.Fingerprint, now) {
			continue
		}
		e.history.EnqueueOpportunity(opp)

		approved, err := e.gate.Evaluate(opp, now)
		if err != nil {
			e.metrics.OpportunitiesRejected.Inc()
			e.log.Debug("opportunity rejected",
				zap.String("fingerprint", opp.Fingerprint),
				zap.String("instrument", opp.Instrument),
				zap.Error(err),
			)
			e.checkHalt(now)
			continue
		}
		e.metrics.OpportunitiesApproved.Inc()
		e.log.Info("opportunity approved",
			zap.String("instrument", approved.Opportunity.Instrument),
			zap.String("buy_venue", approved.Opportunity.BuyVenue),
			zap.String("sell_venue", approved.Opportunity.SellVenue),
			zap.Float64("quantity", approved.Quantity),
			zap.Float64("expected_net_usd", approved.NetProfitUSD),
		)
		e.notifier.Publish(alerts.Event{
			Kind: alerts.EventOpportunity,
			Text: fmt.Sprintf("Opportunity %s: buy %s @ %.6f, sell %s @ %.6f, qty %.4f, expected net $%.2f",
				approved.Opportunity.Instrument,
				approved.Opportunity.BuyVenue, approved.Opportunity.BuyPrice,
				approved.Opportunity.SellVenue, approved.Opportunity.SellPrice,
				approved.Quantity, approved.NetProfitUSD),
		})

		e.wg.Add(1)
		e.metrics.InFlight.Inc()
		// Detached from the scan context so a shutdown does not strand a
		// half-executed plan; the leg timeouts bound the detached work.
		go e.execute(context.WithoutCancel(ctx), approved)
	}
	e.dedup.cleanup(now)
}

func (e *Engine) execute(ctx context.Context, approved risk.Approved) {
	defer e.wg.Done()
	defer e.metrics.InFlight.Dec()

	result := e.coordinator.Execute(ctx, approved)
	st := e.ledger.Record(result)

	switch result.Outcome {
	case ledger.OutcomeCompleted:
		e.metrics.TradesCompleted.Inc()
	case ledger.OutcomePartiallyFilled:
		e.metrics.TradesPartial.Inc()
	case ledger.OutcomeAborted:
		e.metrics.TradesAborted.Inc()
	case ledger.OutcomeFailed:
		e.metrics.TradesFailed.Inc()
	}

	if result.Outcome != ledger.OutcomeAborted {
		e.notifier.Publish(alerts.Event{
			Kind: alerts.EventTrade,
			Text: fmt.Sprintf("Trade %s %s: %s, net $%.2f (equity $%.2f)",
				result.PlanID, result.Instrument, result.Outcome, result.NetPnLUSD, st.EquityUSD),
		})
	}
	if result.Unhedged {
		e.notifier.Publish(alerts.Event{
			Kind: alerts.EventError,
			Text: fmt.Sprintf("UNHEDGED position on %s (%s): %s", result.Instrument, result.BuyVenue, result.Reason),
		})
	}
	e.notifyHalt(st)
}

func (e *Engine) checkHalt(now time.Time) {
	e.notifyHalt(e.gate.Snapshot(now))
}

// notifyHalt alerts once per halt episode. The flag re-arms when the gate is
// observed running again, so the next day's breach alerts too.
func (e *Engine) notifyHalt(st risk.RiskState) {
	if !st.Halted {
		e.haltNotified.Store(false)
		return
	}
	if !e.haltNotified.CompareAndSwap(false, true) {
		return
	}
	e.metrics.HaltEngaged.Inc()
	e.log.Error("risk halt engaged",
		zap.String("reason", st.HaltReason),
		zap.Float64("equity_usd", st.EquityUSD),
		zap.Float64("daily_loss_usd", st.DailyLossUSD),
		zap.Float64("drawdown", st.Drawdown),
	)
	e.notifier.Publish(alerts.Event{
		Kind: alerts.EventRiskBreach,
		Text: fmt.Sprintf("TRADING HALTED: %s (equity $%.2f, daily loss $%.2f, drawdown %.2f%%)",
			st.HaltReason, st.EquityUSD, st.DailyLossUSD, st.Drawdown*100),
	})
}

func (e *Engine) housekeepingLoop(ctx context.Context) error {
	snapTicker := time.NewTicker(snapshotInterval)
	defer snapTicker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-snapTicker.C:
			e.saveRiskState(ctx)
		case <-statsTicker.C:
			e.logStats()
		}
	}
}

func (e *Engine) logStats() {
	now := time.Now().UTC()
	st := e.gate.Snapshot(now)
	stats := e.ledger.Stats()
	e.log.Info("daily stats",
		zap.Int("trades", stats.Trades),
		zap.Int("wins", stats.Wins),
		zap.Int("losses", stats.Losses),
		zap.Float64("net_usd", stats.NetUSD()),
		zap.Float64("equity_usd", st.EquityUSD),
		zap.Float64("total_exposure_usd", st.TotalExposureUSD),
		zap.Int("open_trades", st.OpenTrades),
		zap.Bool("halted", st.Halted),
	)
	e.notifyHalt(st)
}

func (e *Engine) restoreRiskState(ctx context.Context) {
	snap, ok, err := state.LoadRiskSnapshot(ctx, e.store)
	if err != nil {
		e.log.Warn("risk snapshot load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var day time.Time
	if snap.Day != "" {
		if parsed, err := time.Parse(dayFormat, snap.Day); err == nil {
			day = parsed
		}
	}
	e.gate.Restore(snap.EquityUSD, snap.PeakEquityUSD, snap.DailyLossUSD, snap.RealizedPnLTodayUSD, day)
	e.log.Info("risk state restored",
		zap.Float64("equity_usd", snap.EquityUSD),
		zap.Float64("daily_loss_usd", snap.DailyLossUSD),
		zap.String("day", snap.Day),
	)
}

func (e *Engine) saveRiskState(ctx context.Context) {
	if e.store == nil {
		return
	}
	now := time.Now().UTC()
	st := e.gate.Snapshot(now)
	err := state.SaveRiskSnapshot(ctx, e.store, state.RiskSnapshot{
		EquityUSD:           st.EquityUSD,
		PeakEquityUSD:       st.PeakEquityUSD,
		DailyLossUSD:        st.DailyLossUSD,
		RealizedPnLTodayUSD: st.RealizedPnLTodayUSD,
		Day:                 st.Day.Format(dayFormat),
		UpdatedAtMS:         now.UnixMilli(),
	})
	if err != nil {
		e.log.Warn("risk snapshot save failed", zap.Error(err))
	}
}
