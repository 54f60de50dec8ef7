package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cross-arb-bot/internal/config"
	"cross-arb-bot/internal/detector"
	"cross-arb-bot/internal/ledger"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Writer persists trade results and detected opportunities to
// Timescale/Postgres off the decision path. Enqueue never blocks; rows are
// dropped when the queue is full.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	trades    chan ledger.TradeResult
	opps      chan detector.Opportunity
	started   atomic.Bool
	dropTrade atomic.Uint64
	dropOpp   atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		trades: make(chan ledger.TradeResult, queueSize),
		opps:   make(chan detector.Opportunity, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Close flushes whatever is still queued before releasing the pool. The
// engine settles in-flight executions after the run context ends, so rows
// can arrive between loop exit and Close.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	w.drain()
	return w.db.Close()
}

func (w *Writer) EnqueueTrade(result ledger.TradeResult) {
	if w == nil {
		return
	}
	select {
	case w.trades <- result:
	default:
		if w.dropTrade.Add(1) == 1 && w.log != nil {
			w.log.Warn("history trade queue full")
		}
	}
}

func (w *Writer) EnqueueOpportunity(opp detector.Opportunity) {
	if w == nil {
		return
	}
	select {
	case w.opps <- opp:
	default:
		if w.dropOpp.Add(1) == 1 && w.log != nil {
			w.log.Warn("history opportunity queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case result := <-w.trades:
			w.writeTrade(ctx, result)
		case opp := <-w.opps:
			w.writeOpportunity(ctx, opp)
		}
	}
}

// drain writes out every row already enqueued, on a fresh context because
// the run context is canceled by the time it is called.
func (w *Writer) drain() {
	for {
		select {
		case result := <-w.trades:
			w.writeTrade(context.Background(), result)
		case opp := <-w.opps:
			w.writeOpportunity(context.Background(), opp)
		default:
			return
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		plan_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		instrument TEXT NOT NULL,
		buy_venue TEXT NOT NULL,
		sell_venue TEXT NOT NULL,
		outcome TEXT NOT NULL,
		buy_qty DOUBLE PRECISION NOT NULL,
		buy_price DOUBLE PRECISION NOT NULL,
		sell_qty DOUBLE PRECISION NOT NULL,
		sell_price DOUBLE PRECISION NOT NULL,
		fees_usd DOUBLE PRECISION NOT NULL,
		net_pnl_usd DOUBLE PRECISION NOT NULL,
		unhedged BOOLEAN NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	)`, w.table("arb_trades"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		fingerprint TEXT NOT NULL,
		instrument TEXT NOT NULL,
		buy_venue TEXT NOT NULL,
		sell_venue TEXT NOT NULL,
		buy_price DOUBLE PRECISION NOT NULL,
		sell_price DOUBLE PRECISION NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		net_profit_usd DOUBLE PRECISION NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL
	)`, w.table("arb_opportunities"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"arb_trades", "arb_opportunities"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeTrade(ctx context.Context, result ledger.TradeResult) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, plan_id, fingerprint, instrument, buy_venue, sell_venue, outcome,
		buy_qty, buy_price, sell_qty, sell_price, fees_usd, net_pnl_usd, unhedged, reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)`, w.table("arb_trades"))
	if _, err := w.db.ExecContext(ctx, query,
		result.CompletedAt,
		result.PlanID,
		result.Fingerprint,
		result.Instrument,
		result.BuyVenue,
		result.SellVenue,
		string(result.Outcome),
		result.BuyQty,
		result.BuyPrice,
		result.SellQty,
		result.SellPrice,
		result.FeesUSD,
		result.NetPnLUSD,
		result.Unhedged,
		result.Reason,
	); err != nil && w.log != nil {
		w.log.Warn("history trade insert failed", zap.Error(err))
	}
}

func (w *Writer) writeOpportunity(ctx context.Context, opp detector.Opportunity) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, fingerprint, instrument, buy_venue, sell_venue,
		buy_price, sell_price, size, net_profit_usd, notional_usd
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("arb_opportunities"))
	if _, err := w.db.ExecContext(ctx, query,
		opp.DetectedAt,
		opp.Fingerprint,
		opp.Instrument,
		opp.BuyVenue,
		opp.SellVenue,
		opp.BuyPrice,
		opp.SellPrice,
		opp.Size,
		opp.NetProfit,
		opp.NotionalUSD,
	); err != nil && w.log != nil {
		w.log.Warn("history opportunity insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
