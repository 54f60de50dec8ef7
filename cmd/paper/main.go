// Command paper runs the full pipeline against two simulated venues whose
// quotes drift around a biased spread, so detections and executions happen
// within seconds. Useful for exercising the bot end to end without capital.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cross-arb-bot/internal/config"
	"cross-arb-bot/internal/engine"
	"cross-arb-bot/internal/logging"
	"cross-arb-bot/internal/venue"
	"cross-arb-bot/internal/venue/paper"

	"go.uber.org/zap"
)

func main() {
	duration := flag.Duration("duration", time.Minute, "how long to run the simulation")
	flag.Parse()

	cfg := demoConfig()
	log := logging.New(cfg.Log)

	alpha := paper.New("alpha", 0.001)
	beta := paper.New("beta", 0.001)
	for _, instrument := range cfg.Instruments {
		base := basePrice(instrument)
		// Alpha quotes below beta, so buy-alpha/sell-beta clears fees.
		alpha.SetQuote(instrument, base*0.998, base*0.999)
		beta.SetQuote(instrument, base*1.006, base*1.007)
	}
	venues := map[string]venue.Client{"alpha": alpha, "beta": beta}

	eng, err := engine.New(cfg, venues, nil, log)
	if err != nil {
		log.Error("failed to initialize engine", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				alpha.Jitter(0.001)
				beta.Jitter(0.001)
			}
		}
	}()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		log.Error("engine terminated", zap.Error(err))
		os.Exit(1)
	}

	stats := eng.Ledger().Stats()
	st := eng.Gate().Snapshot(time.Now().UTC())
	fmt.Printf("simulation finished: %d trades (%d wins, %d losses), net $%.2f, equity $%.2f\n",
		stats.Trades, stats.Wins, stats.Losses, stats.NetUSD(), st.EquityUSD)
}

func demoConfig() *config.Config {
	cfg := &config.Config{
		Log: config.LoggingConfig{Level: "info"},
		Venues: []config.VenueConfig{
			{Name: "alpha"},
			{Name: "beta"},
		},
		Instruments: []string{"BTC/USD", "ETH/USD"},
	}
	cfg.Detector.ScanInterval = time.Second
	cfg.Execution.LegTimeout = 2 * time.Second
	cfg.State.SQLitePath = "data/paper-sim.db"
	return mustLoadDefaults(cfg)
}

func mustLoadDefaults(cfg *config.Config) *config.Config {
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func basePrice(instrument string) float64 {
	switch instrument {
	case "BTC/USD":
		return 60000
	case "ETH/USD":
		return 3000
	default:
		return 100
	}
}
