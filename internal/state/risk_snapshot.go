package state

import (
	"context"
	"encoding/json"
	"strings"
)

const RiskSnapshotKey = "risk:last_snapshot"

// RiskSnapshot persists the parts of the risk aggregate that must survive a
// restart: equity, the day's loss counters and the peak used for drawdown.
// Reservations are deliberately absent; in-flight work dies with the process.
type RiskSnapshot struct {
	EquityUSD           float64 `json:"equity_usd"`
	PeakEquityUSD       float64 `json:"peak_equity_usd"`
	DailyLossUSD        float64 `json:"daily_loss_usd"`
	RealizedPnLTodayUSD float64 `json:"realized_pnl_today_usd"`
	Day                 string  `json:"day"`
	UpdatedAtMS         int64   `json:"updated_at_ms"`
}

func LoadRiskSnapshot(ctx context.Context, store Store) (RiskSnapshot, bool, error) {
	if store == nil {
		return RiskSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, RiskSnapshotKey)
	if err != nil {
		return RiskSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return RiskSnapshot{}, false, nil
	}
	var snapshot RiskSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return RiskSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveRiskSnapshot(ctx context.Context, store Store, snapshot RiskSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, RiskSnapshotKey, string(payload))
}
