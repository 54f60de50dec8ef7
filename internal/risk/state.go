package risk

import "time"

// RiskState is a consistent copy of the gate's mutable aggregate. All fields
// are observed under the gate's lock; callers get a value, never a live view.
type RiskState struct {
	EquityUSD             float64
	PeakEquityUSD         float64
	RealizedPnLTodayUSD   float64
	DailyLossUSD          float64
	Drawdown              float64
	OpenTrades            int
	ReservedNotionalUSD   float64
	TotalExposureUSD      float64
	InstrumentExposureUSD map[string]float64
	Day                   time.Time
	Halted                bool
	HaltReason            string
}

type reservation struct {
	instrument  string
	notionalUSD float64
}

// Settlement releases an approval's reservation and folds a trade outcome
// into the aggregate.
type Settlement struct {
	Fingerprint string
	Instrument  string
	NetPnLUSD   float64
}
