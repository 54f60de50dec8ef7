package detector

import (
	"fmt"
	"sort"
	"time"

	"cross-arb-bot/internal/config"
	"cross-arb-bot/internal/feed"
)

// Opportunity is one executable cross-venue price discrepancy. Economics are
// carried per unit so the risk gate can re-check profitability after
// resizing.
type Opportunity struct {
	Instrument  string
	BuyVenue    string
	SellVenue   string
	BuyPrice    float64
	SellPrice   float64
	Size        float64
	GrossSpread float64
	NetPerUnit  float64
	NetProfit   float64
	NotionalUSD float64
	DetectedAt  time.Time
	Fingerprint string
}

// Sizer supplies the risk gate's ceiling on candidate quantity at detection
// time. The authoritative sizing still happens inside Evaluate.
type Sizer interface {
	MaxQuantity(instrument string, price float64) float64
}

type Detector struct {
	cfg   config.DetectorConfig
	fees  map[string]float64
	sizer Sizer
}

func New(cfg config.DetectorConfig, venueFees map[string]float64, sizer Sizer) *Detector {
	return &Detector{cfg: cfg, fees: venueFees, sizer: sizer}
}

// Scan walks every instrument and every ordered venue pair in the snapshot
// and returns the top-N candidates ranked by net profit, descending.
func (d *Detector) Scan(snap feed.Snapshot) []Opportunity {
	var found []Opportunity
	for instrument, byVenue := range snap.Quotes {
		for buyVenue, buyQuote := range byVenue {
			for sellVenue, sellQuote := range byVenue {
				if buyVenue == sellVenue {
					continue
				}
				opp, ok := d.evaluatePair(instrument, buyQuote.Ask, sellQuote.Bid, buyQuote.AskSize, sellQuote.BidSize, buyVenue, sellVenue, snap.Taken)
				if ok {
					found = append(found, opp)
				}
			}
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].NetProfit > found[j].NetProfit
	})
	if d.cfg.TopN > 0 && len(found) > d.cfg.TopN {
		found = found[:d.cfg.TopN]
	}
	return found
}

func (d *Detector) evaluatePair(instrument string, ask, bid, askSize, bidSize float64, buyVenue, sellVenue string, at time.Time) (Opportunity, bool) {
	if ask <= 0 || bid <= 0 {
		return Opportunity{}, false
	}
	gross := bid - ask
	if gross <= 0 {
		return Opportunity{}, false
	}
	// A spread this wide is bad data, not free money.
	if d.cfg.MaxSpreadFraction > 0 && gross/ask > d.cfg.MaxSpreadFraction {
		return Opportunity{}, false
	}
	size := d.candidateSize(instrument, ask, askSize, bidSize)
	if size <= 0 {
		return Opportunity{}, false
	}
	feesPerUnit := d.fees[buyVenue]*ask + d.fees[sellVenue]*bid
	slippagePerUnit := d.cfg.SlippageFraction * (ask + bid)
	netPerUnit := gross - feesPerUnit - slippagePerUnit
	notional := ask * size
	net := netPerUnit * size
	if net/notional < d.cfg.MinProfitThreshold {
		return Opportunity{}, false
	}
	return Opportunity{
		Instrument:  instrument,
		BuyVenue:    buyVenue,
		SellVenue:   sellVenue,
		BuyPrice:    ask,
		SellPrice:   bid,
		Size:        size,
		GrossSpread: gross,
		NetPerUnit:  netPerUnit,
		NetProfit:   net,
		NotionalUSD: notional,
		DetectedAt:  at,
		Fingerprint: Fingerprint(buyVenue, sellVenue, instrument, at, d.cfg.FingerprintBucket),
	}, true
}

func (d *Detector) candidateSize(instrument string, price, askSize, bidSize float64) float64 {
	size := d.sizer.MaxQuantity(instrument, price)
	if askSize > 0 && askSize < size {
		size = askSize
	}
	if bidSize > 0 && bidSize < size {
		size = bidSize
	}
	return size
}

// Fingerprint identifies one detected opportunity instance for deduplication.
// Detections of the same pair within one time bucket collapse to the same
// fingerprint.
func Fingerprint(buyVenue, sellVenue, instrument string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Second
	}
	return fmt.Sprintf("%s|%s|%s|%d", buyVenue, sellVenue, instrument, at.Truncate(bucket).Unix())
}
