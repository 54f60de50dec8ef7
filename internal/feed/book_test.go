package feed

import (
	"testing"
	"time"

	"cross-arb-bot/internal/venue"
)

func quoteAt(venueName, instrument string, bid, ask float64, at time.Time) venue.Quote {
	return venue.Quote{
		Venue:      venueName,
		Instrument: instrument,
		Bid:        bid,
		Ask:        ask,
		BidSize:    10,
		AskSize:    10,
		Time:       at,
	}
}

func TestBookUpdateLastWriterWins(t *testing.T) {
	book := NewBook(5 * time.Second)
	now := time.Now().UTC()

	if !book.Update(quoteAt("alpha", "BTC/USD", 100, 101, now)) {
		t.Fatalf("expected first update accepted")
	}
	if book.Update(quoteAt("alpha", "BTC/USD", 99, 100, now.Add(-time.Second))) {
		t.Fatalf("expected older update rejected")
	}
	if book.Update(quoteAt("alpha", "BTC/USD", 99, 100, now)) {
		t.Fatalf("expected equal-timestamp update rejected")
	}
	if !book.Update(quoteAt("alpha", "BTC/USD", 102, 103, now.Add(time.Second))) {
		t.Fatalf("expected newer update accepted")
	}

	q, ok := book.Quote("alpha", "BTC/USD")
	if !ok {
		t.Fatalf("expected stored quote")
	}
	if q.Bid != 102 {
		t.Fatalf("expected bid 102, got %v", q.Bid)
	}
}

func TestBookRejectsInvalidQuotes(t *testing.T) {
	book := NewBook(5 * time.Second)
	now := time.Now().UTC()
	if book.Update(quoteAt("", "BTC/USD", 100, 101, now)) {
		t.Fatalf("expected missing venue rejected")
	}
	if book.Update(quoteAt("alpha", "", 100, 101, now)) {
		t.Fatalf("expected missing instrument rejected")
	}
	if book.Update(quoteAt("alpha", "BTC/USD", 0, 101, now)) {
		t.Fatalf("expected zero bid rejected")
	}
	if book.Update(quoteAt("alpha", "BTC/USD", 100, -1, now)) {
		t.Fatalf("expected negative ask rejected")
	}
}

func TestSnapshotExcludesStaleQuotes(t *testing.T) {
	book := NewBook(5 * time.Second)
	now := time.Now().UTC()
	book.Update(quoteAt("alpha", "BTC/USD", 100, 101, now.Add(-10*time.Second)))
	book.Update(quoteAt("beta", "BTC/USD", 100, 101, now.Add(-time.Second)))

	snap := book.Snapshot(now)
	byVenue := snap.Quotes["BTC/USD"]
	if _, ok := byVenue["alpha"]; ok {
		t.Fatalf("expected stale alpha quote excluded")
	}
	if _, ok := byVenue["beta"]; !ok {
		t.Fatalf("expected fresh beta quote included")
	}
}

func TestSnapshotGroupsByInstrument(t *testing.T) {
	book := NewBook(5 * time.Second)
	now := time.Now().UTC()
	book.Update(quoteAt("alpha", "BTC/USD", 100, 101, now))
	book.Update(quoteAt("beta", "BTC/USD", 102, 103, now))
	book.Update(quoteAt("alpha", "ETH/USD", 50, 51, now))

	snap := book.Snapshot(now)
	if len(snap.Quotes) != 2 {
		t.Fatalf("expected two instruments, got %d", len(snap.Quotes))
	}
	if len(snap.Quotes["BTC/USD"]) != 2 {
		t.Fatalf("expected two venues for BTC/USD, got %d", len(snap.Quotes["BTC/USD"]))
	}
	if !snap.Taken.Equal(now) {
		t.Fatalf("expected snapshot time %v, got %v", now, snap.Taken)
	}
}
