package feed

import (
	"sync"
	"time"

	"cross-arb-bot/internal/venue"
)

type bookKey struct {
	venue      string
	instrument string
}

// Book holds the latest quote per (venue, instrument). Writes are
// last-writer-wins keyed by quote timestamp: an update older than (or equal
// to) the stored quote is discarded, so readers never observe an entry
// regressing.
type Book struct {
	staleness time.Duration

	mu     sync.RWMutex
	quotes map[bookKey]venue.Quote
}

func NewBook(staleness time.Duration) *Book {
	return &Book{
		staleness: staleness,
		quotes:    make(map[bookKey]venue.Quote),
	}
}

// Update stores the quote and reports whether it was accepted.
func (b *Book) Update(q venue.Quote) bool {
	if q.Venue == "" || q.Instrument == "" || q.Bid <= 0 || q.Ask <= 0 {
		return false
	}
	key := bookKey{venue: q.Venue, instrument: q.Instrument}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.quotes[key]; ok && !q.Time.After(existing.Time) {
		return false
	}
	b.quotes[key] = q
	return true
}

// Snapshot is the cross-venue view used for one detection cycle: per
// instrument, every venue's latest non-stale quote.
type Snapshot struct {
	Quotes map[string]map[string]venue.Quote
	Taken  time.Time
}

// Snapshot copies out all quotes no older than the staleness threshold.
// Expired quotes are excluded entirely, never surfaced to consumers.
func (b *Book) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Quotes: make(map[string]map[string]venue.Quote),
		Taken:  now,
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for key, q := range b.quotes {
		if b.staleness > 0 && now.Sub(q.Time) > b.staleness {
			continue
		}
		byVenue, ok := snap.Quotes[key.instrument]
		if !ok {
			byVenue = make(map[string]venue.Quote)
			snap.Quotes[key.instrument] = byVenue
		}
		byVenue[key.venue] = q
	}
	return snap
}

// Quote returns the latest stored quote regardless of staleness.
func (b *Book) Quote(venueName, instrument string) (venue.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[bookKey{venue: venueName, instrument: instrument}]
	return q, ok
}
