// Package market keeps the latest ticker per (venue, symbol) from the
// multiplexed market events.
package market

import (
	"sync"
	"time"

	"perpgate/pkg/connector"
)

// Ticker is the cached view of one symbol.
type Ticker struct {
	Symbol      string
	LastPrice   float64
	BidPrice    float64
	AskPrice    float64
	FundingRate float64
	UpdatedAt   time.Time
}

type tickerKey struct {
	venue  string
	symbol string
}

// Cache is a last-value ticker store.
type Cache struct {
	mu      sync.RWMutex
	tickers map[tickerKey]Ticker
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{tickers: make(map[tickerKey]Ticker)}
}

// Apply folds a market event into the cache.
func (c *Cache) Apply(venue string, ev connector.MarketEvent) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	c.mu.Lock()
	c.tickers[tickerKey{venue: venue, symbol: ev.Symbol}] = Ticker{
		Symbol:      ev.Symbol,
		LastPrice:   ev.LastPrice,
		BidPrice:    ev.BidPrice,
		AskPrice:    ev.AskPrice,
		FundingRate: ev.FundingRate,
		UpdatedAt:   at,
	}
	c.mu.Unlock()
}

// Get returns the cached ticker for (venue, symbol).
func (c *Cache) Get(venue, symbol string) (Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[tickerKey{venue: venue, symbol: symbol}]
	return t, ok
}

// Symbols lists the symbols cached for a venue.
func (c *Cache) Symbols(venue string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0)
	for k := range c.tickers {
		if k.venue == venue {
			out = append(out, k.symbol)
		}
	}
	return out
}
