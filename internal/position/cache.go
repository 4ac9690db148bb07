// Package position maintains the local view of open positions, derived from
// applied fills and venue pushes, and checks it against venue snapshots.
package position

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"perpgate/internal/journal"
	"perpgate/pkg/connector"
)

// Mismatch describes a divergence between the local position view and a
// venue snapshot. Mismatches are surfaced, never auto-corrected.
type Mismatch struct {
	Venue     string
	Account   string
	Symbol    string
	LocalSize float64
	VenueSize float64
	At        time.Time
}

// Config tunes reconciliation.
type Config struct {
	// Tolerance is the absolute size delta below which local and venue
	// positions are considered equal.
	Tolerance float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Tolerance: 1e-4}
}

type posKey struct {
	venue   string
	account string
	symbol  string
}

type state struct {
	pos         connector.Position
	needsReview bool
}

// Cache tracks positions per (venue, account, symbol). Size is signed:
// positive long, negative short.
type Cache struct {
	cfg Config
	jw  journal.Writer
	log *zap.Logger

	mu         sync.RWMutex
	positions  map[posKey]*state
	onMismatch func(Mismatch)
}

// NewCache creates a Cache.
func NewCache(cfg Config, jw journal.Writer, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jw == nil {
		jw = journal.Nop{}
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-4
	}
	return &Cache{
		cfg:       cfg,
		jw:        jw,
		log:       logger,
		positions: make(map[posKey]*state),
	}
}

// OnMismatch registers a callback invoked for every reconciliation
// divergence beyond tolerance.
func (c *Cache) OnMismatch(fn func(Mismatch)) {
	c.mu.Lock()
	c.onMismatch = fn
	c.mu.Unlock()
}

// ApplyFill folds one fill into the position for its symbol. Buys add to
// the signed size, sells subtract; the entry price averages while the
// position grows, stays put while it shrinks, and resets when it flips.
func (c *Cache) ApplyFill(venue, account string, ev connector.OrderEvent) {
	if ev.FillQty <= 0 {
		return
	}
	delta := ev.FillQty
	if ev.Side == connector.SideSell {
		delta = -delta
	}

	key := posKey{venue: venue, account: account, symbol: ev.Symbol}

	c.mu.Lock()
	s, ok := c.positions[key]
	if !ok {
		s = &state{pos: connector.Position{Symbol: ev.Symbol}}
		c.positions[key] = s
	}

	prev := s.pos.Size
	next := prev + delta
	switch {
	case prev == 0 || sameSign(prev, delta):
		// Growing (or opening): volume-weighted entry.
		total := math.Abs(prev) + math.Abs(delta)
		if total > 0 {
			s.pos.EntryPrice = (s.pos.EntryPrice*math.Abs(prev) + ev.FillPrice*math.Abs(delta)) / total
		}
	case sameSign(prev, next) || next == 0:
		// Reducing: entry unchanged.
	default:
		// Flipped through zero: the residual opened at the fill price.
		s.pos.EntryPrice = ev.FillPrice
	}
	s.pos.Size = next
	s.pos.UpdatedAt = time.Now().UTC()
	snap := s.pos
	c.mu.Unlock()

	c.record(journal.Fact{
		Kind: journal.FactPosition, Venue: venue, Account: account,
		Symbol: ev.Symbol, Detail: "fill applied",
	})
	c.log.Debug("fill applied to position",
		zap.String("venue", venue),
		zap.String("account", account),
		zap.String("symbol", ev.Symbol),
		zap.Float64("size", snap.Size))
}

// ApplyPush overwrites the local view with a venue-pushed position update.
// Pushes are authoritative for the fields they carry.
func (c *Cache) ApplyPush(venue, account string, ev connector.PositionEvent) {
	key := posKey{venue: venue, account: account, symbol: ev.Symbol}

	c.mu.Lock()
	s, ok := c.positions[key]
	if !ok {
		s = &state{}
		c.positions[key] = s
	}
	s.pos = connector.Position{
		Symbol:        ev.Symbol,
		Size:          ev.Size,
		EntryPrice:    ev.EntryPrice,
		MarkPrice:     ev.MarkPrice,
		UnrealizedPnL: ev.UnrealizedPnL,
		UpdatedAt:     time.Now().UTC(),
	}
	c.mu.Unlock()
}

// MarkPrice refreshes the mark price and recomputes unrealized PnL for one
// symbol across every account holding it on the venue.
func (c *Cache) MarkPrice(venue, symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, s := range c.positions {
		if key.venue != venue || key.symbol != symbol {
			continue
		}
		s.pos.MarkPrice = price
		s.pos.UnrealizedPnL = (price - s.pos.EntryPrice) * s.pos.Size
	}
}

// Positions returns the non-flat positions for (venue, account).
func (c *Cache) Positions(venue, account string) []connector.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]connector.Position, 0)
	for key, s := range c.positions {
		if key.venue != venue || key.account != account {
			continue
		}
		if s.pos.Size == 0 {
			continue
		}
		out = append(out, s.pos)
	}
	return out
}

// Get returns the position for one symbol.
func (c *Cache) Get(venue, account, symbol string) (connector.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.positions[posKey{venue: venue, account: account, symbol: symbol}]
	if !ok {
		return connector.Position{}, false
	}
	return s.pos, true
}

// NeedsReview reports whether a symbol is flagged from a past mismatch.
func (c *Cache) NeedsReview(venue, account, symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.positions[posKey{venue: venue, account: account, symbol: symbol}]
	return ok && s.needsReview
}

// ResolveReview clears the review flag after operator action.
func (c *Cache) ResolveReview(venue, account, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.positions[posKey{venue: venue, account: account, symbol: symbol}]; ok {
		s.needsReview = false
	}
}

// Reconcile compares the local view for (venue, account) against a venue
// snapshot. Drift within tolerance is adopted from the snapshot.
// Divergence beyond tolerance flags the symbol for review and
// emits a mismatch; the local size is left untouched so the divergence
// stays visible until an operator resolves it. Returns the mismatches
// found.
func (c *Cache) Reconcile(venue, account string, snapshot []connector.Position) []Mismatch {
	venueBySymbol := make(map[string]connector.Position, len(snapshot))
	for _, p := range snapshot {
		venueBySymbol[p.Symbol] = p
	}

	now := time.Now().UTC()
	var mismatches []Mismatch

	c.mu.Lock()
	seen := make(map[string]bool)
	for key, s := range c.positions {
		if key.venue != venue || key.account != account {
			continue
		}
		seen[key.symbol] = true
		vp := venueBySymbol[key.symbol] // zero value means flat on venue
		if math.Abs(s.pos.Size-vp.Size) <= c.cfg.Tolerance {
			// Sub-tolerance drift (rounding, fee dust) is adopted
			// silently; margin and leverage are venue-authoritative.
			s.pos.Size = vp.Size
			s.pos.Margin = vp.Margin
			s.pos.Leverage = vp.Leverage
			if vp.EntryPrice != 0 {
				s.pos.EntryPrice = vp.EntryPrice
			}
			continue
		}
		s.needsReview = true
		mismatches = append(mismatches, Mismatch{
			Venue: venue, Account: account, Symbol: key.symbol,
			LocalSize: s.pos.Size, VenueSize: vp.Size, At: now,
		})
	}
	// Venue positions the local view never saw.
	for symbol, vp := range venueBySymbol {
		if seen[symbol] || math.Abs(vp.Size) <= c.cfg.Tolerance {
			continue
		}
		key := posKey{venue: venue, account: account, symbol: symbol}
		s, ok := c.positions[key]
		if !ok {
			s = &state{pos: connector.Position{Symbol: symbol}}
			c.positions[key] = s
		}
		s.needsReview = true
		mismatches = append(mismatches, Mismatch{
			Venue: venue, Account: account, Symbol: symbol,
			LocalSize: s.pos.Size, VenueSize: vp.Size, At: now,
		})
	}
	hook := c.onMismatch
	c.mu.Unlock()

	for _, mm := range mismatches {
		c.record(journal.Fact{
			Kind: journal.FactMismatch, Venue: venue, Account: account,
			Symbol: mm.Symbol, Detail: "position size diverged from venue snapshot",
		})
		c.log.Warn("position mismatch",
			zap.String("venue", venue),
			zap.String("account", account),
			zap.String("symbol", mm.Symbol),
			zap.Float64("local", mm.LocalSize),
			zap.Float64("venue", mm.VenueSize))
		if hook != nil {
			hook(mm)
		}
	}
	return mismatches
}

func (c *Cache) record(f journal.Fact) {
	if err := c.jw.Record(context.Background(), f); err != nil {
		c.log.Warn("journal write failed", zap.Error(err))
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
