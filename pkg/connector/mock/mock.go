// Package mock is an in-process venue adapter used for integration tests
// and local development. It honors the full connector contract: capability
// flags, sequenced events, idempotent placement, and a restartable stream.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perpgate/pkg/connector"
	"perpgate/pkg/verr"
)

// Option configures a Connector.
type Option func(*Connector)

// WithCapabilities overrides the advertised capabilities.
func WithCapabilities(caps connector.Capabilities) Option {
	return func(c *Connector) { c.caps = caps }
}

// WithAuthError makes Authenticate fail with the given error.
func WithAuthError(err error) Option {
	return func(c *Connector) { c.authErr = err }
}

// WithBalance seeds the account balance.
func WithBalance(total, available float64) Option {
	return func(c *Connector) {
		c.account = connector.AccountInfo{
			TotalBalance:     total,
			AvailableBalance: available,
			MarginBalance:    total,
		}
	}
}

// WithPlaceError makes the next n placements fail with err.
func WithPlaceError(err error, n int) Option {
	return func(c *Connector) {
		c.placeErr = err
		c.placeErrLeft = n
	}
}

// Connector is the mock venue. All state is in memory; events are stamped
// with a monotonically increasing sequence number when SequencedEvents is
// advertised.
type Connector struct {
	venue string

	mu           sync.Mutex
	caps         connector.Capabilities
	authErr      error
	authed       bool
	handle       connector.CredentialHandle
	orders       map[string]*connector.Order // by client order id
	positions    map[string]connector.Position
	account      connector.AccountInfo
	seqs         map[string]uint64 // per-order sequence counters
	nextVenueID  int
	stream       chan connector.Event
	placeErr     error
	placeErrLeft int
	closed       bool
}

// New creates a mock connector for the given venue name.
func New(venue string, opts ...Option) *Connector {
	c := &Connector{
		venue: venue,
		caps: connector.Capabilities{
			NativeModify:    true,
			IdempotentPlace: true,
			SequencedEvents: true,
			Limits: connector.RateLimits{
				OrderWrite: connector.Limit{PerSecond: 100, Burst: 50},
				Read:       connector.Limit{PerSecond: 100, Burst: 50},
				Connect:    connector.Limit{PerSecond: 10, Burst: 5},
			},
		},
		orders:    make(map[string]*connector.Order),
		positions: make(map[string]connector.Position),
		seqs:      make(map[string]uint64),
		account: connector.AccountInfo{
			TotalBalance:     100000,
			AvailableBalance: 100000,
			MarginBalance:    100000,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Factory returns a connector.Factory producing one mock per account.
func Factory(venue string, opts ...Option) connector.Factory {
	return func(connector.CredentialHandle) (connector.Connector, error) {
		return New(venue, opts...), nil
	}
}

func (c *Connector) Venue() string { return c.venue }

func (c *Connector) Capabilities() connector.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Connector) Authenticate(_ context.Context, handle connector.CredentialHandle) (connector.ConnStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authErr != nil {
		return connector.StatusDisconnected, c.authErr
	}
	if handle == "" {
		return connector.StatusDisconnected, verr.New(verr.KindAuth, c.venue, "empty credential handle")
	}
	c.authed = true
	c.handle = handle
	return connector.StatusAuthenticated, nil
}

func (c *Connector) PlaceOrder(_ context.Context, req connector.OrderRequest) (connector.OrderAck, error) {
	c.mu.Lock()

	if c.placeErrLeft > 0 {
		c.placeErrLeft--
		err := c.placeErr
		c.mu.Unlock()
		return connector.OrderAck{}, err
	}

	if existing, ok := c.orders[req.ClientOrderID]; ok {
		if c.caps.IdempotentPlace {
			ack := connector.OrderAck{
				VenueOrderID:  existing.VenueOrderID,
				ClientOrderID: existing.ClientOrderID,
				AckAt:         time.Now().UTC(),
			}
			c.mu.Unlock()
			return ack, nil
		}
		c.mu.Unlock()
		return connector.OrderAck{}, verr.Newf(verr.KindInvalidOrderParams, c.venue,
			"duplicate client order id %s", req.ClientOrderID)
	}

	if req.Qty*req.Price > c.account.AvailableBalance && req.Type == connector.OrderTypeLimit {
		c.mu.Unlock()
		return connector.OrderAck{}, verr.New(verr.KindInsufficientBalance, c.venue, "insufficient balance")
	}

	c.nextVenueID++
	o := &connector.Order{
		VenueOrderID:  fmt.Sprintf("%s-%d", c.venue, c.nextVenueID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Price:         req.Price,
		Status:        "OPEN",
		CreatedAt:     time.Now().UTC(),
	}
	c.orders[req.ClientOrderID] = o
	ack := connector.OrderAck{
		VenueOrderID:  o.VenueOrderID,
		ClientOrderID: o.ClientOrderID,
		AckAt:         time.Now().UTC(),
	}
	c.emitLocked(connector.Event{Order: &connector.OrderEvent{
		Type:          connector.EventAck,
		VenueOrderID:  o.VenueOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		RemainingQty:  o.Qty,
		At:            time.Now().UTC(),
	}})
	c.mu.Unlock()

	return ack, nil
}

func (c *Connector) CancelOrder(_ context.Context, ref connector.OrderRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o := c.findLocked(ref)
	if o == nil || o.Status != "OPEN" {
		// Cancel is idempotent: unknown or already-terminal is success.
		return nil
	}
	o.Status = "CANCELLED"
	c.emitLocked(connector.Event{Order: &connector.OrderEvent{
		Type:          connector.EventCancelAck,
		VenueOrderID:  o.VenueOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		At:            time.Now().UTC(),
	}})
	return nil
}

func (c *Connector) ModifyOrder(_ context.Context, ref connector.OrderRef, changes connector.ModifyChanges) (connector.OrderAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.caps.NativeModify {
		return connector.OrderAck{}, verr.New(verr.KindInvalidOrderParams, c.venue, "venue has no native modify")
	}
	o := c.findLocked(ref)
	if o == nil || o.Status != "OPEN" {
		return connector.OrderAck{}, verr.New(verr.KindNotFound, c.venue, "order not open")
	}
	if changes.Price != nil {
		o.Price = *changes.Price
	}
	if changes.Qty != nil {
		o.Qty = *changes.Qty
	}
	return connector.OrderAck{
		VenueOrderID:  o.VenueOrderID,
		ClientOrderID: o.ClientOrderID,
		AckAt:         time.Now().UTC(),
	}, nil
}

func (c *Connector) GetPositions(context.Context) ([]connector.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]connector.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out, nil
}

func (c *Connector) GetAccountInfo(context.Context) (connector.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.account
	info.UpdatedAt = time.Now().UTC()
	return info, nil
}

func (c *Connector) GetOpenOrders(context.Context) ([]connector.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]connector.Order, 0)
	for _, o := range c.orders {
		if o.Status == "OPEN" {
			out = append(out, *o)
		}
	}
	return out, nil
}

// StreamEvents returns a fresh event channel. A second call supersedes the
// first: the old channel is closed, mirroring a venue that allows one feed
// per session.
func (c *Connector) StreamEvents(context.Context) (<-chan connector.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, verr.New(verr.KindVenueUnavailable, c.venue, "connector closed")
	}
	if c.stream != nil {
		close(c.stream)
	}
	c.stream = make(chan connector.Event, 256)
	return c.stream, nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.stream != nil {
		close(c.stream)
		c.stream = nil
	}
	return nil
}

// Fill simulates the venue matching qty at price against an open order,
// emitting PARTIAL_FILL or FILL and moving the venue-side position.
func (c *Connector) Fill(clientOrderID string, qty, price float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[clientOrderID]
	if !ok || o.Status != "OPEN" {
		return verr.Newf(verr.KindNotFound, c.venue, "no open order %s", clientOrderID)
	}

	o.FilledQty += qty
	if o.FilledQty > o.Qty {
		o.FilledQty = o.Qty
	}
	remaining := o.Qty - o.FilledQty

	evType := connector.EventPartialFill
	if remaining <= 0 {
		evType = connector.EventFill
		o.Status = "FILLED"
	}

	delta := qty
	if o.Side == connector.SideSell {
		delta = -qty
	}
	pos := c.positions[o.Symbol]
	pos.Symbol = o.Symbol
	pos.Size += delta
	pos.EntryPrice = price
	pos.UpdatedAt = time.Now().UTC()
	c.positions[o.Symbol] = pos

	c.emitLocked(connector.Event{Order: &connector.OrderEvent{
		Type:          evType,
		VenueOrderID:  o.VenueOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		FillQty:       qty,
		FillPrice:     price,
		RemainingQty:  remaining,
		At:            time.Now().UTC(),
	}})
	return nil
}

// Tick publishes a market event.
func (c *Connector) Tick(symbol string, last, bid, ask float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(connector.Event{Market: &connector.MarketEvent{
		Symbol:    symbol,
		LastPrice: last,
		BidPrice:  bid,
		AskPrice:  ask,
		At:        time.Now().UTC(),
	}})
}

// PushPosition publishes a position event.
func (c *Connector) PushPosition(ev connector.PositionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(connector.Event{Position: &ev})
}

// DropStream closes the current feed to simulate a venue-side disconnect.
func (c *Connector) DropStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		close(c.stream)
		c.stream = nil
	}
}

// SetPosition seeds a venue-side position, bypassing the fill path. Used to
// stage reconciliation divergence.
func (c *Connector) SetPosition(p connector.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[p.Symbol] = p
}

// emitLocked stamps and delivers an event; the caller holds c.mu. Order
// events carry a per-order contiguous sequence. Events published while no
// stream is attached are dropped, matching a venue that does not buffer for
// disconnected sessions.
func (c *Connector) emitLocked(ev connector.Event) {
	if c.caps.SequencedEvents && ev.Order != nil {
		c.seqs[ev.Order.ClientOrderID]++
		ev.Seq = c.seqs[ev.Order.ClientOrderID]
	}
	if c.stream == nil {
		return
	}
	select {
	case c.stream <- ev:
	default:
	}
}

func (c *Connector) findLocked(ref connector.OrderRef) *connector.Order {
	if ref.ClientOrderID != "" {
		if o, ok := c.orders[ref.ClientOrderID]; ok {
			return o
		}
	}
	if ref.VenueOrderID != "" {
		for _, o := range c.orders {
			if o.VenueOrderID == ref.VenueOrderID {
				return o
			}
		}
	}
	return nil
}

var _ connector.Connector = (*Connector)(nil)
