// Package router is the single entry point callers use to reach any
// account on any venue. It resolves (venue, account) to a binding, gates
// every adapter call through the governor, and owns the per-binding event
// multiplexers.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"perpgate/internal/governor"
	"perpgate/internal/journal"
	"perpgate/internal/market"
	"perpgate/internal/order"
	"perpgate/internal/position"
	"perpgate/internal/registry"
	"perpgate/internal/stream"
	"perpgate/pkg/connector"
	"perpgate/pkg/verr"
)

// Config tunes the router.
type Config struct {
	Stream stream.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Stream: stream.DefaultConfig()}
}

// Router composes the registry, governor, order machine, and caches behind
// one façade. All trading traffic flows through it.
type Router struct {
	cfg       Config
	reg       *registry.Registry
	gov       *governor.Governor
	machine   *order.Machine
	positions *position.Cache
	tickers   *market.Cache
	jw        journal.Writer
	log       *zap.Logger

	mu       sync.Mutex
	muxes    map[string]*stream.Mux
	syncing  map[string]bool
	runCtx   context.Context
	runStop  context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// New creates a Router and wires the order machine's reconciliation and
// fill paths into it.
func New(cfg Config, reg *registry.Registry, gov *governor.Governor, machine *order.Machine, positions *position.Cache, tickers *market.Cache, jw journal.Writer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jw == nil {
		jw = journal.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:       cfg,
		reg:       reg,
		gov:       gov,
		machine:   machine,
		positions: positions,
		tickers:   tickers,
		jw:        jw,
		log:       logger,
		muxes:     make(map[string]*stream.Mux),
		syncing:   make(map[string]bool),
		runCtx:    ctx,
		runStop:   cancel,
	}

	machine.SetReconciler(r)
	machine.SetFillListener(func(venue, account string, ev connector.OrderEvent) {
		positions.ApplyFill(venue, account, ev)
	})
	return r
}

// RegisterAccount creates the binding, declares its rate budgets, starts
// connection management, and attaches the shared event multiplexer.
func (r *Router) RegisterAccount(ctx context.Context, venue, name, displayName string, handle connector.CredentialHandle) (registry.Account, error) {
	b, err := r.reg.Register(venue, name, displayName, handle)
	if err != nil {
		return registry.Account{}, err
	}

	caps := b.Connector().Capabilities()
	r.gov.DeclareLimits(venue, caps.Limits)

	b.Start(r.runCtx, func(ctx context.Context) error {
		return r.gov.Acquire(ctx, venue, name, governor.ClassConnect)
	})

	mux := stream.New(venue, name, b.Connector(), b, func(ctx context.Context) error {
		return r.resync(ctx, venue, name)
	}, r.cfg.Stream, r.log)

	r.mu.Lock()
	r.muxes[muxKey(venue, name)] = mux
	r.mu.Unlock()

	r.attachConsumers(venue, name, mux)
	mux.Run(r.runCtx)

	r.log.Info("account registered",
		zap.String("venue", venue),
		zap.String("account", name),
		zap.Bool("native_modify", caps.NativeModify),
		zap.Bool("sequenced_events", caps.SequencedEvents))
	return b.Account, nil
}

// attachConsumers routes the mux feed into the order machine and the
// position and ticker caches.
func (r *Router) attachConsumers(venue, account string, mux *stream.Mux) {
	events, cancel := mux.Subscribe()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		for ev := range events {
			switch {
			case ev.Order != nil:
				r.machine.HandleEvent(venue, account, ev)
			case ev.Position != nil:
				r.positions.ApplyPush(venue, account, *ev.Position)
			case ev.Market != nil:
				r.tickers.Apply(venue, *ev.Market)
				r.positions.MarkPrice(venue, ev.Market.Symbol, ev.Market.LastPrice)
			}
		}
	}()
}

// RemoveAccount tears down the binding and its multiplexer.
func (r *Router) RemoveAccount(venue, name string) error {
	r.mu.Lock()
	mux, ok := r.muxes[muxKey(venue, name)]
	if ok {
		delete(r.muxes, muxKey(venue, name))
	}
	r.mu.Unlock()

	if mux != nil {
		mux.Close()
	}
	return r.reg.Remove(venue, name)
}

// AccountStatus returns the binding's connection status.
func (r *Router) AccountStatus(venue, account string) (connector.ConnStatus, error) {
	b, err := r.reg.Resolve(venue, account)
	if err != nil {
		return "", err
	}
	return b.Status(), nil
}

// StreamState returns the feed state for (venue, account).
func (r *Router) StreamState(venue, account string) (connector.StreamState, error) {
	r.mu.Lock()
	mux, ok := r.muxes[muxKey(venue, account)]
	r.mu.Unlock()
	if !ok {
		return "", verr.Newf(verr.KindUnknownAccount, venue, "unknown account %s", account)
	}
	return mux.State(), nil
}

// Subscribe attaches an external consumer to the account's event feed.
func (r *Router) Subscribe(venue, account string) (<-chan connector.Event, func(), error) {
	r.mu.Lock()
	mux, ok := r.muxes[muxKey(venue, account)]
	r.mu.Unlock()
	if !ok {
		return nil, nil, verr.Newf(verr.KindUnknownAccount, venue, "unknown account %s", account)
	}
	ch, cancel := mux.Subscribe()
	return ch, cancel, nil
}

// PlaceOrder submits an order on the resolved account's connector.
func (r *Router) PlaceOrder(ctx context.Context, venue, account string, req connector.OrderRequest) (order.UnifiedOrder, error) {
	b, err := r.reg.Resolve(venue, account)
	if err != nil {
		return order.UnifiedOrder{}, err
	}
	return r.machine.Place(ctx, b.Connector(), venue, account, req)
}

// CancelOrder cancels by client order id.
func (r *Router) CancelOrder(ctx context.Context, venue, account, clientOrderID string) error {
	b, err := r.reg.Resolve(venue, account)
	if err != nil {
		return err
	}
	return r.machine.Cancel(ctx, b.Connector(), venue, account, clientOrderID)
}

// ModifyOrder amends an open order, natively or by cancel-replace per the
// venue's capabilities.
func (r *Router) ModifyOrder(ctx context.Context, venue, account, clientOrderID string, changes connector.ModifyChanges) (order.UnifiedOrder, error) {
	b, err := r.reg.Resolve(venue, account)
	if err != nil {
		return order.UnifiedOrder{}, err
	}
	return r.machine.Modify(ctx, b.Connector(), venue, account, clientOrderID, changes)
}

// GetOrder returns the unified view of one order.
func (r *Router) GetOrder(venue, account, clientOrderID string) (order.UnifiedOrder, error) {
	o, ok := r.machine.Get(venue, account, clientOrderID)
	if !ok {
		return order.UnifiedOrder{}, verr.Newf(verr.KindNotFound, venue, "unknown order %s", clientOrderID)
	}
	return o, nil
}

// Orders returns every tracked order for (venue, account).
func (r *Router) Orders(venue, account string) []order.UnifiedOrder {
	return r.machine.Orders(venue, account)
}

// Positions returns the locally tracked positions for (venue, account).
func (r *Router) Positions(venue, account string) []connector.Position {
	return r.positions.Positions(venue, account)
}

// Ticker returns the cached ticker for (venue, symbol).
func (r *Router) Ticker(venue, symbol string) (market.Ticker, bool) {
	return r.tickers.Get(venue, symbol)
}

// AccountInfo fetches the balance snapshot from the venue, gated by the
// read budget.
func (r *Router) AccountInfo(ctx context.Context, venue, account string) (connector.AccountInfo, error) {
	b, err := r.reg.Resolve(venue, account)
	if err != nil {
		return connector.AccountInfo{}, err
	}
	if err := r.gov.Acquire(ctx, venue, account, governor.ClassRead); err != nil {
		return connector.AccountInfo{}, err
	}
	return b.Connector().GetAccountInfo(ctx)
}

// ClosePosition flattens one symbol with a reduce-only market order sized
// to the locally tracked position.
func (r *Router) ClosePosition(ctx context.Context, venue, account, symbol, clientOrderID string) (order.UnifiedOrder, error) {
	pos, ok := r.positions.Get(venue, account, symbol)
	if !ok || pos.Size == 0 {
		return order.UnifiedOrder{}, verr.Newf(verr.KindNotFound, venue, "no open position in %s", symbol)
	}

	side := connector.SideSell
	qty := pos.Size
	if pos.Size < 0 {
		side = connector.SideBuy
		qty = -pos.Size
	}

	return r.PlaceOrder(ctx, venue, account, connector.OrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          connector.OrderTypeMarket,
		Qty:           qty,
		TimeInForce:   connector.TIFIOC,
		ReduceOnly:    true,
	})
}

// ScheduleSync asynchronously re-derives order and position state from
// venue snapshots. Concurrent requests for the same binding coalesce.
func (r *Router) ScheduleSync(venue, account string) {
	key := muxKey(venue, account)

	r.mu.Lock()
	if r.closed || r.syncing[key] {
		r.mu.Unlock()
		return
	}
	r.syncing[key] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.syncing, key)
			r.mu.Unlock()
		}()
		if err := r.resync(r.runCtx, venue, account); err != nil {
			r.log.Warn("scheduled reconciliation failed",
				zap.String("venue", venue),
				zap.String("account", account),
				zap.Error(err))
		}
	}()
}

// resync fetches the venue's open-order and position snapshots and feeds
// them through the machine and position cache.
func (r *Router) resync(ctx context.Context, venue, account string) error {
	b, err := r.reg.Resolve(venue, account)
	if err != nil {
		return err
	}

	if err := r.gov.Acquire(ctx, venue, account, governor.ClassRead); err != nil {
		return err
	}
	open, err := b.Connector().GetOpenOrders(ctx)
	if err != nil {
		return verr.Wrap(verr.KindOf(err), venue, err)
	}
	r.machine.SyncOpenOrders(venue, account, open)

	if err := r.gov.Acquire(ctx, venue, account, governor.ClassRead); err != nil {
		return err
	}
	positions, err := b.Connector().GetPositions(ctx)
	if err != nil {
		return verr.Wrap(verr.KindOf(err), venue, err)
	}
	r.positions.Reconcile(venue, account, positions)
	return nil
}

// Close tears down every mux and binding.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	muxes := make([]*stream.Mux, 0, len(r.muxes))
	for k, m := range r.muxes {
		muxes = append(muxes, m)
		delete(r.muxes, k)
	}
	r.mu.Unlock()

	r.runStop()
	for _, m := range muxes {
		m.Close()
	}
	r.wg.Wait()
	r.machine.Close()
	r.reg.Close()
}

func muxKey(venue, account string) string { return venue + "/" + account }
