package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perpgate/internal/governor"
	"perpgate/internal/journal"
	"perpgate/pkg/connector"
	"perpgate/pkg/verr"
)

// Gov is the slice of the governor the machine uses: budget acquisition for
// every venue call, retry policy for placement only.
type Gov interface {
	Acquire(ctx context.Context, venue, account string, class governor.Class) error
	Retry(ctx context.Context, op string, fn func(context.Context) error, opts ...governor.RetryOption) error
}

// Reconciler schedules a snapshot fetch for (venue, account); the router
// wires this to the multiplexer's resync path.
type Reconciler interface {
	ScheduleSync(venue, account string)
}

// FillListener observes applied fills; the position cache subscribes here.
type FillListener func(venue, account string, ev connector.OrderEvent)

// Config tunes the machine.
type Config struct {
	// GapTimeout bounds how long an out-of-order event may wait for the
	// missing sequence before a reconciliation fetch is forced.
	GapTimeout time.Duration
	// Retention keeps terminal orders available for queries before GC.
	Retention time.Duration
	// MailboxDepth is the per-order event buffer.
	MailboxDepth int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		GapTimeout:   3 * time.Second,
		Retention:    time.Hour,
		MailboxDepth: 64,
	}
}

type orderKey struct {
	venue    string
	account  string
	clientID string
}

// Machine tracks every unified order and drives its state transitions.
type Machine struct {
	cfg Config
	gov Gov
	jw  journal.Writer
	log *zap.Logger

	mu       sync.RWMutex // guards the maps
	orders   map[orderKey]*tracked
	venueIdx map[orderKey]orderKey // venue-order-id key -> client key

	// stateMu guards individual UnifiedOrder fields; writers are the
	// per-order mailbox goroutines.
	stateMu sync.RWMutex

	reconciler   Reconciler
	fillListener FillListener

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMachine creates a Machine.
func NewMachine(cfg Config, gov Gov, jw journal.Writer, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jw == nil {
		jw = journal.Nop{}
	}
	if cfg.MailboxDepth <= 0 {
		cfg.MailboxDepth = 64
	}
	return &Machine{
		cfg:      cfg,
		gov:      gov,
		jw:       jw,
		log:      logger,
		orders:   make(map[orderKey]*tracked),
		venueIdx: make(map[orderKey]orderKey),
		stopCh:   make(chan struct{}),
	}
}

// SetReconciler wires the snapshot-fetch scheduler.
func (m *Machine) SetReconciler(r Reconciler) { m.reconciler = r }

// SetFillListener wires the fill observer.
func (m *Machine) SetFillListener(fn FillListener) { m.fillListener = fn }

// Run drives periodic garbage collection until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	interval := m.cfg.Retention / 4
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.GC(time.Now())
		}
	}
}

// Close stops every order mailbox.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	all := make([]*tracked, 0, len(m.orders))
	for k, t := range m.orders {
		all = append(all, t)
		delete(m.orders, k)
	}
	m.venueIdx = make(map[orderKey]orderKey)
	m.mu.Unlock()

	for _, t := range all {
		close(t.stop)
	}
	m.wg.Wait()
}

// Place submits a new order through the given connector. A repeated call
// with the same client order id and identical parameters returns the
// existing order instead of creating a duplicate; different parameters
// under the same id fail with DuplicateOrder.
func (m *Machine) Place(ctx context.Context, conn connector.Connector, venue, account string, req connector.OrderRequest) (UnifiedOrder, error) {
	return m.place(ctx, conn, venue, account, req, "")
}

func (m *Machine) place(ctx context.Context, conn connector.Connector, venue, account string, req connector.OrderRequest, supersedes string) (UnifiedOrder, error) {
	if err := validate(venue, req); err != nil {
		return UnifiedOrder{}, err
	}

	key := orderKey{venue: venue, account: account, clientID: req.ClientOrderID}

	m.mu.Lock()
	if existing, ok := m.orders[key]; ok {
		m.mu.Unlock()
		snap := existing.snapshot()
		if sameParams(snap, req) {
			return snap, nil
		}
		return UnifiedOrder{}, verr.Newf(verr.KindDuplicateOrder, venue,
			"client order id %s already used with different parameters", req.ClientOrderID)
	}

	t := m.newTracked(key, venue, account, req, supersedes)
	m.orders[key] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.run()
	}()

	// NEW -> SUBMITTING before the adapter call leaves the gateway. Like
	// every other transition this goes through the mailbox, so the run
	// goroutine stays the sole writer.
	t.send(command{kind: cmdSubmit})

	if err := m.gov.Acquire(ctx, venue, account, governor.ClassOrderWrite); err != nil {
		t.send(command{kind: cmdReject, reason: err.Error()})
		return t.snapshot(), err
	}

	var ack connector.OrderAck
	err := m.gov.Retry(ctx, "place", func(ctx context.Context) error {
		var placeErr error
		ack, placeErr = conn.PlaceOrder(ctx, req)
		return placeErr
	}, governor.NoRetryOn(verr.KindTimeout))

	switch {
	case err == nil:
		t.send(command{kind: cmdAck, venueOrderID: ack.VenueOrderID})
		return t.snapshot(), nil
	case verr.HasKind(err, verr.KindTimeout):
		// Side effect unknown: stay SUBMITTING, re-derive via snapshot.
		t.send(command{kind: cmdTimeout})
		return t.snapshot(), err
	default:
		t.send(command{kind: cmdReject, reason: err.Error()})
		return t.snapshot(), err
	}
}

// Cancel cancels an order. Cancelling an already-terminal order is a
// success, so caller-issued retries after a timeout are safe.
func (m *Machine) Cancel(ctx context.Context, conn connector.Connector, venue, account, clientID string) error {
	return m.cancel(ctx, conn, venue, account, clientID, "")
}

func (m *Machine) cancel(ctx context.Context, conn connector.Connector, venue, account, clientID, supersededBy string) error {
	t, ok := m.lookup(orderKey{venue: venue, account: account, clientID: clientID})
	if !ok {
		return verr.Newf(verr.KindNotFound, venue, "unknown order %s", clientID)
	}

	snap := t.snapshot()
	if snap.State.Terminal() {
		return nil
	}

	if err := m.gov.Acquire(ctx, venue, account, governor.ClassOrderWrite); err != nil {
		return err
	}

	err := conn.CancelOrder(ctx, connector.OrderRef{
		VenueOrderID:  snap.VenueOrderID,
		ClientOrderID: clientID,
	})
	switch {
	case err == nil:
		t.send(command{kind: cmdCancelOK, supersededBy: supersededBy})
		return nil
	case verr.HasKind(err, verr.KindTimeout):
		t.send(command{kind: cmdTimeout})
		return err
	case verr.HasKind(err, verr.KindNotFound):
		// The venue no longer knows the order; reconcile to find out why.
		t.send(command{kind: cmdTimeout})
		return err
	default:
		return err
	}
}

// Modify amends an open order. On venues without native modify it runs an
// atomic cancel-then-replace: the original transitions to CANCELLED and a
// fresh order (new client id, linked via Supersedes) is submitted. Callers
// observe the replacement as the modify result.
func (m *Machine) Modify(ctx context.Context, conn connector.Connector, venue, account, clientID string, changes connector.ModifyChanges) (UnifiedOrder, error) {
	t, ok := m.lookup(orderKey{venue: venue, account: account, clientID: clientID})
	if !ok {
		return UnifiedOrder{}, verr.Newf(verr.KindNotFound, venue, "unknown order %s", clientID)
	}

	snap := t.snapshot()
	if snap.State != StateOpen && snap.State != StatePartiallyFilled {
		return UnifiedOrder{}, verr.Newf(verr.KindInvalidOrderParams, venue,
			"cannot modify order in state %s", snap.State)
	}

	if conn.Capabilities().NativeModify {
		if err := m.gov.Acquire(ctx, venue, account, governor.ClassOrderWrite); err != nil {
			return UnifiedOrder{}, err
		}
		ack, err := conn.ModifyOrder(ctx, connector.OrderRef{
			VenueOrderID:  snap.VenueOrderID,
			ClientOrderID: clientID,
		}, changes)
		if err != nil {
			if verr.HasKind(err, verr.KindTimeout) {
				t.send(command{kind: cmdTimeout})
			}
			return UnifiedOrder{}, err
		}
		t.send(command{kind: cmdModifyAck, venueOrderID: ack.VenueOrderID, changes: changes})
		return t.snapshot(), nil
	}

	// Cancel-and-replace emulation. A fresh client order id keeps the
	// idempotency invariant intact; the Supersedes link preserves the
	// audit trail.
	replacementID := uuid.NewString()
	if err := m.cancel(ctx, conn, venue, account, clientID, replacementID); err != nil {
		return UnifiedOrder{}, err
	}

	req := requestFrom(snap)
	req.ClientOrderID = replacementID
	if changes.Price != nil {
		req.Price = *changes.Price
	}
	if changes.Qty != nil {
		req.Qty = *changes.Qty
	}
	if changes.StopPrice != nil {
		req.StopPrice = *changes.StopPrice
	}

	return m.place(ctx, conn, venue, account, req, clientID)
}

// Get returns a snapshot of one order.
func (m *Machine) Get(venue, account, clientID string) (UnifiedOrder, bool) {
	t, ok := m.lookup(orderKey{venue: venue, account: account, clientID: clientID})
	if !ok {
		return UnifiedOrder{}, false
	}
	return t.snapshot(), true
}

// Orders returns snapshots of all orders for (venue, account).
func (m *Machine) Orders(venue, account string) []UnifiedOrder {
	m.mu.RLock()
	selected := make([]*tracked, 0)
	for k, t := range m.orders {
		if k.venue == venue && k.account == account {
			selected = append(selected, t)
		}
	}
	m.mu.RUnlock()

	out := make([]UnifiedOrder, 0, len(selected))
	for _, t := range selected {
		out = append(out, t.snapshot())
	}
	return out
}

// HandleEvent routes a multiplexer event to the owning order's mailbox.
// Events for orders this gateway does not track (e.g. placed by another
// terminal) are dropped.
func (m *Machine) HandleEvent(venue, account string, ev connector.Event) {
	if ev.Order == nil {
		return
	}

	key := orderKey{venue: venue, account: account, clientID: ev.Order.ClientOrderID}
	t, ok := m.lookup(key)
	if !ok && ev.Order.VenueOrderID != "" {
		vkey := orderKey{venue: venue, account: account, clientID: ev.Order.VenueOrderID}
		m.mu.RLock()
		ck, found := m.venueIdx[vkey]
		m.mu.RUnlock()
		if found {
			t, ok = m.lookup(ck)
		}
	}
	if !ok {
		m.log.Debug("event for untracked order dropped",
			zap.String("venue", venue),
			zap.String("client_order_id", ev.Order.ClientOrderID),
			zap.String("venue_order_id", ev.Order.VenueOrderID))
		return
	}

	t.enqueue(message{seq: ev.Seq, ev: ev.Order})
}

// SyncOpenOrders applies a venue open-orders snapshot to every non-terminal
// order of (venue, account): present orders are re-derived from the
// snapshot, absent ones resolved per their state.
func (m *Machine) SyncOpenOrders(venue, account string, snap []connector.Order) {
	byClient := make(map[string]connector.Order, len(snap))
	byVenueID := make(map[string]connector.Order, len(snap))
	for _, o := range snap {
		if o.ClientOrderID != "" {
			byClient[o.ClientOrderID] = o
		}
		if o.VenueOrderID != "" {
			byVenueID[o.VenueOrderID] = o
		}
	}

	m.mu.RLock()
	selected := make([]*tracked, 0)
	for k, t := range m.orders {
		if k.venue == venue && k.account == account {
			selected = append(selected, t)
		}
	}
	m.mu.RUnlock()

	for _, t := range selected {
		s := t.snapshot()
		if s.State.Terminal() {
			continue
		}
		if vo, ok := byClient[s.ClientOrderID]; ok {
			t.send(command{kind: cmdSnapshot, snapshot: vo})
			continue
		}
		if s.VenueOrderID != "" {
			if vo, ok := byVenueID[s.VenueOrderID]; ok {
				t.send(command{kind: cmdSnapshot, snapshot: vo})
				continue
			}
		}
		t.send(command{kind: cmdMissing})
	}
}

// GC removes terminal orders past the retention window and returns how many
// were collected.
func (m *Machine) GC(now time.Time) int {
	cutoff := now.Add(-m.cfg.Retention)

	m.mu.Lock()
	collected := make([]*tracked, 0)
	for k, t := range m.orders {
		s := t.snapshot()
		if s.State.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(m.orders, k)
			if s.VenueOrderID != "" {
				delete(m.venueIdx, orderKey{venue: k.venue, account: k.account, clientID: s.VenueOrderID})
			}
			collected = append(collected, t)
		}
	}
	m.mu.Unlock()

	for _, t := range collected {
		close(t.stop)
	}
	return len(collected)
}

func (m *Machine) newTracked(key orderKey, venue, account string, req connector.OrderRequest, supersedes string) *tracked {
	now := time.Now().UTC()
	return &tracked{
		m:       m,
		key:     key,
		mailbox: make(chan message, m.cfg.MailboxDepth),
		stop:    make(chan struct{}),
		pending: make(map[uint64]connector.OrderEvent),
		o: UnifiedOrder{
			ClientOrderID: req.ClientOrderID,
			Venue:         venue,
			Account:       account,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Qty:           req.Qty,
			Price:         req.Price,
			StopPrice:     req.StopPrice,
			TimeInForce:   req.TimeInForce,
			ReduceOnly:    req.ReduceOnly,
			PostOnly:      req.PostOnly,
			State:         StateNew,
			Supersedes:    supersedes,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
}

func (m *Machine) lookup(key orderKey) (*tracked, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.orders[key]
	return t, ok
}

// indexVenueID is called from mailbox goroutines when a venue order id is
// first assigned.
func (m *Machine) indexVenueID(key orderKey, venueOrderID string) {
	m.mu.Lock()
	m.venueIdx[orderKey{venue: key.venue, account: key.account, clientID: venueOrderID}] = key
	m.mu.Unlock()
}

func (m *Machine) requestSync(venue, account string) {
	if m.reconciler != nil {
		m.reconciler.ScheduleSync(venue, account)
	}
}

func (m *Machine) notifyFill(key orderKey, ev connector.OrderEvent) {
	if m.fillListener == nil {
		return
	}
	if ev.Type == connector.EventFill || ev.Type == connector.EventPartialFill {
		m.fillListener(key.venue, key.account, ev)
	}
}

func (m *Machine) record(f journal.Fact) {
	if err := m.jw.Record(context.Background(), f); err != nil {
		m.log.Warn("journal write failed", zap.Error(err))
	}
}

func validate(venue string, req connector.OrderRequest) error {
	switch {
	case req.ClientOrderID == "":
		return verr.New(verr.KindInvalidOrderParams, venue, "client order id required")
	case req.Symbol == "":
		return verr.New(verr.KindInvalidOrderParams, venue, "symbol required")
	case req.Side != connector.SideBuy && req.Side != connector.SideSell:
		return verr.Newf(verr.KindInvalidOrderParams, venue, "invalid side %q", req.Side)
	case req.Qty <= 0:
		return verr.New(verr.KindInvalidOrderParams, venue, "quantity must be positive")
	case req.Type == connector.OrderTypeLimit && req.Price <= 0:
		return verr.New(verr.KindInvalidOrderParams, venue, "limit order requires price")
	case (req.Type == connector.OrderTypeStop || req.Type == connector.OrderTypeTPSL) && req.StopPrice <= 0:
		return verr.New(verr.KindInvalidOrderParams, venue, "stop order requires stop price")
	}
	return nil
}

func requestFrom(o UnifiedOrder) connector.OrderRequest {
	return connector.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.RemainingQty(),
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		TimeInForce:   o.TimeInForce,
		ReduceOnly:    o.ReduceOnly,
		PostOnly:      o.PostOnly,
	}
}
