package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"perpgate/internal/governor"
	"perpgate/internal/market"
	"perpgate/internal/order"
	"perpgate/internal/position"
	"perpgate/internal/registry"
	"perpgate/internal/stream"
	"perpgate/pkg/connector"
	"perpgate/pkg/connector/mock"
)

// venueConns captures the mock connector behind each registered account.
type venueConns struct {
	mu    sync.Mutex
	conns map[string]*mock.Connector
}

func newTestRouter(t *testing.T, venue string, opts ...mock.Option) (*Router, *venueConns) {
	t.Helper()

	gcfg := governor.DefaultConfig()
	gcfg.WaitCeiling = 0
	gcfg.BaseDelay = time.Millisecond
	gcfg.MaxDelay = 5 * time.Millisecond
	gov := governor.New(gcfg, nil)

	mcfg := order.DefaultConfig()
	mcfg.GapTimeout = 50 * time.Millisecond
	machine := order.NewMachine(mcfg, gov, nil, nil)

	reg := registry.New(nil)
	vc := &venueConns{conns: make(map[string]*mock.Connector)}
	n := 0
	reg.RegisterVenue(venue, func(connector.CredentialHandle) (connector.Connector, error) {
		c := mock.New(venue, opts...)
		vc.mu.Lock()
		vc.conns[nameForIndex(n)] = c
		n++
		vc.mu.Unlock()
		return c, nil
	})

	cfg := DefaultConfig()
	cfg.Stream = stream.Config{
		ReconnectBase:    5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		SubscriberBuffer: 64,
	}
	r := New(cfg, reg, gov, machine, position.NewCache(position.DefaultConfig(), nil, nil), market.NewCache(), nil, nil)
	t.Cleanup(r.Close)
	return r, vc
}

// Accounts register in order, so the Nth registration is "accN".
func nameForIndex(n int) string { return "acc" + string(rune('0'+n)) }

func (vc *venueConns) get(name string) *mock.Connector {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.conns[name]
}

func register(t *testing.T, r *Router, venue, name string) {
	t.Helper()
	if _, err := r.RegisterAccount(context.Background(), venue, name, "", connector.CredentialHandle("cred-"+name)); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	waitLive(t, r, venue, name)
}

func waitLive(t *testing.T, r *Router, venue, account string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, err := r.StreamState(venue, account); err == nil && s == connector.StreamLive {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("stream for %s/%s never went live", venue, account)
}

func waitOrderState(t *testing.T, r *Router, venue, account, clientID string, want order.State) order.UnifiedOrder {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o, err := r.GetOrder(venue, account, clientID)
		if err == nil && o.State == want {
			return o
		}
		time.Sleep(2 * time.Millisecond)
	}
	o, _ := r.GetOrder(venue, account, clientID)
	t.Fatalf("order %s never reached %s, stuck at %s", clientID, want, o.State)
	return order.UnifiedOrder{}
}

func limitReq(clientID string, qty, price float64) connector.OrderRequest {
	return connector.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        "BTC-PERP",
		Side:          connector.SideBuy,
		Type:          connector.OrderTypeLimit,
		Qty:           qty,
		Price:         price,
		TimeInForce:   connector.TIFGTC,
	}
}

func TestPlaceFillFlowsToOrderAndPosition(t *testing.T) {
	r, vc := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")

	o, err := r.PlaceOrder(context.Background(), "mockex", "acc0", limitReq("cid-1", 2, 100))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.State != order.StateOpen {
		t.Fatalf("expected OPEN, got %s", o.State)
	}

	if err := vc.get("acc0").Fill("cid-1", 2, 100); err != nil {
		t.Fatalf("fill: %v", err)
	}
	waitOrderState(t, r, "mockex", "acc0", "cid-1", order.StateFilled)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ps := r.Positions("mockex", "acc0"); len(ps) == 1 && ps[0].Size == 2 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("fill never reached the position cache: %+v", r.Positions("mockex", "acc0"))
}

func TestAccountIsolation(t *testing.T) {
	r, vc := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")
	register(t, r, "mockex", "acc1")

	if _, err := r.PlaceOrder(context.Background(), "mockex", "acc0", limitReq("cid-1", 1, 100)); err != nil {
		t.Fatalf("place: %v", err)
	}

	// The order must exist only on acc0's venue connector.
	open0, _ := vc.get("acc0").GetOpenOrders(context.Background())
	open1, _ := vc.get("acc1").GetOpenOrders(context.Background())
	if len(open0) != 1 || len(open1) != 0 {
		t.Fatalf("order leaked across accounts: acc0=%d acc1=%d", len(open0), len(open1))
	}
	if got := r.Orders("mockex", "acc1"); len(got) != 0 {
		t.Fatalf("acc1 should track no orders, got %d", len(got))
	}
}

func TestStreamDropResyncsState(t *testing.T) {
	r, vc := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")

	if _, err := r.PlaceOrder(context.Background(), "mockex", "acc0", limitReq("cid-1", 1, 100)); err != nil {
		t.Fatalf("place: %v", err)
	}

	vc.get("acc0").DropStream()
	waitLive(t, r, "mockex", "acc0")

	// The order survived the reconnect: still OPEN per the venue snapshot.
	o, err := r.GetOrder("mockex", "acc0", "cid-1")
	if err != nil || o.State != order.StateOpen {
		t.Fatalf("order after resync: %+v err=%v", o, err)
	}
}

func TestCancelAllAcrossAccounts(t *testing.T) {
	r, _ := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")
	register(t, r, "mockex", "acc1")

	for _, acc := range []string{"acc0", "acc1"} {
		if _, err := r.PlaceOrder(context.Background(), "mockex", acc, limitReq("cid-"+acc, 1, 100)); err != nil {
			t.Fatalf("place on %s: %v", acc, err)
		}
	}

	results, err := r.CancelAll(context.Background(), "mockex", nil)
	if err != nil {
		t.Fatalf("cancel-all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 per-account results, got %d", len(results))
	}
	for _, acc := range []string{"acc0", "acc1"} {
		o, _ := r.GetOrder("mockex", acc, "cid-"+acc)
		if o.State != order.StateCancelled {
			t.Fatalf("order on %s not cancelled: %s", acc, o.State)
		}
	}
}

func TestClosePositionPlacesReduceOnlyMarket(t *testing.T) {
	r, vc := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")

	if _, err := r.PlaceOrder(context.Background(), "mockex", "acc0", limitReq("cid-1", 2, 100)); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := vc.get("acc0").Fill("cid-1", 2, 100); err != nil {
		t.Fatalf("fill: %v", err)
	}
	waitOrderState(t, r, "mockex", "acc0", "cid-1", order.StateFilled)

	deadline := time.Now().Add(2 * time.Second)
	for len(r.Positions("mockex", "acc0")) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	o, err := r.ClosePosition(context.Background(), "mockex", "acc0", "BTC-PERP", "cid-close")
	if err != nil {
		t.Fatalf("close position: %v", err)
	}
	if o.Side != connector.SideSell || o.Qty != 2 {
		t.Fatalf("expected SELL 2, got %s %v", o.Side, o.Qty)
	}
	if !o.ReduceOnly || o.Type != connector.OrderTypeMarket {
		t.Fatalf("close must be a reduce-only market order: %+v", o)
	}
}

func TestAccountSummaries(t *testing.T) {
	r, _ := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")
	register(t, r, "mockex", "acc1")

	summaries, results, err := r.AccountSummaries(context.Background(), "mockex", nil)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(summaries) != 2 || len(results) != 2 {
		t.Fatalf("expected 2 summaries and 2 results, got %d/%d", len(summaries), len(results))
	}
	for _, s := range summaries {
		if s.Info.TotalBalance != 100000 {
			t.Fatalf("balance for %s = %v", s.Account, s.Info.TotalBalance)
		}
	}
}

func TestMarketEventsReachTickerCache(t *testing.T) {
	r, vc := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")

	vc.get("acc0").Tick("BTC-PERP", 105, 104.5, 105.5)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tk, ok := r.Ticker("mockex", "BTC-PERP"); ok && tk.LastPrice == 105 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("ticker never cached")
}

func TestPositionDriftFlagsReview(t *testing.T) {
	r, vc := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")

	// The venue holds a position the gateway never saw.
	vc.get("acc0").SetPosition(connector.Position{Symbol: "ETH-PERP", Size: 4, EntryPrice: 200})

	r.ScheduleSync("mockex", "acc0")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.positions.NeedsReview("mockex", "acc0", "ETH-PERP") {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("drift never flagged for review")
}

func TestRemoveAccountStopsRouting(t *testing.T) {
	r, _ := newTestRouter(t, "mockex")
	register(t, r, "mockex", "acc0")

	if err := r.RemoveAccount("mockex", "acc0"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.PlaceOrder(context.Background(), "mockex", "acc0", limitReq("cid-1", 1, 100)); err == nil {
		t.Fatalf("place after remove must fail")
	}
}
