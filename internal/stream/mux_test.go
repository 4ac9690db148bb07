package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"perpgate/pkg/connector"
)

// feedConn serves scripted event streams, one per StreamEvents call.
type feedConn struct {
	mu       sync.Mutex
	streams  []chan connector.Event
	failures int // initial StreamEvents calls to fail
	attempts int
}

func (f *feedConn) Venue() string                        { return "feed" }
func (f *feedConn) Capabilities() connector.Capabilities { return connector.Capabilities{} }
func (f *feedConn) Authenticate(context.Context, connector.CredentialHandle) (connector.ConnStatus, error) {
	return connector.StatusAuthenticated, nil
}
func (f *feedConn) PlaceOrder(context.Context, connector.OrderRequest) (connector.OrderAck, error) {
	return connector.OrderAck{}, nil
}
func (f *feedConn) CancelOrder(context.Context, connector.OrderRef) error { return nil }
func (f *feedConn) ModifyOrder(context.Context, connector.OrderRef, connector.ModifyChanges) (connector.OrderAck, error) {
	return connector.OrderAck{}, nil
}
func (f *feedConn) GetPositions(context.Context) ([]connector.Position, error) { return nil, nil }
func (f *feedConn) GetAccountInfo(context.Context) (connector.AccountInfo, error) {
	return connector.AccountInfo{}, nil
}
func (f *feedConn) GetOpenOrders(context.Context) ([]connector.Order, error) { return nil, nil }
func (f *feedConn) Close() error                                             { return nil }

func (f *feedConn) StreamEvents(context.Context) (<-chan connector.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return nil, context.DeadlineExceeded
	}
	ch := make(chan connector.Event, 16)
	f.streams = append(f.streams, ch)
	return ch, nil
}

func (f *feedConn) current() chan connector.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

func (f *feedConn) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

type fakeCoupler struct {
	mu       sync.Mutex
	degraded int
	live     int
}

func (c *fakeCoupler) MarkDegraded(string) {
	c.mu.Lock()
	c.degraded++
	c.mu.Unlock()
}

func (c *fakeCoupler) MarkLive() {
	c.mu.Lock()
	c.live++
	c.mu.Unlock()
}

func (c *fakeCoupler) counts() (degraded, live int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded, c.live
}

func testConfig() Config {
	return Config{
		ReconnectBase:    5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		SubscriberBuffer: 16,
	}
}

func waitForStreamState(t *testing.T, m *Mux, want connector.StreamState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("stream never reached %s, stuck at %s", want, m.State())
}

func orderEv(seq uint64, clientID string) connector.Event {
	return connector.Event{Seq: seq, Order: &connector.OrderEvent{
		Type:          connector.EventAck,
		ClientOrderID: clientID,
	}}
}

func TestSingleUpstreamManySubscribers(t *testing.T) {
	conn := &feedConn{}
	m := New("feed", "acc", conn, nil, nil, testConfig(), nil)
	defer m.Close()

	a, cancelA := m.Subscribe()
	defer cancelA()
	b, cancelB := m.Subscribe()
	defer cancelB()

	m.Run(context.Background())
	waitForStreamState(t, m, connector.StreamLive)

	conn.current() <- orderEv(1, "cid-1")

	for name, ch := range map[string]<-chan connector.Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Order == nil || ev.Order.ClientOrderID != "cid-1" {
				t.Fatalf("subscriber %s got wrong event: %+v", name, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s never received the event", name)
		}
	}

	if conn.streamCount() != 1 {
		t.Fatalf("two subscribers must share one upstream, got %d", conn.streamCount())
	}
}

func TestReconnectResyncsBeforeReplay(t *testing.T) {
	conn := &feedConn{}
	coupler := &fakeCoupler{}

	var mu sync.Mutex
	resyncs := 0
	resync := func(context.Context) error {
		mu.Lock()
		resyncs++
		mu.Unlock()
		return nil
	}

	m := New("feed", "acc", conn, coupler, resync, testConfig(), nil)
	defer m.Close()

	sub, cancel := m.Subscribe()
	defer cancel()

	m.Run(context.Background())
	waitForStreamState(t, m, connector.StreamLive)

	// Venue drops the stream.
	close(conn.current())

	deadline := time.Now().Add(2 * time.Second)
	for conn.streamCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if conn.streamCount() != 2 {
		t.Fatalf("expected a second upstream attach, got %d", conn.streamCount())
	}
	waitForStreamState(t, m, connector.StreamLive)
	mu.Lock()
	n := resyncs
	mu.Unlock()
	if n != 2 {
		t.Fatalf("resync must run on every attach, got %d", n)
	}
	degraded, live := coupler.counts()
	if degraded == 0 || live == 0 {
		t.Fatalf("feed health must flow into binding status: degraded=%d live=%d", degraded, live)
	}

	// The new stream still delivers.
	conn.current() <- orderEv(5, "cid-after")
	select {
	case ev := <-sub:
		if ev.Order.ClientOrderID != "cid-after" {
			t.Fatalf("unexpected event after reconnect: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no delivery after reconnect")
	}
}

func TestConnectFailureRetriesWithBackoff(t *testing.T) {
	conn := &feedConn{failures: 2}
	m := New("feed", "acc", conn, nil, nil, testConfig(), nil)
	defer m.Close()

	m.Run(context.Background())
	waitForStreamState(t, m, connector.StreamLive)

	conn.mu.Lock()
	attempts := conn.attempts
	conn.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 2 failures then success, got %d attempts", attempts)
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriberBuffer = 1
	conn := &feedConn{}
	m := New("feed", "acc", conn, nil, nil, cfg, nil)
	defer m.Close()

	// slow never reads; fast must still see everything its buffer allows.
	_, cancelSlow := m.Subscribe()
	defer cancelSlow()
	fast, cancelFast := m.Subscribe()
	defer cancelFast()

	m.Run(context.Background())
	waitForStreamState(t, m, connector.StreamLive)

	for i := 1; i <= 3; i++ {
		conn.current() <- orderEv(uint64(i), "cid-1")
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber stalled at event %d", i)
		}
	}

	if m.Dropped() == 0 {
		t.Fatalf("full slow buffer should register drops")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	conn := &feedConn{}
	m := New("feed", "acc", conn, nil, nil, testConfig(), nil)
	defer m.Close()

	ch, cancel := m.Subscribe()
	m.Run(context.Background())
	waitForStreamState(t, m, connector.StreamLive)

	cancel()
	if _, open := <-ch; open {
		t.Fatalf("cancel must close the subscriber channel")
	}

	// Publishing after cancel must not panic.
	conn.current() <- orderEv(1, "cid-1")
	time.Sleep(10 * time.Millisecond)
}
