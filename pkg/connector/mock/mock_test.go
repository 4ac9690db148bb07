package mock

import (
	"context"
	"testing"
	"time"

	"perpgate/pkg/connector"
	"perpgate/pkg/verr"
)

func recvOrder(t *testing.T, ch <-chan connector.Event) connector.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed while waiting for order event")
			}
			if ev.Order != nil {
				return ev
			}
		case <-deadline:
			t.Fatalf("no order event within deadline")
		}
	}
}

func TestPlaceEmitsSequencedAck(t *testing.T) {
	c := New("mock")
	ch, err := c.StreamEvents(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	ack, err := c.PlaceOrder(context.Background(), connector.OrderRequest{
		ClientOrderID: "cid-1", Symbol: "BTC-PERP", Side: connector.SideBuy,
		Type: connector.OrderTypeLimit, Qty: 1, Price: 100,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.VenueOrderID == "" {
		t.Fatalf("venue order id must be assigned")
	}

	ev := recvOrder(t, ch)
	if ev.Order.Type != connector.EventAck || ev.Seq != 1 {
		t.Fatalf("expected ACK seq 1, got %s seq %d", ev.Order.Type, ev.Seq)
	}
}

func TestFillSequencesPerOrder(t *testing.T) {
	c := New("mock")
	ch, _ := c.StreamEvents(context.Background())

	place := func(cid string) {
		t.Helper()
		_, err := c.PlaceOrder(context.Background(), connector.OrderRequest{
			ClientOrderID: cid, Symbol: "BTC-PERP", Side: connector.SideBuy,
			Type: connector.OrderTypeLimit, Qty: 2, Price: 100,
		})
		if err != nil {
			t.Fatalf("place %s: %v", cid, err)
		}
	}
	place("cid-a")
	place("cid-b")

	if err := c.Fill("cid-a", 2, 100); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// Sequences are per order: cid-a's fill follows cid-a's ack at seq 2
	// even though cid-b's ack came between them.
	seqs := map[string][]uint64{}
	for i := 0; i < 3; i++ {
		ev := recvOrder(t, ch)
		seqs[ev.Order.ClientOrderID] = append(seqs[ev.Order.ClientOrderID], ev.Seq)
	}
	if got := seqs["cid-a"]; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("cid-a seqs = %v, expected [1 2]", got)
	}
	if got := seqs["cid-b"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("cid-b seqs = %v, expected [1]", got)
	}
}

func TestIdempotentPlaceReturnsSameAck(t *testing.T) {
	c := New("mock")
	req := connector.OrderRequest{
		ClientOrderID: "cid-1", Symbol: "BTC-PERP", Side: connector.SideBuy,
		Type: connector.OrderTypeLimit, Qty: 1, Price: 100,
	}

	first, err := c.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	second, err := c.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.VenueOrderID != second.VenueOrderID {
		t.Fatalf("replay must return the original venue order id")
	}

	open, _ := c.GetOpenOrders(context.Background())
	if len(open) != 1 {
		t.Fatalf("replay must not duplicate the order, got %d", len(open))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	c := New("mock")
	_, err := c.PlaceOrder(context.Background(), connector.OrderRequest{
		ClientOrderID: "cid-1", Symbol: "BTC-PERP", Side: connector.SideBuy,
		Type: connector.OrderTypeLimit, Qty: 1, Price: 100,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	ref := connector.OrderRef{ClientOrderID: "cid-1"}
	if err := c.CancelOrder(context.Background(), ref); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := c.CancelOrder(context.Background(), ref); err != nil {
		t.Fatalf("repeat cancel must succeed: %v", err)
	}
	if err := c.CancelOrder(context.Background(), connector.OrderRef{ClientOrderID: "ghost"}); err != nil {
		t.Fatalf("cancel of unknown order must succeed: %v", err)
	}
}

func TestStreamRestartClosesPrevious(t *testing.T) {
	c := New("mock")

	first, _ := c.StreamEvents(context.Background())
	second, _ := c.StreamEvents(context.Background())

	select {
	case _, open := <-first:
		if open {
			t.Fatalf("first stream should be closed empty")
		}
	case <-time.After(time.Second):
		t.Fatalf("first stream not closed on restart")
	}

	c.Tick("BTC-PERP", 100, 99, 101)
	select {
	case ev := <-second:
		if ev.Market == nil || ev.Market.LastPrice != 100 {
			t.Fatalf("second stream got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("second stream not live")
	}
}

func TestAuthenticateRejectsEmptyHandle(t *testing.T) {
	c := New("mock")
	_, err := c.Authenticate(context.Background(), "")
	if !verr.HasKind(err, verr.KindAuth) {
		t.Fatalf("expected Auth error, got %v", err)
	}

	status, err := c.Authenticate(context.Background(), "handle-1")
	if err != nil || status != connector.StatusAuthenticated {
		t.Fatalf("auth failed: %v %s", err, status)
	}
}

func TestFillMovesVenuePosition(t *testing.T) {
	c := New("mock")
	_, err := c.PlaceOrder(context.Background(), connector.OrderRequest{
		ClientOrderID: "cid-1", Symbol: "BTC-PERP", Side: connector.SideSell,
		Type: connector.OrderTypeLimit, Qty: 3, Price: 100,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := c.Fill("cid-1", 3, 100); err != nil {
		t.Fatalf("fill: %v", err)
	}

	positions, _ := c.GetPositions(context.Background())
	if len(positions) != 1 || positions[0].Size != -3 {
		t.Fatalf("expected short 3, got %+v", positions)
	}
}
