package journal

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndOrderHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	facts := []Fact{
		{Kind: FactOrderState, Venue: "hl", Account: "acc", ClientOrderID: "cid-1", Symbol: "BTC-PERP", Seq: 0, State: "SUBMITTING"},
		{Kind: FactOrderEvent, Venue: "hl", Account: "acc", ClientOrderID: "cid-1", Symbol: "BTC-PERP", Seq: 1, State: "OPEN", Detail: "ACK"},
		{Kind: FactOrderEvent, Venue: "hl", Account: "acc", ClientOrderID: "cid-1", Symbol: "BTC-PERP", Seq: 2, State: "FILLED", Detail: "FILL"},
		{Kind: FactOrderState, Venue: "hl", Account: "acc", ClientOrderID: "cid-2", Symbol: "ETH-PERP", State: "OPEN"},
	}
	for _, f := range facts {
		if err := s.Record(ctx, f); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.OrderHistory(ctx, "hl", "acc", "cid-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 facts for cid-1, got %d", len(got))
	}
	for i, f := range got {
		if f.Seq != uint64(i) {
			t.Fatalf("history out of order at %d: seq %d", i, f.Seq)
		}
		if f.ID == "" {
			t.Fatalf("fact id must be assigned")
		}
	}
	if got[2].State != "FILLED" || got[2].Detail != "FILL" {
		t.Fatalf("last fact = %+v", got[2])
	}

	other, err := s.OrderHistory(ctx, "hl", "acc", "cid-2")
	if err != nil || len(other) != 1 {
		t.Fatalf("cid-2 history: %v (%d facts)", err, len(other))
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("empty path must fail")
	}
}

func TestNopWriterDiscards(t *testing.T) {
	var w Writer = Nop{}
	if err := w.Record(context.Background(), Fact{Kind: FactMismatch}); err != nil {
		t.Fatalf("nop record: %v", err)
	}
}
