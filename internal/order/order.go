// Package order owns the lifecycle of every unified order. Each order is
// processed by exactly one mailbox goroutine; command results and push
// events are funneled into it and applied in non-decreasing sequence order.
package order

import (
	"time"

	"perpgate/pkg/connector"
)

// State is the unified order lifecycle state.
type State string

const (
	StateNew             State = "NEW"
	StateSubmitting      State = "SUBMITTING"
	StateOpen            State = "OPEN"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
	StateExpired         State = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// UnifiedOrder is the venue-agnostic order representation tracked by the
// core. ClientOrderID is the caller-assigned idempotency key; VenueOrderID
// is assigned once on venue ack and never changes afterwards.
type UnifiedOrder struct {
	ClientOrderID string
	VenueOrderID  string
	Venue         string
	Account       string

	Symbol      string
	Side        connector.Side
	Type        connector.OrderType
	Qty         float64
	Price       float64
	StopPrice   float64
	TimeInForce connector.TimeInForce
	ReduceOnly  bool
	PostOnly    bool

	State        State
	FilledQty    float64
	AvgFillPrice float64
	LastSeq      uint64

	// Supersedes links a cancel-replace replacement back to the order it
	// replaced; SupersededBy points the other way. Both orders are
	// independently tracked for audit purposes.
	Supersedes   string
	SupersededBy string

	// NeedsReview is set when reconciliation finds local state diverging
	// from the venue beyond tolerance; it is never cleared automatically.
	NeedsReview bool

	RejectReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RemainingQty returns the unfilled quantity.
func (o UnifiedOrder) RemainingQty() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

func sameParams(o UnifiedOrder, req connector.OrderRequest) bool {
	return o.Symbol == req.Symbol &&
		o.Side == req.Side &&
		o.Type == req.Type &&
		o.Qty == req.Qty &&
		o.Price == req.Price &&
		o.StopPrice == req.StopPrice &&
		o.TimeInForce == req.TimeInForce &&
		o.ReduceOnly == req.ReduceOnly &&
		o.PostOnly == req.PostOnly
}
