package connector

import "time"

// OrderEventType enumerates the discrete state-changing facts a venue can
// report about an order.
type OrderEventType string

const (
	EventAck         OrderEventType = "ACK"
	EventPartialFill OrderEventType = "PARTIAL_FILL"
	EventFill        OrderEventType = "FILL"
	EventCancelAck   OrderEventType = "CANCEL_ACK"
	EventReject      OrderEventType = "REJECT"
	EventExpire      OrderEventType = "EXPIRE"
)

// StreamState reports the health of the adapter's push feed.
type StreamState string

const (
	StreamDisconnected StreamState = "DISCONNECTED"
	StreamResyncing    StreamState = "RESYNCING"
	StreamLive         StreamState = "LIVE"
)

// OrderEvent is a normalized order lifecycle fact.
type OrderEvent struct {
	Type          OrderEventType
	VenueOrderID  string
	ClientOrderID string
	Symbol        string
	Side          Side
	FillQty       float64 // quantity of this fill only
	FillPrice     float64
	RemainingQty  float64
	Reason        string // reject/expire detail
	At            time.Time
}

// PositionEvent is a venue-pushed position update.
type PositionEvent struct {
	Symbol        string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	At            time.Time
}

// MarketEvent is a normalized ticker update.
type MarketEvent struct {
	Symbol      string
	LastPrice   float64
	BidPrice    float64
	AskPrice    float64
	FundingRate float64
	At          time.Time
}

// StatusEvent reports feed state transitions (DISCONNECTED/RESYNCING/LIVE).
type StatusEvent struct {
	State  StreamState
	Detail string
	At     time.Time
}

// Event is the envelope produced by StreamEvents. Exactly one payload field
// is set. Seq is the venue sequence number, or 0 when the venue provides
// none (status events are never sequenced).
type Event struct {
	Seq      uint64
	Order    *OrderEvent
	Position *PositionEvent
	Market   *MarketEvent
	Status   *StatusEvent
}
