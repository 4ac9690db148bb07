package connector

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the unified order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeStop   OrderType = "STOP"
	OrderTypeTPSL   OrderType = "TPSL"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFGTT TimeInForce = "GTT" // Good Till Time
)

// ConnStatus is the connection/auth state of a binding.
type ConnStatus string

const (
	StatusDisconnected  ConnStatus = "DISCONNECTED"
	StatusConnecting    ConnStatus = "CONNECTING"
	StatusAuthenticated ConnStatus = "AUTHENTICATED"
	StatusDegraded      ConnStatus = "DEGRADED"
)

// CredentialHandle is an opaque reference to credentials held by an external
// secrets collaborator. The core never sees raw keys; it only passes the
// handle back to the adapter for signing.
type CredentialHandle string

// OrderRequest captures a venue-agnostic order intent. ClientOrderID is the
// caller-assigned idempotency key and must be globally unique per account.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // 0 for pure market orders
	StopPrice     float64 // required for STOP / TPSL
	TimeInForce   TimeInForce
	ReduceOnly    bool
	PostOnly      bool
	GoodTill      time.Time // for GTT orders
}

// OrderAck is the venue acknowledgement of a placement or modify.
type OrderAck struct {
	VenueOrderID  string
	ClientOrderID string
	AckAt         time.Time
}

// OrderRef identifies an order by either id; adapters accept whichever the
// venue supports and translate internally.
type OrderRef struct {
	VenueOrderID  string
	ClientOrderID string
}

// ModifyChanges lists the fields a modify may touch. Nil means unchanged.
type ModifyChanges struct {
	Price     *float64
	Qty       *float64
	StopPrice *float64
}

// Order is a point-in-time open-order snapshot used for reconciliation, not
// for primary state updates.
type Order struct {
	VenueOrderID  string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64
	FilledQty     float64
	Status        string
	CreatedAt     time.Time
}

// Position is a venue-reported position snapshot. Size is signed: positive
// long, negative short.
type Position struct {
	Symbol        string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Margin        float64
	Leverage      int
	UpdatedAt     time.Time
}

// AccountInfo is a venue-reported balance snapshot.
type AccountInfo struct {
	TotalBalance     float64
	AvailableBalance float64
	MarginBalance    float64
	UnrealizedPnL    float64
	UpdatedAt        time.Time
}

// Limit declares a token-bucket budget for one endpoint class.
type Limit struct {
	PerSecond float64
	Burst     int
}

// RateLimits are the per-class budgets an adapter declares at registration.
type RateLimits struct {
	OrderWrite Limit
	Read       Limit
	Connect    Limit
}

// Capabilities describe what the venue can do natively so the core can pick
// the correct transition sequence without ever branching on venue identity.
type Capabilities struct {
	// NativeModify is false when modify must be emulated as atomic
	// cancel-then-replace.
	NativeModify bool
	// IdempotentPlace is true when the venue dedupes repeated placements by
	// client order id.
	IdempotentPlace bool
	// SequencedEvents is true when the venue stamps push events with
	// monotonic sequence numbers. Without it the multiplexer falls back to
	// snapshot-diff reconciliation on every reconnect.
	SequencedEvents bool
	Limits          RateLimits
}
