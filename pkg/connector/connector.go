// Package connector defines the capability contract every venue adapter
// implements, together with the normalized request, snapshot, and event
// types that cross the boundary. Venue quirks (mandatory fee fields,
// numeric market ids, cancel-and-replace emulation) live entirely behind
// this interface.
package connector

import "context"

// Connector is the contract a venue adapter satisfies. Adapters must not
// cache order state; that responsibility belongs to the core. Every method
// returns either a normalized result or an error carrying a verr taxonomy
// kind.
type Connector interface {
	// Venue returns the venue identifier this adapter serves.
	Venue() string

	// Capabilities declares what the venue supports, including the
	// per-class rate limits used to size the governor's buckets.
	Capabilities() Capabilities

	// Authenticate establishes a session using the opaque credential
	// handle. The raw secret never crosses this boundary.
	Authenticate(ctx context.Context, handle CredentialHandle) (ConnStatus, error)

	// PlaceOrder submits an order. The client order id is an idempotency
	// token: when the venue supports it, a repeated call with the same id
	// and identical parameters returns the original ack instead of
	// creating a duplicate.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)

	// CancelOrder is idempotent: cancelling an already-terminal order
	// returns nil, not an error.
	CancelOrder(ctx context.Context, ref OrderRef) error

	// ModifyOrder amends an open order. Adapters without native modify
	// must implement it as an atomic cancel-then-replace and report that
	// through Capabilities.NativeModify so the core applies the correct
	// transition sequence.
	ModifyOrder(ctx context.Context, ref OrderRef, changes ModifyChanges) (OrderAck, error)

	// Snapshot fetches used for reconciliation, never for primary state.
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)

	// StreamEvents starts one logical push feed for the authenticated
	// session. The returned channel closes when the feed drops; callers
	// restart it by calling StreamEvents again. Reconnect mechanics are
	// internal to the adapter but surfaced as StatusEvents.
	StreamEvents(ctx context.Context) (<-chan Event, error)

	// Close releases the session and any underlying transport.
	Close() error
}

// Factory builds an adapter for a venue from a credential handle. The
// registry keeps one factory per venue identifier.
type Factory func(handle CredentialHandle) (Connector, error)
