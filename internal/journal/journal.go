// Package journal emits every order, event, and position state change as an
// immutable fact for an external store. The core does not define the
// consumer's schema; the sqlite store here is the default collaborator.
package journal

import (
	"context"
	"time"
)

// FactKind labels the type of state change.
type FactKind string

const (
	FactOrderState FactKind = "order_state"
	FactOrderEvent FactKind = "order_event"
	FactPosition   FactKind = "position"
	FactMismatch   FactKind = "mismatch"
)

// Fact is one immutable state-change record with its sequence number.
type Fact struct {
	ID            string
	Kind          FactKind
	Venue         string
	Account       string
	ClientOrderID string
	Symbol        string
	Seq           uint64
	State         string
	Detail        string
	At            time.Time
}

// Writer is the boundary the core emits facts through. Implementations must
// tolerate high write rates; failures are logged by callers, never fatal to
// order processing.
type Writer interface {
	Record(ctx context.Context, f Fact) error
}

// Nop discards facts. Used in tests and when persistence is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Fact) error { return nil }
