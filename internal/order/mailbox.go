package order

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"perpgate/internal/journal"
	"perpgate/pkg/connector"
)

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdAck
	cmdReject
	cmdCancelOK
	cmdTimeout
	cmdModifyAck
	cmdSnapshot
	cmdMissing // order absent from a reconciliation snapshot
)

// command is a synchronous call result funneled into the order's mailbox.
type command struct {
	kind         cmdKind
	venueOrderID string
	reason       string
	supersededBy string
	changes      connector.ModifyChanges
	snapshot     connector.Order
	done         chan struct{}
}

type message struct {
	seq uint64 // venue sequence, 0 when unsequenced
	ev  *connector.OrderEvent
	cmd *command
}

// tracked is one order plus its single-writer processing context. Only the
// run goroutine mutates o; readers take the mutex for a consistent copy.
type tracked struct {
	m   *Machine
	key orderKey

	mailbox chan message
	stop    chan struct{}

	// state below is owned by the run goroutine; m.stateMu guards
	// snapshot reads from other goroutines.
	o                UnifiedOrder
	pending          map[uint64]connector.OrderEvent
	reconcilePending bool
}

func (t *tracked) enqueue(msg message) {
	select {
	case t.mailbox <- msg:
	case <-t.stop:
	}
}

// send enqueues a command and waits for it to be applied, so synchronous
// call paths observe their own writes.
func (t *tracked) send(cmd command) {
	cmd.done = make(chan struct{})
	t.enqueue(message{cmd: &cmd})
	select {
	case <-cmd.done:
	case <-t.stop:
	}
}

func (t *tracked) run() {
	var gapC <-chan time.Time
	var gapTimer *time.Timer
	stopGap := func() {
		if gapTimer != nil {
			gapTimer.Stop()
			gapTimer = nil
			gapC = nil
		}
	}
	defer stopGap()

	for {
		select {
		case <-t.stop:
			return
		case msg := <-t.mailbox:
			if msg.cmd != nil {
				t.applyCommand(msg.cmd)
				close(msg.cmd.done)
				continue
			}
			if msg.ev != nil {
				buffered := t.applySequenced(msg.seq, *msg.ev)
				if buffered && gapTimer == nil && t.m.cfg.GapTimeout > 0 {
					gapTimer = time.NewTimer(t.m.cfg.GapTimeout)
					gapC = gapTimer.C
				}
				if !buffered && len(t.pending) == 0 {
					stopGap()
				}
			}
		case <-gapC:
			gapTimer = nil
			gapC = nil
			t.onGapTimeout()
		}
	}
}

// applySequenced enforces the ordering contract: duplicates and regressive
// sequence numbers are no-ops, gaps are buffered until filled. Returns true
// when the event was buffered.
func (t *tracked) applySequenced(seq uint64, ev connector.OrderEvent) bool {
	if seq == 0 {
		// Venue without sequence numbers: assign the local counter in
		// arrival order.
		t.applyEvent(t.o.LastSeq+1, ev)
		return false
	}

	switch {
	case seq <= t.o.LastSeq:
		return false // duplicate or regressive
	case t.o.LastSeq == 0 || seq == t.o.LastSeq+1:
		first := t.o.LastSeq == 0
		t.applyEvent(seq, ev)
		t.drainPending()
		if first && seq > 1 {
			// The stream started past the beginning; the leading events
			// are gone for good, so re-derive from a snapshot.
			t.reconcilePending = true
			t.m.requestSync(t.key.venue, t.key.account)
		}
		return false
	default:
		t.pending[seq] = ev
		return true
	}
}

func (t *tracked) drainPending() {
	for {
		next, ok := t.pending[t.o.LastSeq+1]
		if !ok {
			return
		}
		delete(t.pending, t.o.LastSeq+1)
		t.applyEvent(t.o.LastSeq+1, next)
	}
}

// onGapTimeout gives up waiting for the missing event: buffered events are
// flushed in ascending order and a reconciliation fetch is scheduled to
// re-derive authoritative state.
func (t *tracked) onGapTimeout() {
	if len(t.pending) > 0 {
		seqs := make([]uint64, 0, len(t.pending))
		for s := range t.pending {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, s := range seqs {
			ev := t.pending[s]
			delete(t.pending, s)
			if s > t.o.LastSeq {
				t.applyEvent(s, ev)
			}
		}
	}

	t.m.log.Warn("event gap timed out, scheduling reconciliation",
		zap.String("venue", t.key.venue),
		zap.String("account", t.key.account),
		zap.String("client_order_id", t.key.clientID))
	t.reconcilePending = true
	t.m.requestSync(t.key.venue, t.key.account)
}

func (t *tracked) applyEvent(seq uint64, ev connector.OrderEvent) {
	if t.o.State.Terminal() {
		// Terminal states absorb late events.
		t.mutate(func(o *UnifiedOrder) { o.LastSeq = seq })
		return
	}

	t.mutate(func(o *UnifiedOrder) {
		o.LastSeq = seq
		if o.VenueOrderID == "" && ev.VenueOrderID != "" {
			o.VenueOrderID = ev.VenueOrderID
			t.m.indexVenueID(t.key, ev.VenueOrderID)
		}

		switch ev.Type {
		case connector.EventAck:
			if o.State == StateSubmitting || o.State == StateNew {
				o.State = StateOpen
			}
		case connector.EventPartialFill, connector.EventFill:
			applyFill(o, ev)
		case connector.EventCancelAck:
			o.State = StateCancelled
		case connector.EventReject:
			o.State = StateRejected
			o.RejectReason = ev.Reason
		case connector.EventExpire:
			o.State = StateExpired
		}
	})

	t.m.record(journal.Fact{
		Kind:          journal.FactOrderEvent,
		Venue:         t.key.venue,
		Account:       t.key.account,
		ClientOrderID: t.key.clientID,
		Symbol:        t.o.Symbol,
		Seq:           seq,
		State:         string(t.o.State),
		Detail:        string(ev.Type),
	})
	t.m.notifyFill(t.key, ev)
}

func applyFill(o *UnifiedOrder, ev connector.OrderEvent) {
	if ev.FillQty <= 0 {
		return
	}
	prevFilled := o.FilledQty
	o.FilledQty += ev.FillQty
	if o.FilledQty > o.Qty {
		o.FilledQty = o.Qty
	}
	if o.FilledQty > 0 {
		o.AvgFillPrice = (o.AvgFillPrice*prevFilled + ev.FillPrice*ev.FillQty) / o.FilledQty
	}

	if ev.RemainingQty <= 0 || o.FilledQty >= o.Qty {
		o.State = StateFilled
	} else {
		o.State = StatePartiallyFilled
	}
}

func (t *tracked) applyCommand(cmd *command) {
	switch cmd.kind {
	case cmdSubmit:
		t.mutate(func(o *UnifiedOrder) {
			if o.State == StateNew {
				o.State = StateSubmitting
			}
		})
	case cmdAck:
		t.mutate(func(o *UnifiedOrder) {
			if o.VenueOrderID == "" && cmd.venueOrderID != "" {
				o.VenueOrderID = cmd.venueOrderID
				t.m.indexVenueID(t.key, cmd.venueOrderID)
			}
			if o.State == StateSubmitting {
				o.State = StateOpen
			}
		})
	case cmdReject:
		t.mutate(func(o *UnifiedOrder) {
			if !o.State.Terminal() {
				o.State = StateRejected
				o.RejectReason = cmd.reason
			}
		})
	case cmdCancelOK:
		t.mutate(func(o *UnifiedOrder) {
			if !o.State.Terminal() {
				o.State = StateCancelled
				o.SupersededBy = firstNonEmpty(o.SupersededBy, cmd.supersededBy)
			}
		})
	case cmdModifyAck:
		t.mutate(func(o *UnifiedOrder) {
			if cmd.venueOrderID != "" && o.VenueOrderID == "" {
				o.VenueOrderID = cmd.venueOrderID
				t.m.indexVenueID(t.key, cmd.venueOrderID)
			}
			if cmd.changes.Price != nil {
				o.Price = *cmd.changes.Price
			}
			if cmd.changes.Qty != nil {
				o.Qty = *cmd.changes.Qty
			}
			if cmd.changes.StopPrice != nil {
				o.StopPrice = *cmd.changes.StopPrice
			}
		})
	case cmdTimeout:
		// Side effect unknown until reconciliation: do not assume
		// success or failure.
		t.reconcilePending = true
		t.m.requestSync(t.key.venue, t.key.account)
	case cmdSnapshot:
		t.applySnapshot(cmd.snapshot)
	case cmdMissing:
		t.applyMissing()
	}

	t.m.record(journal.Fact{
		Kind:          journal.FactOrderState,
		Venue:         t.key.venue,
		Account:       t.key.account,
		ClientOrderID: t.key.clientID,
		Symbol:        t.o.Symbol,
		Seq:           t.o.LastSeq,
		State:         string(t.o.State),
	})
}

// applySnapshot re-derives state from a venue open-orders snapshot, the
// ground truth after gaps or timeouts.
func (t *tracked) applySnapshot(snap connector.Order) {
	t.reconcilePending = false
	t.mutate(func(o *UnifiedOrder) {
		if o.VenueOrderID == "" && snap.VenueOrderID != "" {
			o.VenueOrderID = snap.VenueOrderID
			t.m.indexVenueID(t.key, snap.VenueOrderID)
		}
		if o.State.Terminal() {
			return
		}
		if snap.FilledQty > o.FilledQty {
			o.FilledQty = snap.FilledQty
		}
		switch {
		case o.FilledQty >= o.Qty && o.Qty > 0:
			o.State = StateFilled
		case o.FilledQty > 0:
			o.State = StatePartiallyFilled
		default:
			o.State = StateOpen
		}
	})
}

// applyMissing handles an order absent from the venue's open-order
// snapshot. A SUBMITTING order is resolved to REJECTED only when it was
// waiting on reconciliation (lost placement result); a placement still in
// flight may yet be acked, so absence proves nothing about it. Anything
// that was OPEN diverged and needs review.
func (t *tracked) applyMissing() {
	awaited := t.reconcilePending
	t.reconcilePending = false
	t.mutate(func(o *UnifiedOrder) {
		switch {
		case o.State.Terminal():
		case o.State == StateSubmitting || o.State == StateNew:
			if !awaited {
				return
			}
			o.State = StateRejected
			o.RejectReason = "not present in venue snapshot"
		default:
			o.NeedsReview = true
		}
	})

	if t.o.NeedsReview {
		t.m.record(journal.Fact{
			Kind:          journal.FactMismatch,
			Venue:         t.key.venue,
			Account:       t.key.account,
			ClientOrderID: t.key.clientID,
			Symbol:        t.o.Symbol,
			State:         string(t.o.State),
			Detail:        "open order missing from venue snapshot",
		})
	}
}

// mutate applies fn under the machine's state lock so snapshot readers see
// consistent orders. Only the run goroutine calls it.
func (t *tracked) mutate(fn func(*UnifiedOrder)) {
	t.m.stateMu.Lock()
	fn(&t.o)
	t.o.UpdatedAt = time.Now().UTC()
	t.m.stateMu.Unlock()
}

func (t *tracked) snapshot() UnifiedOrder {
	t.m.stateMu.RLock()
	defer t.m.stateMu.RUnlock()
	return t.o
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
