package router

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perpgate/internal/order"
	"perpgate/internal/registry"
	"perpgate/pkg/connector"
)

// broadcastParallelism bounds concurrent per-account fanout so a broadcast
// across many accounts cannot exhaust file descriptors or budgets at once.
const broadcastParallelism = 8

// AccountResult is the per-account outcome of a broadcast operation.
type AccountResult struct {
	Venue   string
	Account string
	Err     error
}

// Summary pairs an account with its balance snapshot.
type Summary struct {
	Venue   string
	Account string
	Info    connector.AccountInfo
}

// CancelAll cancels every non-terminal order across the selected bindings.
// venue and accounts filter the selection; empty means all. Partial
// failures are reported per account and combined into the returned error.
func (r *Router) CancelAll(ctx context.Context, venue string, accounts []string) ([]AccountResult, error) {
	var (
		mu      sync.Mutex
		results []AccountResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastParallelism)

	r.reg.ForEach(venue, accounts, func(b *registry.Binding) {
		g.Go(func() error {
			err := r.cancelAccount(gctx, b)
			mu.Lock()
			results = append(results, AccountResult{
				Venue:   b.Account.Venue,
				Account: b.Account.Name,
				Err:     err,
			})
			mu.Unlock()
			// One account's failure must not stop the others; errors are
			// collected, not propagated through the group.
			return nil
		})
	})
	_ = g.Wait()

	var combined error
	for _, res := range results {
		if res.Err != nil {
			combined = multierr.Append(combined, res.Err)
		}
	}
	if combined != nil {
		r.log.Warn("cancel-all completed with failures",
			zap.String("venue", venue), zap.Error(combined))
	}
	return results, combined
}

func (r *Router) cancelAccount(ctx context.Context, b *registry.Binding) error {
	var err error
	for _, o := range r.machine.Orders(b.Account.Venue, b.Account.Name) {
		if o.State.Terminal() {
			continue
		}
		cErr := r.machine.Cancel(ctx, b.Connector(), b.Account.Venue, b.Account.Name, o.ClientOrderID)
		err = multierr.Append(err, cErr)
	}
	return err
}

// AccountSummaries fetches balance snapshots for the selected bindings in
// parallel, each gated by its own read budget.
func (r *Router) AccountSummaries(ctx context.Context, venue string, accounts []string) ([]Summary, []AccountResult, error) {
	var (
		mu        sync.Mutex
		summaries []Summary
		results   []AccountResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastParallelism)

	r.reg.ForEach(venue, accounts, func(b *registry.Binding) {
		g.Go(func() error {
			info, err := r.AccountInfo(gctx, b.Account.Venue, b.Account.Name)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, AccountResult{
				Venue:   b.Account.Venue,
				Account: b.Account.Name,
				Err:     err,
			})
			if err == nil {
				summaries = append(summaries, Summary{
					Venue:   b.Account.Venue,
					Account: b.Account.Name,
					Info:    info,
				})
			}
			return nil
		})
	})
	_ = g.Wait()

	var combined error
	for _, res := range results {
		if res.Err != nil {
			combined = multierr.Append(combined, res.Err)
		}
	}
	return summaries, results, combined
}

// OpenOrders returns every non-terminal order across the selected bindings.
func (r *Router) OpenOrders(venue string, accounts []string) []order.UnifiedOrder {
	var out []order.UnifiedOrder
	r.reg.ForEach(venue, accounts, func(b *registry.Binding) {
		for _, o := range r.machine.Orders(b.Account.Venue, b.Account.Name) {
			if !o.State.Terminal() {
				out = append(out, o)
			}
		}
	})
	return out
}
