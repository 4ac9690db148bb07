package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"perpgate/pkg/connector"
	"perpgate/pkg/verr"
)

// Binding pairs an Account with its live adapter instance and connection
// status. Status is mutated only by the binding's connection-management
// goroutine; everyone else observes it through Status() and the watcher
// callbacks.
type Binding struct {
	Account Account

	conn connector.Connector
	log  *zap.Logger

	mu       sync.RWMutex
	status   connector.ConnStatus
	watchers []func(connector.ConnStatus)

	runOnce  sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Connector exposes the adapter for this binding only. The router passes
// exactly this value into adapter calls, which is how account isolation is
// enforced: no call path ever sees another account's connector or handle.
func (b *Binding) Connector() connector.Connector { return b.conn }

// Status returns the current connection status.
func (b *Binding) Status() connector.ConnStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// WatchStatus registers a callback invoked on every status change.
func (b *Binding) WatchStatus(fn func(connector.ConnStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, fn)
}

// setStatus is called only from the connection-management goroutine.
func (b *Binding) setStatus(s connector.ConnStatus) {
	b.mu.Lock()
	if b.status == s {
		b.mu.Unlock()
		return
	}
	b.status = s
	watchers := make([]func(connector.ConnStatus), len(b.watchers))
	copy(watchers, b.watchers)
	b.mu.Unlock()

	b.log.Info("binding status changed", zap.String("status", string(s)))
	for _, fn := range watchers {
		fn(s)
	}
}

// Start launches the long-lived connection-management goroutine: it
// authenticates the session and re-authenticates with backoff whenever the
// binding degrades. acquire gates each attempt through the governor's
// connect budget.
func (b *Binding) Start(ctx context.Context, acquire func(context.Context) error) {
	b.runOnce.Do(func() {
		b.stopCh = make(chan struct{})
		b.wg.Add(1)
		go b.manage(ctx, acquire)
	})
}

func (b *Binding) manage(ctx context.Context, acquire func(context.Context) error) {
	defer b.wg.Done()

	delay := time.Second
	const maxDelay = time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}

		b.setStatus(connector.StatusConnecting)

		err := b.authenticate(ctx, acquire)
		if err == nil {
			b.setStatus(connector.StatusAuthenticated)
			return
		}

		if verr.HasKind(err, verr.KindAuth) {
			// Bad credentials never fix themselves; stay degraded and
			// wait for operator action.
			b.log.Error("authentication rejected", zap.Error(err))
			b.setStatus(connector.StatusDegraded)
			return
		}

		b.log.Warn("authentication failed, will retry",
			zap.Error(err), zap.Duration("delay", delay))
		b.setStatus(connector.StatusDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (b *Binding) authenticate(ctx context.Context, acquire func(context.Context) error) error {
	if acquire != nil {
		if err := acquire(ctx); err != nil {
			return err
		}
	}
	status, err := b.conn.Authenticate(ctx, b.Account.Handle)
	if err != nil {
		return err
	}
	if status != connector.StatusAuthenticated {
		return verr.Newf(verr.KindVenueUnavailable, b.Account.Venue,
			"authentication ended in %s", status)
	}
	return nil
}

// MarkDegraded is called by the multiplexer when the push feed drops; the
// status flows through the same watcher path as auth transitions.
func (b *Binding) MarkDegraded(detail string) {
	b.mu.RLock()
	current := b.status
	b.mu.RUnlock()
	if current == connector.StatusAuthenticated {
		b.log.Warn("binding degraded", zap.String("detail", detail))
		b.setStatus(connector.StatusDegraded)
	}
}

// MarkLive restores AUTHENTICATED after a successful resync.
func (b *Binding) MarkLive() {
	b.mu.RLock()
	current := b.status
	b.mu.RUnlock()
	if current == connector.StatusDegraded {
		b.setStatus(connector.StatusAuthenticated)
	}
}

func (b *Binding) shutdown() {
	b.stopOnce.Do(func() {
		if b.stopCh != nil {
			close(b.stopCh)
		}
	})
	b.wg.Wait()
	if err := b.conn.Close(); err != nil {
		b.log.Warn("connector close failed", zap.Error(err))
	}
	b.setStatus(connector.StatusDisconnected)
}
