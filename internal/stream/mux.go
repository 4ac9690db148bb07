// Package stream multiplexes one venue push feed per account binding out to
// any number of subscribers. The upstream subscription is shared: however
// many consumers attach, the venue sees exactly one stream.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"perpgate/pkg/connector"
)

// StatusCoupler lets feed health flow into the binding's connection status.
type StatusCoupler interface {
	MarkDegraded(detail string)
	MarkLive()
}

// Config tunes reconnect behavior and fanout buffering.
type Config struct {
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	SubscriberBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,
		SubscriberBuffer: 256,
	}
}

// Mux owns the single upstream event stream for one (venue, account) and
// fans events out to subscribers. Delivery to a subscriber is non-blocking:
// a full buffer drops the event rather than stalling every other consumer.
type Mux struct {
	venue   string
	account string
	conn    connector.Connector
	coupler StatusCoupler
	resync  func(ctx context.Context) error
	cfg     Config
	log     *zap.Logger

	mu      sync.RWMutex
	subs    map[int]chan connector.Event
	nextID  int
	state   connector.StreamState
	dropped atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Mux for one binding. resync is invoked while the stream is
// RESYNCING, before any reconnect-replayed events are delivered; the caller
// uses it to re-derive order and position state from venue snapshots.
func New(venue, account string, conn connector.Connector, coupler StatusCoupler, resync func(ctx context.Context) error, cfg Config, logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	return &Mux{
		venue:   venue,
		account: account,
		conn:    conn,
		coupler: coupler,
		resync:  resync,
		cfg:     cfg,
		log: logger.With(
			zap.String("venue", venue),
			zap.String("account", account)),
		subs:   make(map[int]chan connector.Event),
		state:  connector.StreamDisconnected,
		stopCh: make(chan struct{}),
	}
}

// State returns the current feed state.
func (m *Mux) State() connector.StreamState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe attaches a consumer. The returned cancel function detaches it
// and closes the channel; events arriving while the buffer is full are
// dropped for this subscriber only.
func (m *Mux) Subscribe() (<-chan connector.Event, func()) {
	ch := make(chan connector.Event, m.cfg.SubscriberBuffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Run maintains the upstream subscription until ctx is done or Close is
// called: connect, resync, pump, and on any drop reconnect with backoff.
func (m *Mux) Run(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Close stops the pump and detaches every subscriber.
func (m *Mux) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
}

func (m *Mux) loop(ctx context.Context) {
	defer m.wg.Done()

	delay := m.cfg.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		err := m.runStream(ctx)
		if err == nil {
			// Clean shutdown.
			return
		}

		m.setState(connector.StreamDisconnected)
		if m.coupler != nil {
			m.coupler.MarkDegraded(err.Error())
		}
		m.log.Warn("event stream dropped, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.cfg.ReconnectMax {
			delay = m.cfg.ReconnectMax
		}
	}
}

// runStream attaches once and pumps until the stream drops. A nil return
// means shutdown was requested; any error means reconnect.
func (m *Mux) runStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := m.conn.StreamEvents(streamCtx)
	if err != nil {
		return err
	}

	// Snapshot before replay: subscribers see authoritative state first,
	// then any events the venue re-delivers are de-duplicated downstream
	// by per-order sequence tracking.
	m.setState(connector.StreamResyncing)
	if m.resync != nil {
		if err := m.resync(streamCtx); err != nil {
			m.log.Warn("resync failed", zap.Error(err))
			return err
		}
	}
	m.setState(connector.StreamLive)
	if m.coupler != nil {
		m.coupler.MarkLive()
	}

	for {
		select {
		case <-m.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return errStreamClosed
			}
			m.publish(ev)
		}
	}
}

func (m *Mux) publish(ev connector.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.dropped.Add(1)
			m.log.Warn("subscriber buffer full, dropping event",
				zap.Int("subscriber", id),
				zap.Uint64("seq", ev.Seq))
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (m *Mux) Dropped() uint64 { return m.dropped.Load() }

var errStreamClosed = errors.New("event stream closed by venue")

func (m *Mux) setState(s connector.StreamState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.log.Info("stream state changed", zap.String("state", string(s)))
	}
}
