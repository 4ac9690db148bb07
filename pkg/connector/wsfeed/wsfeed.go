// Package wsfeed maintains a reconnecting websocket session for venue
// adapters: one read pump, one write pump with keepalive pings, and
// exponential backoff between attach attempts. Adapters turn the raw
// frames into connector events.
package wsfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config tunes one feed.
type Config struct {
	URL           string
	Header        http.Header
	HandshakeWait time.Duration
	PingInterval  time.Duration
	PongWait      time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	WriteWait     time.Duration
}

// DefaultConfig returns sensible defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		HandshakeWait: 10 * time.Second,
		PingInterval:  20 * time.Second,
		PongWait:      60 * time.Second,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		WriteWait:     5 * time.Second,
	}
}

// Feed is a self-healing websocket session. Messages received from the
// venue are delivered on Messages; outbound frames go through Send. On
// every (re)attach the OnConnect hook runs before any reads, which is
// where adapters re-subscribe and re-authenticate.
type Feed struct {
	cfg Config
	log *zap.Logger

	// OnConnect runs on the freshly attached connection. A returned error
	// aborts the attach and schedules a reconnect.
	OnConnect func(ctx context.Context, send func([]byte) error) error

	messages chan []byte
	outbound chan []byte

	mu       sync.Mutex
	attached bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Feed.
func New(cfg Config, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	return &Feed{
		cfg:      cfg,
		log:      logger.With(zap.String("url", cfg.URL)),
		messages: make(chan []byte, 256),
		outbound: make(chan []byte, 64),
		stopCh:   make(chan struct{}),
	}
}

// Messages returns the inbound frame channel. It closes when the feed is
// closed for good.
func (f *Feed) Messages() <-chan []byte { return f.messages }

// Attached reports whether a connection is currently live.
func (f *Feed) Attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

// Send queues one outbound frame. It fails once the feed is closed or ctx
// expires; frames queued while disconnected are sent after reattach.
func (f *Feed) Send(ctx context.Context, msg []byte) error {
	select {
	case f.outbound <- msg:
		return nil
	case <-f.stopCh:
		return websocket.ErrCloseSent
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until ctx is done or Close is called.
func (f *Feed) Run(ctx context.Context) {
	f.wg.Add(1)
	go f.loop(ctx)
}

// Close tears the session down.
func (f *Feed) Close() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
	close(f.messages)
}

func (f *Feed) loop(ctx context.Context) {
	defer f.wg.Done()

	delay := f.cfg.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
		}

		err := f.session(ctx)
		if err == nil {
			return
		}

		f.log.Warn("websocket session ended, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.ReconnectMax {
			delay = f.cfg.ReconnectMax
		}
	}
}

// session dials, runs the pumps, and returns when the connection dies. A
// nil return means shutdown was requested.
func (f *Feed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeWait}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, f.cfg.Header)
	if err != nil {
		return err
	}
	defer conn.Close()

	writeErr := make(chan error, 1)
	send := func(msg []byte) error {
		conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteWait))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}

	if f.OnConnect != nil {
		if err := f.OnConnect(ctx, send); err != nil {
			return err
		}
	}

	f.setAttached(true)
	defer f.setAttached(false)

	if f.cfg.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
		})
	}

	sessionDone := make(chan struct{})
	defer close(sessionDone)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		var ping <-chan time.Time
		if f.cfg.PingInterval > 0 {
			t := time.NewTicker(f.cfg.PingInterval)
			defer t.Stop()
			ping = t.C
		}
		for {
			select {
			case <-sessionDone:
				return
			case <-f.stopCh:
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(f.cfg.WriteWait))
				conn.Close()
				return
			case msg := <-f.outbound:
				if err := send(msg); err != nil {
					select {
					case writeErr <- err:
					default:
					}
					return
				}
			case <-ping:
				if err := conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(f.cfg.WriteWait)); err != nil {
					select {
					case writeErr <- err:
					default:
					}
					return
				}
			}
		}
	}()

	for {
		select {
		case <-f.stopCh:
			return nil
		case err := <-writeErr:
			return err
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
				return nil
			default:
				return err
			}
		}
		select {
		case f.messages <- msg:
		case <-f.stopCh:
			return nil
		}
	}
}

func (f *Feed) setAttached(v bool) {
	f.mu.Lock()
	f.attached = v
	f.mu.Unlock()
}
