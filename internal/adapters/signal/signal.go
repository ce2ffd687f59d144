// Package signal is the client side of the signaling hub: one WebSocket
// channel per class session with reconnect and presence re-announcement.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

// Dialer opens the WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

type Options struct {
	HubURL string
	Self   domain.UserID
	Dialer Dialer

	SendBuffer     int
	ConnectRetries int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	// ReadTimeout drops a silent connection and reconnects. Zero disables it.
	ReadTimeout time.Duration
	ReadLimit   int64
}

func (o *Options) withDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ConnectRetries < 0 {
		o.ConnectRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 8 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
}

// Adapter hands out one Channel per session id.
type Adapter struct {
	opts Options

	mu       sync.Mutex
	channels map[domain.SessionID]*Channel
}

func New(opts Options) *Adapter {
	opts.withDefaults()
	return &Adapter{
		opts:     opts,
		channels: make(map[domain.SessionID]*Channel),
	}
}

// Connect opens the channel for sid, or returns the one already open.
// The first dial is retried ConnectRetries times before failing with
// core.ErrChannelUnavailable.
func (a *Adapter) Connect(ctx context.Context, sid domain.SessionID) (core.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.channels[sid]; ok && !ch.isClosed() {
		return ch, nil
	}

	target, err := a.endpoint(sid)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", sid, err)
	}

	ch := newChannel(a, sid, target)
	ch.setState(core.ChannelConnecting)
	conn, err := ch.dial(ctx, a.initialBackoff())
	if err != nil {
		ch.cancel()
		log.Error().Err(err).Str("module", "signal").Str("session", string(sid)).Msg("hub unreachable")
		return nil, fmt.Errorf("connect %s: %w", sid, errors.Join(core.ErrChannelUnavailable, err))
	}
	a.channels[sid] = ch
	ch.setState(core.ChannelConnected)
	go ch.run(conn)

	log.Info().Str("module", "signal").Str("session", string(sid)).Str("user", string(a.opts.Self)).Msg("channel open")
	return ch, nil
}

// Close disconnects every open channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	chans := make([]*Channel, 0, len(a.channels))
	for _, ch := range a.channels {
		chans = append(chans, ch)
	}
	a.mu.Unlock()

	var errs []error
	for _, ch := range chans {
		errs = append(errs, ch.Disconnect())
	}
	return errors.Join(errs...)
}

func (a *Adapter) forget(sid domain.SessionID, ch *Channel) {
	a.mu.Lock()
	if a.channels[sid] == ch {
		delete(a.channels, sid)
	}
	a.mu.Unlock()
}

func (a *Adapter) endpoint(sid domain.SessionID) (string, error) {
	u, err := url.Parse(a.opts.HubURL)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("api", "sessions", string(sid), "ws")
	q := u.Query()
	q.Set("user", string(a.opts.Self))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) initialBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(a.exponential(), uint64(a.opts.ConnectRetries))
}

func (a *Adapter) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.BackoffBase
	b.MaxInterval = a.opts.BackoffCap
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Channel is one session's signaling connection. Frames queued while the
// connection is down are delivered after it comes back, up to SendBuffer.
type Channel struct {
	a   *Adapter
	sid domain.SessionID
	url string

	ctx    context.Context
	cancel context.CancelFunc
	send   chan core.Frame
	done   chan struct{}
	// carry is a frame whose write failed; the next writer sends it first.
	carry core.Frame

	mu        sync.RWMutex
	state     core.ChannelState
	closed    bool
	onMessage func(core.ControlMessage)
	onState   func(core.ChannelState)
	presence  func() []core.ControlMessage

	closeOnce sync.Once
}

var _ core.Channel = (*Channel)(nil)

func newChannel(a *Adapter, sid domain.SessionID, target string) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		a:      a,
		sid:    sid,
		url:    target,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan core.Frame, a.opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Channel) SessionID() domain.SessionID { return c.sid }

func (c *Channel) OnMessage(fn func(core.ControlMessage)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Channel) OnStateChange(fn func(core.ChannelState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Channel) SetPresence(fn func() []core.ControlMessage) {
	c.mu.Lock()
	c.presence = fn
	c.mu.Unlock()
}

func (c *Channel) State() core.ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Send queues msg for delivery. It never blocks: a full queue reports
// core.ErrBackpressure.
func (c *Channel) Send(msg core.ControlMessage) error {
	if msg.SenderID == "" {
		msg.SenderID = c.a.opts.Self
	}
	f, err := core.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return c.trySend(f)
}

func (c *Channel) trySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Disconnect queues a leave, flushes the queue and closes the connection.
func (c *Channel) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		leave := core.NewMessage(c.a.opts.Self, core.Leave{})
		if sendErr := c.Send(leave); sendErr != nil {
			log.Warn().Err(sendErr).Str("module", "signal").Str("session", string(c.sid)).Msg("leave not queued")
		}

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()

		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			err = fmt.Errorf("disconnect %s: flush timed out", c.sid)
		}
		c.a.forget(c.sid, c)
		log.Info().Str("module", "signal").Str("session", string(c.sid)).Msg("channel closed")
	})
	return err
}

func (c *Channel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Channel) setState(s core.ChannelState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Channel) dial(ctx context.Context, b backoff.BackOff) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := c.a.opts.Dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("hub rejected: %s", resp.Status))
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("module", "signal").Str("session", string(c.sid)).Dur("retry_in", wait).Msg("dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// run serves connections until Disconnect, redialing with capped exponential
// backoff whenever one drops.
func (c *Channel) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.serve(conn)
		if c.ctx.Err() != nil {
			c.setState(core.ChannelClosed)
			return
		}

		c.setState(core.ChannelReconnecting)
		log.Warn().Str("module", "signal").Str("session", string(c.sid)).Msg("connection lost, reconnecting")

		next, err := c.dial(c.ctx, c.a.exponential())
		if err != nil {
			c.setState(core.ChannelClosed)
			return
		}
		conn = next
		c.setState(core.ChannelConnected)
		c.announce()
	}
}

// announce re-sends presence so peers that pruned us on silence learn we are back.
func (c *Channel) announce() {
	c.mu.RLock()
	fn := c.presence
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, msg := range fn() {
		if err := c.Send(msg); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("type", string(msg.Type())).Msg("presence not queued")
		}
	}
}

func (c *Channel) deliver(msg core.ControlMessage) {
	self := c.a.opts.Self
	if msg.SenderID == self {
		return
	}
	if msg.Directed() && msg.TargetID != self {
		return
	}
	c.mu.RLock()
	fn := c.onMessage
	c.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}
