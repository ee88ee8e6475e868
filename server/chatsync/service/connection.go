package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	commonlog "chatsync/server/common/log"
	"chatsync/server/common/transport/stomp"
)

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	// StateFailed is terminal: retries are exhausted until Connect is called again.
	StateFailed ConnState = "failed"
)

var allConnStates = []ConnState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed}

// ConnEvent is published on every state change. Attempt and Delay are set
// while reconnecting.
type ConnEvent struct {
	State   ConnState
	Attempt int
	Delay   time.Duration
	Err     error
}

type ConnectionConfig struct {
	URL              string
	Host             string
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	Backoff          BackoffPolicy
}

type FrameHandler interface {
	HandleFrame(f stomp.Frame)
}

// Connection owns the single STOMP session to the messaging gateway.
type Connection struct {
	cfg      ConnectionConfig
	dialer   Dialer
	registry *SubscriptionRegistry
	handler  FrameHandler
	metrics  *Metrics

	mu          sync.Mutex
	state       ConnState
	token       string
	session     *session
	cancelRetry context.CancelFunc
	gen         uint64

	listenerMu   sync.Mutex
	listeners    map[int]func(ConnEvent)
	nextListener int
}

type session struct {
	transport Transport
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.transport.Close()
	})
}

func (s *session) WriteFrame(f stomp.Frame) error {
	return s.transport.WriteMessage(f.Encode())
}

func NewConnection(cfg ConnectionConfig, dialer Dialer, registry *SubscriptionRegistry, handler FrameHandler, metrics *Metrics) *Connection {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	c := &Connection{
		cfg:       cfg,
		dialer:    dialer,
		registry:  registry,
		handler:   handler,
		metrics:   metrics,
		state:     StateDisconnected,
		listeners: map[int]func(ConnEvent){},
	}
	metrics.setState(StateDisconnected)
	return c
}

// OnEvent registers fn for state changes and returns a function that removes it.
// Listeners run on the connection's goroutines and must not block.
func (c *Connection) OnEvent(fn func(ConnEvent)) func() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Connection) emit(ev ConnEvent) {
	c.metrics.setState(ev.State)
	c.listenerMu.Lock()
	fns := make([]func(ConnEvent), 0, len(c.listeners))
	for i := 0; i < c.nextListener; i++ {
		if fn, ok := c.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.listenerMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect returns once the gateway has acknowledged the session. ErrUnauthorized
// is not worth retrying; a *TransportError is.
func (c *Connection) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	old := c.session
	c.session = nil
	c.registry.Detach()
	c.token = token
	c.state = StateConnecting
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
	c.emit(ConnEvent{State: StateConnecting})

	sess, err := c.establish(ctx, token)
	if err != nil {
		if c.transition(gen, StateDisconnected, ConnEvent{Err: err}) {
			commonlog.Warnf("event=chat_connection action=connect status=failed error=%v", err)
		}
		return err
	}
	if !c.activate(gen, sess) {
		sess.close()
		return ErrNotConnected
	}
	commonlog.Infof("event=chat_connection action=connect status=ok url=%s", c.cfg.URL)
	c.emit(ConnEvent{State: StateConnected})
	return nil
}

// Disconnect closes the session and cancels any pending reconnect.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.gen++
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	sess := c.session
	c.session = nil
	c.registry.Detach()
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if sess != nil {
		_ = sess.WriteFrame(stomp.New(stomp.CommandDisconnect))
		sess.close()
	}
	if changed {
		commonlog.Infof("event=chat_connection action=disconnect status=ok")
		c.emit(ConnEvent{State: StateDisconnected})
	}
	return nil
}

// Send publishes a JSON body to an application destination. It never queues:
// without a live session it fails with ErrNotConnected.
func (c *Connection) Send(destination string, body any, headers ...stomp.Header) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sess := c.session
	connected := c.state == StateConnected
	c.mu.Unlock()
	if sess == nil || !connected {
		return ErrNotConnected
	}
	frame := stomp.New(stomp.CommandSend,
		stomp.HeaderDestination, destination,
		stomp.HeaderContentType, "application/json",
	)
	frame.Headers = append(frame.Headers, headers...)
	frame.Body = payload
	if err := sess.WriteFrame(frame); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *Connection) establish(ctx context.Context, token string) (*session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	t, err := c.dialer.Dial(ctx, c.cfg.URL, header)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		var te *TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	hb := strconv.FormatInt(c.cfg.Heartbeat.Milliseconds(), 10)
	connect := stomp.New(stomp.CommandConnect,
		stomp.HeaderAcceptVersion, "1.2",
		stomp.HeaderHost, c.cfg.Host,
		stomp.HeaderHeartBeat, hb+","+hb,
		stomp.HeaderAuthorization, "Bearer "+token,
	)
	if err := t.WriteMessage(connect.Encode()); err != nil {
		_ = t.Close()
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	_ = t.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	for {
		data, err := t.ReadMessage()
		if err != nil {
			_ = t.Close()
			if ctx.Err() != nil {
				return nil, &TransportError{Op: "handshake", Err: ctx.Err()}
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, &TransportError{Op: "handshake", Err: ErrHandshakeTimeout}
			}
			return nil, &TransportError{Op: "handshake", Err: err}
		}
		f, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			_ = t.Close()
			return nil, &TransportError{Op: "handshake", Err: err}
		}
		switch f.Command {
		case stomp.CommandConnected:
			_ = t.SetReadDeadline(time.Time{})
			return &session{transport: t, done: make(chan struct{})}, nil
		case stomp.CommandError:
			_ = t.Close()
			if isAuthFailure(f) {
				return nil, ErrUnauthorized
			}
			return nil, &TransportError{Op: "handshake", Err: errors.New(f.Get(stomp.HeaderMessage))}
		}
	}
}

func isAuthFailure(f stomp.Frame) bool {
	text := strings.ToLower(f.Get(stomp.HeaderMessage) + " " + string(f.Body))
	for _, marker := range []string{"unauthor", "auth", "forbidden", "401", "403", "invalid token", "expired"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// activate installs sess as the live session unless gen was superseded.
func (c *Connection) activate(gen uint64, sess *session) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.session = sess
	c.cancelRetry = nil
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.registry.Replay(sess); err != nil {
		commonlog.Warnf("event=chat_connection action=resubscribe status=failed error=%v", err)
	}
	go c.readLoop(sess, gen)
	if c.cfg.Heartbeat > 0 {
		go c.heartbeatLoop(sess)
	}
	return true
}

func (c *Connection) transition(gen uint64, state ConnState, ev ConnEvent) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.mu.Unlock()
	ev.State = state
	c.emit(ev)
	return true
}

func (c *Connection) readLoop(sess *session, gen uint64) {
	for {
		if c.cfg.Heartbeat > 0 {
			_ = sess.transport.SetReadDeadline(time.Now().Add(2 * c.cfg.Heartbeat))
		}
		data, err := sess.transport.ReadMessage()
		if err != nil {
			c.handleClose(sess, gen, err)
			return
		}
		f, err := stomp.Decode(data)
		if errors.Is(err, stomp.ErrHeartbeat) {
			continue
		}
		if err != nil {
			commonlog.Warnf("event=chat_frame action=decode status=dropped error=%v", err)
			c.metrics.frameDropped("malformed")
			continue
		}
		switch f.Command {
		case stomp.CommandMessage, stomp.CommandError:
			c.handler.HandleFrame(f)
		default:
			commonlog.Debugf("event=chat_frame action=ignore command=%s", f.Command)
		}
	}
}

func (c *Connection) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.transport.WriteMessage(stomp.Heartbeat()); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleClose(sess *session, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.session != sess {
		c.mu.Unlock()
		sess.close()
		return
	}
	c.session = nil
	c.registry.Detach()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRetry = cancel
	token := c.token
	c.mu.Unlock()

	sess.close()
	if isCleanClose(cause) {
		commonlog.Infof("event=chat_connection action=closed status=remote error=%v", cause)
	} else {
		commonlog.Warnf("event=chat_connection action=closed status=unexpected error=%v", cause)
	}
	go c.reconnectLoop(ctx, gen, token)
}

func (c *Connection) reconnectLoop(ctx context.Context, gen uint64, token string) {
	policy := c.cfg.Backoff
	var lastErr error
	for attempt := 1; !policy.Exhausted(attempt); attempt++ {
		delay := policy.Delay(attempt)
		if !c.transition(gen, StateReconnecting, ConnEvent{Attempt: attempt, Delay: delay, Err: lastErr}) {
			return
		}
		c.metrics.reconnectAttempt()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sess, err := c.establish(ctx, token)
		if err == nil {
			if !c.activate(gen, sess) {
				sess.close()
				return
			}
			commonlog.Infof("event=chat_connection action=reconnect status=ok attempt=%d", attempt)
			c.emit(ConnEvent{State: StateConnected, Attempt: attempt})
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		commonlog.Warnf("event=chat_connection action=reconnect status=failed attempt=%d delay_ms=%d error=%v", attempt, delay.Milliseconds(), err)
		if errors.Is(err, ErrUnauthorized) {
			break
		}
	}
	c.mu.Lock()
	if c.gen == gen {
		c.cancelRetry = nil
	}
	c.mu.Unlock()
	if c.transition(gen, StateFailed, ConnEvent{Attempt: policy.MaxAttempts, Err: lastErr}) {
		commonlog.Errorf("event=chat_connection action=reconnect status=exhausted attempts=%d error=%v", policy.MaxAttempts, lastErr)
	}
}
