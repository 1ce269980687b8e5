package session

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// InboundHandler receives every inbound text message, in arrival order, on the
// handle's read goroutine. The next message is not read until it returns.
type InboundHandler func(ctx context.Context, payload string)

// ReconnectPolicy bounds automatic reconnects after an unexpected close.
// MaxAttempts == 0 keeps a lost connection closed.
type ReconnectPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ConnectionHandle is one dialed transport. Only the ConnectionManager mutates it.
type ConnectionHandle struct {
	ID       string
	Endpoint string

	conn    *websocket.Conn
	state   ConnectionState
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	// explicit is set when Close was requested by the owner, not the peer.
	explicit bool
}

type ConnectionOption func(*ConnectionManager)

func WithDialer(d *websocket.Dialer) ConnectionOption {
	return func(m *ConnectionManager) { m.dialer = d }
}

func WithHeader(h http.Header) ConnectionOption {
	return func(m *ConnectionManager) { m.header = h }
}

// WithKeepalive enables ping frames every pingInterval; the peer must answer
// within pongWait or the connection is considered lost.
func WithKeepalive(pingInterval, pongWait time.Duration) ConnectionOption {
	return func(m *ConnectionManager) {
		m.pingInterval = pingInterval
		m.pongWait = pongWait
	}
}

func WithWriteWait(d time.Duration) ConnectionOption {
	return func(m *ConnectionManager) { m.writeWait = d }
}

func WithMaxMessageSize(n int64) ConnectionOption {
	return func(m *ConnectionManager) { m.maxMessageSize = n }
}

func WithReconnect(p ReconnectPolicy) ConnectionOption {
	return func(m *ConnectionManager) { m.reconnect = p }
}

func WithInboundHandler(h InboundHandler) ConnectionOption {
	return func(m *ConnectionManager) { m.handler = h }
}

// ConnectionManager owns the duplex transport and publishes every state
// transition to the store. At most one handle is alive at a time.
type ConnectionManager struct {
	store          ConnectionStateWriter
	dialer         *websocket.Dialer
	header         http.Header
	pingInterval   time.Duration
	pongWait       time.Duration
	writeWait      time.Duration
	maxMessageSize int64
	reconnect      ReconnectPolicy

	publishMu sync.Mutex
	mu        sync.Mutex
	current   *ConnectionHandle
	handler   InboundHandler
	// stopReconnect cancels a pending reconnect loop.
	stopReconnect context.CancelFunc
	wg            sync.WaitGroup

	logger zerolog.Logger
}

func NewConnectionManager(store ConnectionStateWriter, opts ...ConnectionOption) *ConnectionManager {
	m := &ConnectionManager{
		store:          store,
		dialer:         websocket.DefaultDialer,
		writeWait:      defaultWriteWait,
		pongWait:       defaultPongWait,
		maxMessageSize: defaultMaxMessageSize,
		logger:         log.With().Str("component", "connection").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetInboundHandler replaces the inbound handler for subsequent messages.
func (m *ConnectionManager) SetInboundHandler(h InboundHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// State returns the state of the current handle, or Closed when there is none.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return StateClosed
	}
	return m.current.state
}

// Current returns the live handle, if any.
func (m *ConnectionManager) Current() *ConnectionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Open dials endpoint. Any previous handle is closed first. ctx bounds the dial
// only; the handle lives until Close or until the peer goes away.
func (m *ConnectionManager) Open(ctx context.Context, endpoint string) (*ConnectionHandle, error) {
	m.mu.Lock()
	prev := m.current
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.mu.Unlock()
	if prev != nil {
		_ = m.Close(prev)
	}
	h, err := m.install(ctx, endpoint, prev)
	if err != nil {
		return nil, err
	}
	if err := m.connect(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// install makes a new Connecting handle current in place of replaces. It fails
// when another Open already replaced replaces or ctx is done.
func (m *ConnectionManager) install(ctx context.Context, endpoint string, replaces *ConnectionHandle) (*ConnectionHandle, error) {
	hctx, cancel := context.WithCancel(context.Background())
	h := &ConnectionHandle{
		ID:       uuid.NewString(),
		Endpoint: endpoint,
		state:    StateConnecting,
		ctx:      hctx,
		cancel:   cancel,
	}
	m.mu.Lock()
	if m.current != replaces || ctx.Err() != nil {
		m.mu.Unlock()
		cancel()
		return nil, errors.Wrap(ErrNotConnected, "superseded by a newer connection")
	}
	m.current = h
	m.mu.Unlock()
	m.syncState()
	return h, nil
}

// connect dials an installed handle. Closing the handle aborts a handshake in
// progress.
func (m *ConnectionManager) connect(ctx context.Context, h *ConnectionHandle) error {
	endpoint := h.Endpoint
	cancel := h.cancel
	logger := m.logger.With().Str("handle_id", h.ID).Str("endpoint", endpoint).Logger()
	logger.Debug().Msg("dialing")

	dctx, dcancel := context.WithCancel(ctx)
	stop := context.AfterFunc(h.ctx, dcancel)
	dialer, release := m.abortableDialer(dctx)
	conn, resp, err := dialer.DialContext(dctx, endpoint, m.header)
	release()
	stop()
	dcancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		cancel()
		m.mu.Lock()
		h.state = StateClosed
		m.mu.Unlock()
		m.syncState()
		logger.Warn().Err(err).Msg("dial failed")
		return errors.Wrapf(err, "dial %s", endpoint)
	}

	m.mu.Lock()
	if m.current != h || h.state != StateConnecting {
		// closed while dialing
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		return errors.Wrap(ErrNotConnected, "connection closed while dialing")
	}
	h.conn = conn
	h.state = StateOpen
	handler := m.handler
	m.mu.Unlock()
	m.syncState()
	logger.Info().Msg("connection open")

	m.wg.Add(1)
	go m.readLoop(h, handler, logger)
	if m.pingInterval > 0 {
		m.wg.Add(1)
		go m.pingLoop(h, logger)
	}
	return nil
}

// abortableDialer copies the configured dialer so that the raw socket is closed
// when ctx ends before the handshake completes. release must be called once
// DialContext returns so that a completed connection outlives ctx.
func (m *ConnectionManager) abortableDialer(ctx context.Context) (d *websocket.Dialer, release func()) {
	cp := *m.dialer
	base := cp.NetDialContext
	if base == nil && cp.NetDial != nil {
		netDial := cp.NetDial
		base = func(_ context.Context, network, addr string) (net.Conn, error) {
			return netDial(network, addr)
		}
	}
	if base == nil {
		nd := &net.Dialer{}
		base = nd.DialContext
	}

	var mu sync.Mutex
	var stops []func() bool
	cp.NetDial = nil
	cp.NetDialContext = func(dialCtx context.Context, network, addr string) (net.Conn, error) {
		c, err := base(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		mu.Lock()
		stops = append(stops, stop)
		mu.Unlock()
		return c, nil
	}
	return &cp, func() {
		mu.Lock()
		defer mu.Unlock()
		for _, stop := range stops {
			stop()
		}
	}
}

// Send writes payload as one text message. It fails with ErrNotConnected
// unless h is the live handle and is open.
func (m *ConnectionManager) Send(h *ConnectionHandle, payload string) error {
	m.mu.Lock()
	if h == nil || m.current != h || h.state != StateOpen {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := h.conn
	m.mu.Unlock()

	h.writeMu.Lock()
	if m.writeWait > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.writeWait))
	}
	err := conn.WriteMessage(websocket.TextMessage, []byte(payload))
	h.writeMu.Unlock()
	if err != nil {
		m.transportClosed(h, err)
		return errors.Wrap(ErrNotConnected, err.Error())
	}
	return nil
}

// SendText sends on whatever handle is currently live.
func (m *ConnectionManager) SendText(payload string) error {
	return m.Send(m.Current(), payload)
}

// Close tears the handle down and publishes Closed before returning. Closing a
// handle that is already closed is a no-op.
func (m *ConnectionManager) Close(h *ConnectionHandle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	if h.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	h.explicit = true
	h.state = StateClosed
	isCurrent := m.current == h
	if isCurrent && m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	conn := h.conn
	m.mu.Unlock()

	h.cancel()
	var err error
	if conn != nil {
		h.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		h.writeMu.Unlock()
		err = conn.Close()
	}
	if isCurrent {
		m.syncState()
	}
	m.logger.Info().Str("handle_id", h.ID).Msg("connection closed")
	return err
}

// Shutdown closes the current handle, stops reconnects and waits for the
// read and ping goroutines to exit.
func (m *ConnectionManager) Shutdown() {
	_ = m.Close(m.Current())
	m.mu.Lock()
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *ConnectionManager) readLoop(h *ConnectionHandle, handler InboundHandler, logger zerolog.Logger) {
	defer m.wg.Done()
	conn := h.conn
	if m.maxMessageSize > 0 {
		conn.SetReadLimit(m.maxMessageSize)
	}
	if m.pingInterval > 0 && m.pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(m.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.pongWait))
		})
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("read loop ended unexpectedly")
			} else {
				logger.Debug().Err(err).Msg("read loop end")
			}
			m.transportClosed(h, err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		m.mu.Lock()
		if m.handler != nil {
			handler = m.handler
		}
		m.mu.Unlock()
		if handler != nil {
			handler(h.ctx, string(data))
		}
	}
}

func (m *ConnectionManager) pingLoop(h *ConnectionHandle, logger zerolog.Logger) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeWait))
			h.writeMu.Unlock()
			if err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				m.transportClosed(h, err)
				return
			}
		}
	}
}

// transportClosed handles a close that the owner did not ask for.
func (m *ConnectionManager) transportClosed(h *ConnectionHandle, cause error) {
	m.mu.Lock()
	if h.state == StateClosed {
		m.mu.Unlock()
		return
	}
	h.state = StateClosed
	isCurrent := m.current == h
	var rctx context.Context
	if isCurrent && !h.explicit && m.reconnect.MaxAttempts > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithCancel(context.Background())
		m.stopReconnect = cancel
	}
	m.mu.Unlock()

	h.cancel()
	if h.conn != nil {
		_ = h.conn.Close()
	}
	if !isCurrent {
		return
	}
	m.syncState()
	m.logger.Info().Str("handle_id", h.ID).AnErr("cause", cause).Msg("transport closed")

	if rctx != nil {
		m.wg.Add(1)
		go m.reconnectLoop(rctx, h)
	}
}

// reconnectLoop redials lost's endpoint. It stops as soon as a handle it did
// not install becomes current.
func (m *ConnectionManager) reconnectLoop(ctx context.Context, lost *ConnectionHandle) {
	defer m.wg.Done()
	endpoint := lost.Endpoint
	last := lost
	b := backoff.NewExponentialBackOff()
	if m.reconnect.InitialInterval > 0 {
		b.InitialInterval = m.reconnect.InitialInterval
	}
	if m.reconnect.MaxInterval > 0 {
		b.MaxInterval = m.reconnect.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		h, err := m.install(ctx, endpoint, last)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = h
		attempt++
		m.logger.Info().Int("attempt", attempt).Str("endpoint", endpoint).Msg("reconnecting")
		return m.connect(ctx, h)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.reconnect.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		m.logger.Warn().Err(err).Int("attempts", attempt).Msg("giving up on reconnect")
	}
}

// syncState publishes the state of the current handle. Publications are
// serialized and each one reads the state it publishes, so the store always
// ends on the live state even when transitions race.
func (m *ConnectionManager) syncState() {
	if m.store == nil {
		return
	}
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	m.store.SetConnectionState(m.State())
}
