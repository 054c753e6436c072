// Package session runs one live gateway connection per marketplace account:
// dial, register, heartbeat, token upkeep and reconnect, plus the inbound
// demultiplexer that turns pushed frames into replies and deliveries.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/goofish-agent/internal/delivery"
	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/mtop"
	"github.com/adred-codev/goofish-agent/internal/reply"
	"github.com/adred-codev/goofish-agent/internal/wire"
)

const (
	defaultWSURL = "wss://wss-goofish.dingtalk.com/"

	// writeWait bounds a single frame write on the socket.
	writeWait = 10 * time.Second

	// tokenPollInterval is how often the maintenance loop checks whether
	// the access token is due for a refresh.
	tokenPollInterval = 60 * time.Second

	// drainWait bounds how long a token-refresh restart waits for queued
	// frames (in-flight acks mostly) to flush before closing the socket.
	drainWait = 2 * time.Second
)

var (
	// ErrNotConnected is returned when a send is attempted without an
	// active gateway connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrQueueFull is returned when the bounded send queue is saturated.
	ErrQueueFull = errors.New("session: send queue full")
)

// State is the session lifecycle phase, exported for health reporting.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateActive
	StateRefreshing
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateRefreshing:
		return "refreshing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DialFunc opens the raw socket to the gateway. Tests substitute a pipe.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config tunes one session. Zero values take the production defaults.
type Config struct {
	// WSURL is the gateway endpoint.
	WSURL string
	// UserAgent goes into the handshake headers and the register frame.
	UserAgent string
	// HeartbeatInterval spaces the /! frames.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the gateway silence that forces a reconnect.
	// Default twice the heartbeat interval.
	HeartbeatTimeout time.Duration
	// TokenRetryInterval spaces retries after a failed scheduled token
	// refresh. Default 5 minutes.
	TokenRetryInterval time.Duration
	// ReconnectDelay is the fixed pause between connection attempts,
	// jittered ±20% so a fleet of accounts does not herd.
	ReconnectDelay time.Duration
	// SendQueueSize bounds the outbound frame queue. Default 256.
	SendQueueSize int
	// Dial overrides the gateway dialer. Defaults to a gobwas/ws client
	// handshake carrying the account's cookies.
	Dial DialFunc
}

func (c *Config) applyDefaults() {
	if c.WSURL == "" {
		c.WSURL = defaultWSURL
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultWSUserAgent
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.TokenRetryInterval <= 0 {
		c.TokenRetryInterval = 5 * time.Minute
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// liveConn is one socket generation with its bounded send queue. A new one
// is built per connection attempt so stale writers cannot touch a fresh
// socket.
type liveConn struct {
	conn   net.Conn
	sendq  chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *liveConn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// enqueue queues a frame for the write pump without blocking. A full queue
// drops the frame; slow sockets must not stall the read path.
func (c *liveConn) enqueue(frame []byte) error {
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}
	select {
	case c.sendq <- frame:
		return nil
	default:
		monitoring.RecordSendQueueDrop()
		return ErrQueueFull
	}
}

// drain waits until the send queue is empty or the timeout passes. Used
// before a deliberate close so queued acks still reach the gateway.
func (c *liveConn) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(c.sendq) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// pendingSend is a direct send waiting for its conversation id to come back
// from a create-chat request.
type pendingSend struct {
	toID string
	text string
}

// Session drives one account's gateway connection. Start spawns the
// connect/reconnect loop; Stop tears everything down and waits for spawned
// handlers to finish.
type Session struct {
	accountID string
	cfg       Config
	api       *mtop.Client
	selector  *reply.Selector
	pipeline  *delivery.Pipeline
	logger    zerolog.Logger
	dial      DialFunc

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup // run loop
	handlers sync.WaitGroup // spawned reply/delivery goroutines

	state   atomic.Int32
	lastAck atomic.Int64 // unix nanos of the last code-200 frame

	connMu sync.RWMutex
	conn   *liveConn

	pendingMu sync.Mutex
	pending   map[string]pendingSend // mid of create-chat → queued text
}

// New builds a session for one account. The selector and pipeline may be
// nil, in which case inbound chat is logged and dropped.
func New(accountID string, cfg Config, api *mtop.Client, selector *reply.Selector, pipeline *delivery.Pipeline, logger zerolog.Logger) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		accountID: accountID,
		cfg:       cfg,
		api:       api,
		selector:  selector,
		pipeline:  pipeline,
		logger:    logger.With().Str("component", "session").Str("account_id", accountID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]pendingSend),
	}
	s.dial = cfg.Dial
	if s.dial == nil {
		s.dial = s.defaultDial
	}
	s.state.Store(int32(StateIdle))
	return s
}

// AccountID identifies the account this session serves.
func (s *Session) AccountID() string { return s.accountID }

// API exposes the account's signed gateway client so the catalog fetcher
// can reuse the live credentials.
func (s *Session) API() *mtop.Client { return s.api }

// State reports the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// UpdateCookies swaps the account's cookie blob on the underlying gateway
// client. The next connection attempt picks up the new identity.
func (s *Session) UpdateCookies(blob string) error {
	return s.api.SetCookies(blob)
}

// Start launches the connect/reconnect loop.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop tears the session down and blocks until the run loop and all spawned
// handlers have exited.
func (s *Session) Stop() {
	s.cancel()
	if c := s.current(); c != nil {
		c.shutdown()
	}
	s.wg.Wait()
	s.handlers.Wait()
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Info().Str("from", old.String()).Str("to", st.String()).Msg("Session state changed")
	}
}

func (s *Session) current() *liveConn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *Session) setConn(c *liveConn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *Session) clearConn(c *liveConn) {
	s.connMu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *Session) noteAck() {
	s.lastAck.Store(time.Now().UnixNano())
}

func (s *Session) sinceLastAck() time.Duration {
	return time.Since(time.Unix(0, s.lastAck.Load()))
}

// defaultDial performs the gateway handshake with the account's cookies and
// browser user agent, the same headers the web client sends.
func (s *Session) defaultDial(ctx context.Context) (net.Conn, error) {
	header := http.Header{}
	header.Set("Cookie", s.api.CookieString())
	header.Set("User-Agent", s.cfg.UserAgent)
	header.Set("Origin", "https://www.goofish.com")
	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(header),
		Timeout: 15 * time.Second,
	}
	conn, _, _, err := dialer.Dial(ctx, s.cfg.WSURL)
	return conn, err
}

// run is the outer connect/reconnect loop. It exits only on Stop.
func (s *Session) run() {
	defer monitoring.RecoverPanic(s.logger, "session.run", map[string]any{
		"account_id": s.accountID,
	})
	defer s.wg.Done()
	defer s.setState(StateStopped)

	for attempt := 0; ; attempt++ {
		if s.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			s.setState(StateReconnecting)
			monitoring.RecordReconnect()
			delay := jitter(s.cfg.ReconnectDelay)
			s.logger.Info().Dur("delay", delay).Msg("Reconnecting")
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return
			}
		}
		s.setState(StateConnecting)
		if err := s.runConn(); err != nil && s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Connection ended")
		}
	}
}

// runConn serves one socket generation: refresh the token if stale, dial,
// register, then pump frames until the connection dies or is closed.
func (s *Session) runConn() error {
	token, _ := s.api.AccessToken()
	if token == "" || s.api.TokenStale() {
		s.setState(StateRefreshing)
		fresh, err := s.api.RefreshToken(s.ctx)
		if err != nil {
			return fmt.Errorf("token refresh before register: %w", err)
		}
		token = fresh
		s.setState(StateConnecting)
	}

	conn, err := s.dial(s.ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.WSURL, err)
	}
	monitoring.RecordConnect()
	s.logger.Info().Str("url", s.cfg.WSURL).Msg("Gateway connection established")

	c := &liveConn{
		conn:   conn,
		sendq:  make(chan []byte, s.cfg.SendQueueSize),
		closed: make(chan struct{}),
	}
	s.setConn(c)
	defer s.clearConn(c)
	defer c.shutdown()

	s.noteAck()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.writePump(c)
	}()
	go func() {
		defer pumps.Done()
		s.maintainLoop(c)
	}()

	s.setState(StateRegistering)
	if err := c.enqueue(registerFrame(wire.MID(), s.api.DeviceID(), token, s.cfg.UserAgent)); err != nil {
		c.shutdown()
		pumps.Wait()
		return fmt.Errorf("queue register frame: %w", err)
	}
	s.logger.Info().Msg("Register frame queued")

	err = s.readLoop(c)
	c.shutdown()
	pumps.Wait()
	return err
}

// writePump drains the send queue onto the socket. It owns all writes; no
// other goroutine touches the connection's write side.
func (s *Session) writePump(c *liveConn) {
	defer monitoring.RecoverPanic(s.logger, "session.writePump", map[string]any{
		"account_id": s.accountID,
	})
	defer c.shutdown()

	for {
		select {
		case frame := <-c.sendq:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteClientMessage(c.conn, ws.OpText, frame); err != nil {
				s.logger.Debug().Err(err).Msg("Frame write failed")
				return
			}
			monitoring.RecordFrameSent()
		case <-c.closed:
			return
		}
	}
}

// maintainLoop sends heartbeats, watches for gateway silence and keeps the
// access token fresh. A successful scheduled refresh restarts the
// connection so registration picks up the new token.
func (s *Session) maintainLoop(c *liveConn) {
	defer monitoring.RecoverPanic(s.logger, "session.maintainLoop", map[string]any{
		"account_id": s.accountID,
	})

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	tokenCheck := time.NewTicker(tokenPollInterval)
	defer tokenCheck.Stop()

	var retryAfter time.Time

	for {
		select {
		case <-c.closed:
			return
		case <-s.ctx.Done():
			return
		case <-heartbeat.C:
			if err := c.enqueue(heartbeatFrame(wire.MID())); err != nil {
				s.logger.Warn().Err(err).Msg("Heartbeat enqueue failed")
			}
			if silence := s.sinceLastAck(); silence > s.cfg.HeartbeatTimeout {
				s.logger.Warn().Dur("silence", silence).Msg("Heartbeat timed out, forcing reconnect")
				monitoring.RecordHeartbeatTimeout()
				c.shutdown()
				return
			}
		case <-tokenCheck.C:
			if !s.api.TokenStale() || time.Now().Before(retryAfter) {
				continue
			}
			s.setState(StateRefreshing)
			if _, err := s.api.RefreshToken(s.ctx); err != nil {
				retryAfter = time.Now().Add(s.cfg.TokenRetryInterval)
				s.logger.Warn().Err(err).
					Dur("retry_in", s.cfg.TokenRetryInterval).
					Msg("Scheduled token refresh failed, keeping connection")
				s.setState(StateActive)
				continue
			}
			s.logger.Info().Msg("Token refreshed, restarting connection")
			c.drain(drainWait)
			c.shutdown()
			return
		}
	}
}

// readLoop feeds inbound frames to the demultiplexer until the socket dies.
func (s *Session) readLoop(c *liveConn) error {
	defer monitoring.RecoverPanic(s.logger, "session.readLoop", map[string]any{
		"account_id": s.accountID,
	})

	for {
		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		s.handleFrame(c, data)
	}
}

// SendText queues a chat message into an existing conversation. It
// satisfies the delivery pipeline's sender contract.
func (s *Session) SendText(ctx context.Context, chatID, toUserID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.enqueue(sendTextFrame(wire.MID(), wire.UUID(), chatID, s.api.SelfID(), toUserID, text))
}

// SendDirect opens a conversation about an item and sends text once the
// gateway returns the conversation id.
func (s *Session) SendDirect(toUserID, itemID, text string) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	mid := wire.MID()
	s.pendingMu.Lock()
	s.pending[mid] = pendingSend{toID: toUserID, text: text}
	s.pendingMu.Unlock()
	if err := c.enqueue(createChatFrame(mid, wire.UUID(), s.api.SelfID(), toUserID, itemID)); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, mid)
		s.pendingMu.Unlock()
		return err
	}
	return nil
}

// spawn runs fn on its own goroutine, tracked so Stop can wait for it.
func (s *Session) spawn(name string, fn func(ctx context.Context)) {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer monitoring.RecoverPanic(s.logger, name, map[string]any{
			"account_id": s.accountID,
		})
		fn(s.ctx)
	}()
}

func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
