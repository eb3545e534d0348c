package totem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// StatusNormalClosure is the close code used for a deliberate local
// disconnect. Closes with this code never trigger a reconnect.
const StatusNormalClosure = int(websocket.StatusNormalClosure)

// statusAbnormalClosure is reported when the socket dies without a close
// frame (dial failure, network loss).
const statusAbnormalClosure = int(websocket.StatusAbnormalClosure)

// SocketEvents receives the lifecycle of one socket. Handlers may be called
// from any goroutine, but never concurrently for the same socket.
type SocketEvents struct {
	OnOpen    func()
	OnMessage func(frame []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Socket is one underlying push-channel connection.
type Socket interface {
	Send(frame []byte) error
	Close(code int, reason string) error
}

// Transport opens sockets. Open must return before any event fires; the
// outcome of the dial is reported through events.
type Transport interface {
	Open(url string, events SocketEvents) Socket
}

// Queue snapshots can outgrow the library's 32 KiB default.
const readLimit = 1 << 20

// WebSocketTransport is the production Transport. An open socket is pinged
// every HeartbeatInterval; a ping that gets no pong within HeartbeatTimeout
// closes the socket as abnormal so the manager reconnects. A negative
// HeartbeatInterval disables the heartbeat.
type WebSocketTransport struct {
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Options           *websocket.DialOptions
}

func (t *WebSocketTransport) defaults() {
	if t.DialTimeout == 0 {
		t.DialTimeout = 15 * time.Second
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = 5 * time.Second
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = 25 * time.Second
	}
	if t.HeartbeatTimeout == 0 {
		t.HeartbeatTimeout = 10 * time.Second
	}
}

// Open dials url in the background.
func (t *WebSocketTransport) Open(url string, events SocketEvents) Socket {
	t.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSocket{transport: t, cancel: cancel}
	go s.run(ctx, url, events)
	return s
}

type wsSocket struct {
	transport *WebSocketTransport
	cancel    context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	pingErr error
}

func (s *wsSocket) run(ctx context.Context, url string, events SocketEvents) {
	dialCtx, cancelDial := context.WithTimeout(ctx, s.transport.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, url, s.transport.Options)
	cancelDial()
	if err != nil {
		events.OnError(err)
		events.OnClose(statusAbnormalClosure, err.Error())
		return
	}

	conn.SetReadLimit(readLimit)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	events.OnOpen()

	if s.transport.HeartbeatInterval > 0 {
		go s.heartbeatLoop(ctx, conn)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			pingErr := s.pingErr
			s.mu.Unlock()
			if pingErr != nil {
				events.OnError(pingErr)
				events.OnClose(statusAbnormalClosure, "heartbeat timeout")
				return
			}
			code := int(websocket.CloseStatus(err))
			reason := ""
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				reason = ce.Reason
			}
			if code == -1 {
				events.OnError(err)
				code, reason = statusAbnormalClosure, err.Error()
			}
			events.OnClose(code, reason)
			return
		}
		events.OnMessage(data)
	}
}

// heartbeatLoop pings until ctx ends. A missed pong cancels ctx, which
// tears the connection down and ends the read loop.
func (s *wsSocket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.transport.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.transport.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.pingErr = fmt.Errorf("heartbeat: %w", err)
			s.mu.Unlock()
			s.cancel()
			return
		}
	}
}

func (s *wsSocket) Send(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.transport.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// Still dialing: abandon the attempt.
		s.cancel()
		return nil
	}
	defer s.cancel()
	return conn.Close(websocket.StatusCode(code), reason)
}

// ============================================================================
// Connection Manager
// ============================================================================

// ConnectionStatus is the state of a push channel.
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusOpen       ConnectionStatus = "open"
	StatusClosed     ConnectionStatus = "closed"
	StatusError      ConnectionStatus = "error"
)

// ConnectionConfig configures a ConnectionManager. ReconnectInterval is the
// fixed delay between attempts; there is no backoff, a kiosk must come back
// within a predictable time.
type ConnectionConfig struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
}

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectInterval    = 3 * time.Second
)

func (c *ConnectionConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
}

// ConnectionHandlers are notified inside the loop. Any of them may be nil.
// OnExhausted fires once the reconnect budget is spent.
type ConnectionHandlers struct {
	OnStatus    func(ConnectionStatus)
	OnMessage   func(frame []byte)
	OnError     func(err error)
	OnExhausted func(attempts int)
}

// ConnectionManager owns one push channel: connect, bounded fixed-interval
// reconnect, outbound send and teardown. At most one socket is live at a
// time; events from replaced sockets are ignored.
//
// ConnectionManager is not safe for concurrent use; call it from inside its
// Loop. Socket events re-enter the loop on their own.
type ConnectionManager struct {
	cfg       ConnectionConfig
	loop      *Loop
	sched     *Scheduler
	transport Transport
	handlers  ConnectionHandlers
	logger    *slog.Logger

	status     ConnectionStatus
	attempts   int
	socket     Socket
	generation uint64
	connecting bool
	exhausted  bool
	tornDown   bool
	reconnect  *Timer
}

// NewConnectionManager returns a closed manager. sched must fire on loop.
func NewConnectionManager(cfg ConnectionConfig, loop *Loop, sched *Scheduler, transport Transport, handlers ConnectionHandlers, logger *slog.Logger) *ConnectionManager {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		cfg:       cfg,
		loop:      loop,
		sched:     sched,
		transport: transport,
		handlers:  handlers,
		logger:    logger.With("url", cfg.URL),
		status:    StatusClosed,
	}
}

// Status returns the channel status.
func (m *ConnectionManager) Status() ConnectionStatus { return m.status }

// IsOpen reports whether the channel is open.
func (m *ConnectionManager) IsOpen() bool { return m.status == StatusOpen }

// Attempts returns the reconnect attempts made since the last open.
func (m *ConnectionManager) Attempts() int { return m.attempts }

// Exhausted reports whether the reconnect budget ran out.
func (m *ConnectionManager) Exhausted() bool { return m.exhausted }

// Connect opens the channel. It is a no-op while an attempt is in flight,
// while the channel is open, or after Disconnect.
func (m *ConnectionManager) Connect() {
	if m.tornDown || m.connecting || m.status == StatusOpen {
		return
	}
	m.connecting = true
	m.generation++
	gen := m.generation
	m.setStatus(StatusConnecting)
	m.logger.Debug("connecting", "attempt", m.attempts)

	m.socket = m.transport.Open(m.cfg.URL, SocketEvents{
		OnOpen: func() {
			m.loop.Do(func() { m.handleOpen(gen) })
		},
		OnMessage: func(frame []byte) {
			m.loop.Do(func() { m.handleMessage(gen, frame) })
		},
		OnError: func(err error) {
			m.loop.Do(func() { m.handleError(gen, err) })
		},
		OnClose: func(code int, reason string) {
			m.loop.Do(func() { m.handleClose(gen, code, reason) })
		},
	})
}

// Send writes v as a JSON frame. It returns false when the channel is not
// open or the write fails; nothing is queued.
func (m *ConnectionManager) Send(v interface{}) bool {
	if m.status != StatusOpen || m.socket == nil {
		return false
	}
	frame, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("encode outbound frame", "err", err)
		return false
	}
	if err := m.socket.Send(frame); err != nil {
		m.logger.Warn("send failed", "err", err)
		return false
	}
	return true
}

// Retry starts a fresh reconnect budget and connects again.
func (m *ConnectionManager) Retry() {
	if m.tornDown {
		return
	}
	m.reconnect.Cancel()
	m.reconnect = nil
	m.attempts = 0
	m.exhausted = false
	m.Connect()
}

// Disconnect cancels any pending reconnect, closes the socket with the
// normal-closure code and tears the manager down. It is idempotent.
func (m *ConnectionManager) Disconnect() {
	if m.tornDown {
		return
	}
	m.tornDown = true
	m.reconnect.Cancel()
	m.reconnect = nil
	m.generation++
	if m.socket != nil {
		if err := m.socket.Close(StatusNormalClosure, "client disconnect"); err != nil {
			m.logger.Debug("close socket", "err", err)
		}
		m.socket = nil
	}
	m.connecting = false
	m.setStatus(StatusClosed)
	m.logger.Info("disconnected")
}

func (m *ConnectionManager) handleOpen(gen uint64) {
	if gen != m.generation {
		return
	}
	m.connecting = false
	m.attempts = 0
	m.exhausted = false
	m.logger.Info("channel open")
	m.setStatus(StatusOpen)
}

func (m *ConnectionManager) handleMessage(gen uint64, frame []byte) {
	if gen != m.generation || m.handlers.OnMessage == nil {
		return
	}
	m.handlers.OnMessage(frame)
}

func (m *ConnectionManager) handleError(gen uint64, err error) {
	if gen != m.generation {
		return
	}
	m.logger.Warn("channel error", "err", err)
	m.setStatus(StatusError)
	if m.handlers.OnError != nil {
		m.handlers.OnError(err)
	}
}

func (m *ConnectionManager) handleClose(gen uint64, code int, reason string) {
	if gen != m.generation {
		return
	}
	m.connecting = false
	m.socket = nil
	m.setStatus(StatusClosed)
	m.logger.Info("channel closed", "code", code, "reason", reason)

	if code == StatusNormalClosure {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		if !m.exhausted {
			m.exhausted = true
			m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)
			if m.handlers.OnExhausted != nil {
				m.handlers.OnExhausted(m.attempts)
			}
		}
		return
	}
	m.attempts++
	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "in", m.cfg.ReconnectInterval)
	m.reconnect.Cancel()
	m.reconnect = m.sched.Schedule(m.cfg.ReconnectInterval, func() {
		m.reconnect = nil
		m.Connect()
	})
}

func (m *ConnectionManager) setStatus(s ConnectionStatus) {
	if m.status == s {
		return
	}
	m.status = s
	if m.handlers.OnStatus != nil {
		m.handlers.OnStatus(s)
	}
}
