package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by the send methods while no gateway
// connection is up.
var ErrNotConnected = errors.New("session: not connected")

const (
	writeTimeout = 10 * time.Second
	// The gateway streams tunnel payloads in single frames; allow well past
	// the protocol's 1 MiB floor.
	maxMessageSize = 8 << 20
)

// Disconnect reasons surfaced to the supervisor.
const (
	ReasonServerClose = "server_close"
	ReasonReadError   = "read_error"
	ReasonWriteError  = "write_error"
	ReasonStopCalled  = "stop_called"
)

// ReasonCooldown names a disconnect triggered by a server cooldown demand.
func ReasonCooldown(retrySec int) string {
	return fmt.Sprintf("server_cooldown_%ds", retrySec)
}

// Config holds the dial parameters of the gateway session.
type Config struct {
	DialTimeout time.Duration
	// InsecureTLS skips certificate verification; staging gateways only.
	InsecureTLS bool
}

// Session is the WebSocket client connection to the gateway. A single
// write mutex serializes every outbound frame, control frames included; one
// reader goroutine per connection feeds inbound frames to the callbacks.
// The value is reusable across reconnects.
type Session struct {
	cfg    Config
	logger *logrus.Entry

	onText   func([]byte)
	onBinary func([]byte)
	// onState fires once with connected=true per successful Connect and
	// once with connected=false (and a reason) per disconnect.
	onState func(connected bool, reason string)

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected    atomic.Bool
	disconnected chan struct{} // closed once per connection
	discOnce     *sync.Once

	readerDone chan struct{}
}

// New builds a session. onText and onBinary run on the reader goroutine;
// they must not block on session sends they themselves feed. onState runs
// on whichever goroutine calls Connect or Disconnect.
func New(cfg Config, logger *logrus.Entry, onText, onBinary func([]byte), onState func(bool, string)) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &Session{
		cfg:      cfg,
		logger:   logger,
		onText:   onText,
		onBinary: onBinary,
		onState:  onState,
	}
}

// Connect dials the gateway and performs the WebSocket handshake. On
// success the session is marked connected; the caller starts the reader
// with StartReading.
func (s *Session) Connect(url string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.DialTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: s.cfg.InsecureTLS,
		},
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: s.cfg.DialTimeout, KeepAlive: 30 * time.Second}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
				tc.SetReadBuffer(65536)
				tc.SetWriteBuffer(65536)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}

	conn.SetReadLimit(maxMessageSize)

	// Pong with the identical payload, serialized with data frames.
	conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	s.disconnected = make(chan struct{})
	s.discOnce = &sync.Once{}
	s.connected.Store(true)

	if s.onState != nil {
		s.onState(true, "")
	}
	return nil
}

// StartReading spawns the reader goroutine for the current connection.
func (s *Session) StartReading() {
	done := make(chan struct{})
	s.readerDone = done
	conn := s.conn
	go func() {
		defer close(done)
		s.readLoop(conn)
	}()
}

// StopReading waits for the reader goroutine to exit. Never called from the
// reader itself; the reader's own error path only flags the disconnect and
// lets the goroutine fall through.
func (s *Session) StopReading() {
	if s.readerDone != nil {
		<-s.readerDone
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			reason := ReasonReadError
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = ReasonServerClose
			}
			if s.connected.Load() {
				s.logger.Debugf("Read loop ended: %v", err)
			}
			s.Disconnect(reason)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if s.onText != nil {
				s.onText(data)
			}
		case websocket.BinaryMessage:
			if s.onBinary != nil {
				s.onBinary(data)
			}
		}
	}
}

// Disconnect tears the connection down. Idempotent per connection: only the
// first caller's reason reaches the state handler. Safe from any goroutine,
// including the reader.
func (s *Session) Disconnect(reason string) {
	if s.discOnce == nil {
		return
	}
	s.discOnce.Do(func() {
		wasConnected := s.connected.Swap(false)

		s.writeMu.Lock()
		conn := s.conn
		s.conn = nil
		s.writeMu.Unlock()

		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(time.Second))
			conn.Close()
		}

		close(s.disconnected)
		if wasConnected && s.onState != nil {
			s.onState(false, reason)
		}
	})
}

// Disconnected returns a channel closed when the current connection drops.
// Nil before the first Connect.
func (s *Session) Disconnected() <-chan struct{} {
	return s.disconnected
}

// IsConnected reports whether the session currently holds a live connection.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// SendText writes one text frame under the send mutex.
func (s *Session) SendText(data []byte) error {
	return s.write(websocket.TextMessage, data)
}

// SendBinary writes one binary frame under the send mutex.
func (s *Session) SendBinary(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

func (s *Session) write(msgType int, data []byte) error {
	s.writeMu.Lock()
	conn := s.conn
	if conn == nil {
		s.writeMu.Unlock()
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(msgType, data)
	s.writeMu.Unlock()

	if err != nil {
		// The writer never joins the reader; flag the drop and move on.
		s.Disconnect(ReasonWriteError)
	}
	return err
}
