package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iploop/iploop-node/internal/metrics"
)

// ErrNotOpen is returned when data arrives for a tunnel id that is neither
// open nor recently closed.
var ErrNotOpen = errors.New("tunnel: not open")

const (
	readBufferSize    = 65536
	recentlyClosedTTL = 10 * time.Second
	writeDeadline     = 30 * time.Second
)

// Sender is the single writer handle tunnels relay through; the agent backs
// it with the session's binary framing.
type Sender interface {
	SendTunnelData(tunnelID string, payload []byte, eof bool)
	SendTunnelResponse(tunnelID string, success bool, errMsg string)
}

// Manager owns every outbound tunnel socket. One registry mutex guards the
// id map and the recently-closed set; each entry has its own write mutex so
// relay order is preserved per tunnel without cross-tunnel coupling.
type Manager struct {
	sender   Sender
	resolver *Resolver
	logger   *logrus.Entry

	mu             sync.Mutex
	tunnels        map[string]*conn
	recentlyClosed map[string]time.Time
}

type conn struct {
	id     string
	host   string
	port   int
	sock   net.Conn
	closed chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewManager builds a tunnel manager relaying through sender.
func NewManager(sender Sender, resolver *Resolver, logger *logrus.Entry) *Manager {
	return &Manager{
		sender:         sender,
		resolver:       resolver,
		logger:         logger,
		tunnels:        make(map[string]*conn),
		recentlyClosed: make(map[string]time.Time),
	}
}

// OpenTunnel dials host:port asynchronously. The outcome is reported as a
// tunnel_response; on success a reader goroutine starts relaying target
// bytes back to the gateway.
func (m *Manager) OpenTunnel(tunnelID, host string, port int, timeout time.Duration) {
	go func() {
		sock, err := m.dial(host, port, timeout)
		if err != nil {
			m.logger.WithError(err).Warnf("Tunnel %s connect failed", short(tunnelID))
			metrics.RecordTunnelFailed()
			m.sender.SendTunnelResponse(tunnelID, false,
				fmt.Sprintf("Failed to connect to %s:%d", host, port))
			return
		}

		c := &conn{
			id:     tunnelID,
			host:   host,
			port:   port,
			sock:   sock,
			closed: make(chan struct{}),
		}

		m.mu.Lock()
		if old, exists := m.tunnels[tunnelID]; exists {
			// The gateway reused an id; the newer tunnel wins.
			m.mu.Unlock()
			m.logger.Warnf("Tunnel %s already open, replacing", short(tunnelID))
			old.close()
			m.mu.Lock()
		}
		m.tunnels[tunnelID] = c
		m.mu.Unlock()

		metrics.RecordTunnelOpened()
		m.logger.Infof("Tunnel %s connected to %s:%d", short(tunnelID), host, port)
		m.sender.SendTunnelResponse(tunnelID, true, "")

		go m.readLoop(c)
	}()
}

func (m *Manager) dial(host string, port int, timeout time.Duration) (net.Conn, error) {
	ips, err := m.resolver.Resolve(host)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	var lastErr error
	for _, ip := range ips {
		sock, err := dialer.Dial("tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		if tc, ok := sock.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
			tc.SetKeepAlive(true)
		}
		return sock, nil
	}
	return nil, lastErr
}

// WriteTunnelData forwards gateway bytes to the target socket. Data for a
// recently closed id is dropped silently (close/data race); unknown ids are
// logged at debug and reported as ErrNotOpen.
func (m *Manager) WriteTunnelData(tunnelID string, data []byte) error {
	m.mu.Lock()
	c, ok := m.tunnels[tunnelID]
	if !ok {
		_, recent := m.recentlyClosed[tunnelID]
		m.mu.Unlock()
		if recent {
			return nil
		}
		m.logger.Debugf("Data for unknown tunnel %s", short(tunnelID))
		return ErrNotOpen
	}
	m.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.sock.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := writeAll(c.sock, data); err != nil {
		m.logger.WithError(err).Debugf("Tunnel %s write error", short(tunnelID))
		return err
	}
	metrics.RecordBytesDown(len(data))
	return nil
}

func writeAll(sock net.Conn, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := sock.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// CloseTunnel removes and closes a tunnel. Idempotent; the id lands in the
// recently-closed set so in-flight gateway data is dropped rather than
// logged as unknown. Safe from any goroutine including the tunnel's own
// reader (the socket close is what unblocks that reader).
func (m *Manager) CloseTunnel(tunnelID string) {
	m.mu.Lock()
	c, ok := m.tunnels[tunnelID]
	if ok {
		delete(m.tunnels, tunnelID)
		m.recentlyClosed[tunnelID] = time.Now()
	}
	m.sweepLocked()
	active := len(m.tunnels)
	m.mu.Unlock()

	if ok {
		c.close()
		metrics.RecordTunnelClosed()
		m.logger.Infof("Closed tunnel %s. Active: %d", short(tunnelID), active)
	}
}

// CloseAllTunnels snapshots the registry under the lock and closes every
// socket outside it.
func (m *Manager) CloseAllTunnels() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.tunnels))
	now := time.Now()
	for id, c := range m.tunnels {
		conns = append(conns, c)
		m.recentlyClosed[id] = now
	}
	m.tunnels = make(map[string]*conn)
	m.mu.Unlock()

	if len(conns) > 0 {
		m.logger.Infof("Closing all %d tunnels", len(conns))
	}
	for _, c := range conns {
		c.close()
		metrics.RecordTunnelClosed()
	}
}

// ActiveCount returns the number of open tunnels.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// sweepLocked expires recently-closed entries older than the TTL. Caller
// holds m.mu.
func (m *Manager) sweepLocked() {
	cutoff := time.Now().Add(-recentlyClosedTTL)
	for id, closedAt := range m.recentlyClosed {
		if closedAt.Before(cutoff) {
			delete(m.recentlyClosed, id)
		}
	}
}

// readLoop relays target bytes to the gateway. EOF emits exactly one EOF
// frame; the close itself is scheduled on a fresh goroutine so the reader
// never waits on its own teardown.
func (m *Manager) readLoop(c *conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			metrics.RecordBytesUp(n)
			m.sender.SendTunnelData(c.id, payload, false)
		}
		if err == nil {
			continue
		}

		select {
		case <-c.closed:
		default:
			m.logger.Debugf("Tunnel %s target EOF (%v)", short(c.id), err)
		}
		// Mirror the EOF to the gateway exactly once, whoever initiated it,
		// and schedule the close off this goroutine.
		m.sender.SendTunnelData(c.id, nil, true)
		go m.CloseTunnel(c.id)
		return
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if tc, ok := c.sock.(*net.TCPConn); ok {
			tc.CloseRead()
		}
		c.sock.Close()
	})
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
