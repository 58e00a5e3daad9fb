package agent

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iploop/iploop-node/internal/config"
	"github.com/Iploop/iploop-node/internal/logging"
	"github.com/Iploop/iploop-node/internal/metrics"
	"github.com/Iploop/iploop-node/internal/netinfo"
	"github.com/Iploop/iploop-node/internal/protocol"
	"github.com/Iploop/iploop-node/internal/proxy"
	"github.com/Iploop/iploop-node/internal/session"
	"github.com/Iploop/iploop-node/internal/store"
	"github.com/Iploop/iploop-node/internal/sysinfo"
	"github.com/Iploop/iploop-node/internal/tunnel"
)

// SDKVersion is reported in hello messages.
const SDKVersion = "2.0"

// ErrNotInitialized means the node identity could not be established.
var ErrNotInitialized = errors.New("agent: node identity unavailable")

// State of the gateway session, owned by the supervisor.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Agent owns every component of the node: the gateway session, the tunnel
// manager, the proxy handler and the IP-info reporter. Lifecycle is
// New -> Start -> Stop.
type Agent struct {
	cfg    *config.Config
	logger *logrus.Entry

	nodeID      string
	deviceModel string

	sess     *session.Session
	tunnels  *tunnel.Manager
	proxies  *proxy.Handler
	reporter *netinfo.Reporter

	running          atomic.Bool
	state            atomic.Int32
	connectedSince   atomic.Int64 // ms, 0 while disconnected
	reconnectAttempt atomic.Int32
	cooldownUntil    atomic.Int64 // ms wall clock
	totalConns       atomic.Int64
	totalDisconns    atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the agent's components. The store must yield a stable device
// id; without one New fails with ErrNotInitialized.
func New(cfg *config.Config, st store.Store) (*Agent, error) {
	nodeID, err := store.DeviceID(st)
	if err != nil || nodeID == "" {
		return nil, ErrNotInitialized
	}

	a := &Agent{
		cfg:         cfg,
		logger:      logging.Component("agent"),
		nodeID:      nodeID,
		deviceModel: sysinfo.DeviceModel(),
	}
	a.state.Store(int32(StateIdle))

	a.sess = session.New(
		session.Config{DialTimeout: cfg.SessionDialTimeout},
		logging.Component("session"),
		a.handleText,
		a.handleBinary,
		a.handleSessionState,
	)
	a.tunnels = tunnel.NewManager(a, tunnel.NewResolver(cfg.DNSServers), logging.Component("tunnel"))
	a.proxies = proxy.NewHandler(a, cfg.ProxyDefaultTimeout, logging.Component("proxy"))
	a.reporter = netinfo.NewReporter(st, a, nodeID, a.deviceModel, cfg.IPCheckCooldown, logging.Component("netinfo"))

	a.logger.Infof("Initialized. nodeId=%s model=%q version=%s", nodeID, a.deviceModel, SDKVersion)
	return a, nil
}

// NodeID returns the stable node identity.
func (a *Agent) NodeID() string { return a.nodeID }

// Start launches the connection and keepalive loops. Idempotent while
// running.
func (a *Agent) Start() error {
	if a.nodeID == "" {
		return ErrNotInitialized
	}
	if a.running.Swap(true) {
		a.logger.Info("Already running")
		return nil
	}

	a.stopCh = make(chan struct{})
	a.wg.Add(2)
	go a.connectionLoop()
	go a.keepaliveLoop()

	a.logger.Infof("Started. server=%s", a.cfg.GatewayURL)
	return nil
}

// Stop shuts the agent down cooperatively: flips the running flag, closes
// every tunnel, drops the session and joins both loops.
func (a *Agent) Stop() {
	if !a.running.Swap(false) {
		return
	}
	a.setState(StateStopping)
	close(a.stopCh)

	a.tunnels.CloseAllTunnels()
	a.sess.Disconnect(session.ReasonStopCalled)
	a.wg.Wait()

	a.setState(StateStopped)
	a.logger.Infof("Stopped. conns=%d disconns=%d", a.totalConns.Load(), a.totalDisconns.Load())
}

// IsRunning reports whether Start has been called and Stop has not.
func (a *Agent) IsRunning() bool { return a.running.Load() }

// IsConnected reports whether the gateway session is currently up.
func (a *Agent) IsConnected() bool { return a.sess.IsConnected() }

// ActiveTunnelCount returns the number of open tunnels.
func (a *Agent) ActiveTunnelCount() int { return a.tunnels.ActiveCount() }

func (a *Agent) setState(s State) { a.state.Store(int32(s)) }

// CurrentState returns the supervisor state.
func (a *Agent) CurrentState() State { return State(a.state.Load()) }

// connectionLoop runs the session state machine: connect, read until drop,
// back off, retry. It only exits when Stop clears the running flag.
func (a *Agent) connectionLoop() {
	defer a.wg.Done()

	for a.running.Load() {
		a.setState(StateConnecting)
		err := a.sess.Connect(a.cfg.GatewayURL)
		if err != nil {
			a.logger.WithError(err).Warn("Gateway connect failed")
		} else {
			a.setState(StateConnected)
			a.reconnectAttempt.Store(0)
			a.sess.StartReading()
			a.onConnected()

			select {
			case <-a.sess.Disconnected():
			case <-a.stopCh:
				a.sess.Disconnect(session.ReasonStopCalled)
			}
			a.sess.StopReading()
		}

		if !a.running.Load() {
			return
		}

		a.reconnectAttempt.Add(1)
		a.tunnels.CloseAllTunnels()
		a.setState(StateReconnecting)
		if !a.sleepBeforeReconnect() {
			return
		}
	}
}

// onConnected sends hello and register, then kicks off the IP-info report
// on its own goroutine.
func (a *Agent) onConnected() {
	a.sendHello()
	a.sendRegister()
	go a.reporter.Report()
}

// sleepBeforeReconnect honors a pending cooldown deadline, otherwise the
// exponential backoff schedule. Returns false when interrupted by Stop.
func (a *Agent) sleepBeforeReconnect() bool {
	var delay time.Duration

	if until := a.cooldownUntil.Load(); until > protocol.NowMs() {
		delay = time.Duration(until-protocol.NowMs()) * time.Millisecond
		a.cooldownUntil.Store(0)
		a.logger.Infof("On cooldown, sleeping %s", delay.Round(time.Second))
	} else {
		attempt := int(a.reconnectAttempt.Load())
		delay = backoffDelay(attempt, a.cfg)
		if attempt <= a.cfg.ReconnectFastAttempts {
			a.logger.Infof("Reconnecting in %s (attempt #%d)", delay, attempt)
		} else {
			a.logger.Infof("Reconnecting in %s (slow mode, attempt #%d)", delay, attempt)
		}
	}

	select {
	case <-time.After(delay):
		return true
	case <-a.stopCh:
		return false
	}
}

// backoffDelay computes the reconnect sleep for a 1-based attempt counter:
// 1s, 2s, 4s ... capped at ReconnectMax for the fast attempts, then the
// slow interval forever.
func backoffDelay(attempt int, cfg *config.Config) time.Duration {
	if attempt > cfg.ReconnectFastAttempts {
		return cfg.ReconnectSlow
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	d := cfg.ReconnectBase << uint(shift)
	if d > cfg.ReconnectMax {
		d = cfg.ReconnectMax
	}
	return d
}

func (a *Agent) keepaliveLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.running.Load() && a.sess.IsConnected() {
				a.sendKeepalive()
			}
		case <-a.stopCh:
			return
		}
	}
}

// handleSessionState tracks counters and metrics across connects and
// disconnects.
func (a *Agent) handleSessionState(connected bool, reason string) {
	if connected {
		a.connectedSince.Store(protocol.NowMs())
		n := a.totalConns.Add(1)
		metrics.RecordConnected()
		a.logger.Infof("Connected! (#%d)", n)
		return
	}

	a.totalDisconns.Add(1)
	metrics.RecordDisconnected()
	duration := (protocol.NowMs() - a.connectedSince.Load()) / 1000
	a.connectedSince.Store(0)
	a.logger.Infof("Disconnected: %s (connected %ds, tunnels=%d)",
		reason, duration, a.tunnels.ActiveCount())
}

// Status is the snapshot served by the local status API.
type Status struct {
	NodeID           string `json:"node_id"`
	DeviceModel      string `json:"device_model"`
	State            string `json:"state"`
	Connected        bool   `json:"connected"`
	ConnectedSinceMs int64  `json:"connected_since_ms,omitempty"`
	UptimeSec        int64  `json:"uptime_sec"`
	ReconnectAttempt int    `json:"reconnect_attempt"`
	ActiveTunnels    int    `json:"active_tunnels"`
	TotalConnections int64  `json:"total_connections"`
	TotalDisconnects int64  `json:"total_disconnections"`
}

// CurrentStatus assembles the status snapshot.
func (a *Agent) CurrentStatus() Status {
	since := a.connectedSince.Load()
	var uptime int64
	if since > 0 {
		uptime = (protocol.NowMs() - since) / 1000
	}
	return Status{
		NodeID:           a.nodeID,
		DeviceModel:      a.deviceModel,
		State:            a.CurrentState().String(),
		Connected:        a.sess.IsConnected(),
		ConnectedSinceMs: since,
		UptimeSec:        uptime,
		ReconnectAttempt: int(a.reconnectAttempt.Load()),
		ActiveTunnels:    a.tunnels.ActiveCount(),
		TotalConnections: a.totalConns.Load(),
		TotalDisconnects: a.totalDisconns.Load(),
	}
}
