package agent

import (
	"encoding/json"

	"github.com/Iploop/iploop-node/internal/protocol"
)

// The agent is the single writer handle: tunnels, the proxy handler and
// the reporter all emit through these methods, which funnel into the
// session's send mutex.

func (a *Agent) sendJSON(v interface{}) {
	if !a.sess.IsConnected() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.WithError(err).Error("Encoding outbound message failed")
		return
	}
	if err := a.sess.SendText(data); err != nil {
		a.logger.WithError(err).Debug("Outbound message dropped")
	}
}

func (a *Agent) sendHello() {
	a.sendJSON(protocol.Hello{
		Type:        protocol.TypeHello,
		NodeID:      a.nodeID,
		DeviceModel: a.deviceModel,
		SDKVersion:  SDKVersion,
	})
}

func (a *Agent) sendKeepalive() {
	var uptime int64
	if since := a.connectedSince.Load(); since > 0 {
		uptime = (protocol.NowMs() - since) / 1000
	}
	a.sendJSON(protocol.Keepalive{
		Type:          protocol.TypeKeepalive,
		UptimeSec:     uptime,
		ActiveTunnels: a.tunnels.ActiveCount(),
	})
}

func (a *Agent) sendRegister() {
	a.sendJSON(protocol.Register{
		Type: protocol.TypeRegister,
		Data: protocol.RegisterData{
			DeviceID:       a.nodeID,
			ConnectionType: "wired",
			DeviceType:     "desktop",
			SDKVersion:     SDKVersion,
		},
	})
}

// SendTunnelResponse reports a tunnel_open outcome to the gateway.
func (a *Agent) SendTunnelResponse(tunnelID string, success bool, errMsg string) {
	a.sendJSON(protocol.TunnelResponse{
		Type: protocol.TypeTunnelResponse,
		Data: protocol.TunnelResponseData{
			TunnelID: tunnelID,
			Success:  success,
			Error:    errMsg,
		},
	})
}

// SendTunnelData relays tunnel bytes (or EOF) as a binary frame. Dropped
// with a log line while disconnected; the gateway resets tunnel state on
// reconnect anyway.
func (a *Agent) SendTunnelData(tunnelID string, payload []byte, eof bool) {
	if !a.sess.IsConnected() {
		a.logger.Debugf("Tunnel %.8s relay dropped (disconnected) %dB eof=%v",
			tunnelID, len(payload), eof)
		return
	}
	frame := protocol.EncodeBinaryFrame(tunnelID, payload, eof)
	if err := a.sess.SendBinary(frame); err != nil {
		a.logger.Debugf("Tunnel %.8s relay failed: %v", tunnelID, err)
	}
}

// SendProxyResponse reports a proxy_request outcome to the gateway.
func (a *Agent) SendProxyResponse(data protocol.ProxyResponseData) {
	a.sendJSON(protocol.ProxyResponse{
		Type: protocol.TypeProxyResponse,
		Data: data,
	})
}

// SendIPInfo ships the geolocation report.
func (a *Agent) SendIPInfo(info protocol.IPInfo) {
	a.sendJSON(info)
	a.logger.Info("Sent IP info to server")
}
