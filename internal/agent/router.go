package agent

import (
	"bytes"
	"encoding/base64"

	"github.com/Iploop/iploop-node/internal/protocol"
	"github.com/Iploop/iploop-node/internal/session"
)

// Substring fast path: a frame that cannot contain a recognized type is
// dropped without a full JSON decode. Matching frames are still strictly
// parsed, so payloads that merely mention a type string in a value are not
// misrouted.
var knownTypes = [][]byte{
	[]byte(`"welcome"`),
	[]byte(`"keepalive_ack"`),
	[]byte(`"cooldown"`),
	[]byte(`"tunnel_open"`),
	[]byte(`"tunnel_data"`),
	[]byte(`"proxy_request"`),
}

func mayBeKnown(raw []byte) bool {
	for _, t := range knownTypes {
		if bytes.Contains(raw, t) {
			return true
		}
	}
	return false
}

// handleText routes one inbound text frame.
func (a *Agent) handleText(raw []byte) {
	if !mayBeKnown(raw) {
		a.logPreview(raw)
		return
	}

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		a.logger.WithError(err).Debug("Dropping malformed message")
		return
	}

	switch env.Type {
	case protocol.TypeWelcome:
		a.logger.Info("Welcome received")

	case protocol.TypeKeepaliveAck:
		uptime := (protocol.NowMs() - a.connectedSince.Load()) / 1000
		a.logger.Debugf("Keepalive ACK (uptime=%ds)", uptime)

	case protocol.TypeCooldown:
		a.handleCooldown(env)

	case protocol.TypeTunnelOpen:
		a.handleTunnelOpen(env)

	case protocol.TypeTunnelData:
		a.handleTunnelData(env)

	case protocol.TypeProxyRequest:
		a.handleProxyRequest(env)

	default:
		a.logPreview(raw)
	}
}

func (a *Agent) logPreview(raw []byte) {
	preview := raw
	if len(preview) > 100 {
		preview = preview[:100]
	}
	a.logger.Debugf("Received: %s", preview)
}

func (a *Agent) handleCooldown(env *protocol.Envelope) {
	cd := protocol.Cooldown{RetryAfterSec: 600}
	env.DecodeBody(&cd)
	if cd.RetryAfterSec <= 0 {
		cd.RetryAfterSec = 600
	}

	a.cooldownUntil.Store(protocol.NowMs() + int64(cd.RetryAfterSec)*1000)
	a.logger.Infof("Server cooldown: sleeping %ds", cd.RetryAfterSec)
	a.sess.Disconnect(session.ReasonCooldown(cd.RetryAfterSec))
}

func (a *Agent) handleTunnelOpen(env *protocol.Envelope) {
	var req protocol.TunnelOpen
	if err := env.DecodeBody(&req); err != nil {
		a.logger.WithError(err).Error("Invalid tunnel_open")
		return
	}
	if req.TunnelID == "" || req.Host == "" {
		a.logger.Errorf("Invalid tunnel_open: missing fields (id=%q host=%q port=%d)",
			req.TunnelID, req.Host, req.Port)
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		a.SendTunnelResponse(req.TunnelID, false, "invalid port")
		return
	}

	a.logger.Infof("Opening tunnel %.8s to %s:%d", req.TunnelID, req.Host, req.Port)
	a.tunnels.OpenTunnel(req.TunnelID, req.Host, int(req.Port), a.cfg.TunnelDialTimeout)
}

// handleTunnelData services the legacy base64 text relay.
func (a *Agent) handleTunnelData(env *protocol.Envelope) {
	var msg protocol.TunnelData
	if err := env.DecodeBody(&msg); err != nil || msg.TunnelID == "" {
		return
	}

	if msg.EOF {
		a.logger.Infof("Tunnel %.8s received EOF from server", msg.TunnelID)
		a.tunnels.CloseTunnel(msg.TunnelID)
		return
	}
	if msg.Data == "" {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		a.logger.Debugf("Tunnel %.8s bad base64 payload", msg.TunnelID)
		return
	}
	a.tunnels.WriteTunnelData(msg.TunnelID, decoded)
}

// handleBinary routes one inbound binary frame: the 37-byte-header tunnel
// relay framing.
func (a *Agent) handleBinary(raw []byte) {
	frame, ok := protocol.DecodeBinaryFrame(raw)
	if !ok {
		return
	}

	if frame.EOF {
		a.logger.Infof("Tunnel %.8s received binary EOF from server", frame.TunnelID)
		a.tunnels.CloseTunnel(frame.TunnelID)
		return
	}
	if len(frame.Payload) > 0 {
		a.tunnels.WriteTunnelData(frame.TunnelID, frame.Payload)
	}
}

func (a *Agent) handleProxyRequest(env *protocol.Envelope) {
	var req protocol.ProxyRequest
	if err := env.DecodeBody(&req); err != nil {
		a.logger.WithError(err).Error("Invalid proxy_request")
		return
	}
	if req.RequestID == "" {
		return
	}
	a.proxies.Handle(req)
}
