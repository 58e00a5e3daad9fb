package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message types sent by the gateway.
const (
	TypeWelcome      = "welcome"
	TypeKeepaliveAck = "keepalive_ack"
	TypeCooldown     = "cooldown"
	TypeTunnelOpen   = "tunnel_open"
	TypeTunnelData   = "tunnel_data"
	TypeProxyRequest = "proxy_request"
)

// Message types sent by the node.
const (
	TypeHello          = "hello"
	TypeKeepalive      = "keepalive"
	TypeRegister       = "register"
	TypeTunnelResponse = "tunnel_response"
	TypeProxyResponse  = "proxy_response"
	TypeIPInfo         = "ip_info"
)

// NowMs returns wall-clock time in milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Port accepts both JSON numbers and strings; the gateway hub has sent
// tunnel ports in either form depending on version.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty port")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid port %q", s)
		}
		*p = Port(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = Port(n)
	return nil
}

// Envelope is the discriminator view of an inbound text message. Fields may
// sit at the top level or be wrapped in "data" by the gateway hub; Raw keeps
// the original payload so handlers can decode either shape.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Raw  []byte          `json:"-"`
}

// ParseEnvelope strictly decodes the discriminator of an inbound text frame.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("missing type field")
	}
	env.Raw = raw
	return &env, nil
}

// DecodeBody unmarshals the message fields into v, preferring the wrapped
// "data" object when present and falling back to the top-level object.
func (e *Envelope) DecodeBody(v interface{}) error {
	if len(e.Data) > 0 && e.Data[0] == '{' {
		if err := json.Unmarshal(e.Data, v); err == nil {
			return nil
		}
	}
	return json.Unmarshal(e.Raw, v)
}

// Cooldown is the gateway's back-off demand.
type Cooldown struct {
	RetryAfterSec int `json:"retry_after_sec"`
}

// TunnelOpen asks the node to dial host:port and bridge it.
type TunnelOpen struct {
	TunnelID string `json:"tunnel_id"`
	Host     string `json:"host"`
	Port     Port   `json:"port"`
}

// TunnelData carries base64 tunnel bytes over the text channel. The binary
// framing of binary.go is preferred; this form survives for older gateways.
type TunnelData struct {
	TunnelID string `json:"tunnel_id"`
	Data     string `json:"data"`
	EOF      bool   `json:"eof"`
}

// ProxyRequest asks the node to perform one HTTP(S) request.
type ProxyRequest struct {
	RequestID string            `json:"request_id"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	TimeoutMs int               `json:"timeout_ms"`
}

// Hello identifies the node after connect.
type Hello struct {
	Type        string `json:"type"`
	NodeID      string `json:"node_id"`
	DeviceModel string `json:"device_model"`
	SDKVersion  string `json:"sdk_version"`
}

// Keepalive is the periodic liveness message.
type Keepalive struct {
	Type          string `json:"type"`
	UptimeSec     int64  `json:"uptime_sec"`
	ActiveTunnels int    `json:"active_tunnels"`
}

// TunnelResponse reports the outcome of a tunnel_open.
type TunnelResponse struct {
	Type string             `json:"type"`
	Data TunnelResponseData `json:"data"`
}

type TunnelResponseData struct {
	TunnelID string `json:"tunnel_id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// ProxyResponse reports the outcome of a proxy_request.
type ProxyResponse struct {
	Type string            `json:"type"`
	Data ProxyResponseData `json:"data"`
}

type ProxyResponseData struct {
	RequestID  string `json:"request_id"`
	Success    bool   `json:"success"`
	LatencyMs  int64  `json:"latency_ms"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	BytesRead  int    `json:"bytes_read,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IPInfo reports the node's public IP and geolocation. RawInfo is the
// geolocation JSON embedded verbatim.
type IPInfo struct {
	Type        string          `json:"type"`
	NodeID      string          `json:"node_id"`
	DeviceID    string          `json:"device_id"`
	DeviceModel string          `json:"device_model"`
	IP          string          `json:"ip"`
	IPFetchMs   int64           `json:"ip_fetch_ms"`
	InfoFetchMs int64           `json:"info_fetch_ms"`
	RawInfo     json.RawMessage `json:"ip_info"`
}

// Register carries device metadata for the gateway's node registry.
type Register struct {
	Type string       `json:"type"`
	Data RegisterData `json:"data"`
}

type RegisterData struct {
	DeviceID       string `json:"device_id"`
	IPAddress      string `json:"ip_address,omitempty"`
	ConnectionType string `json:"connection_type"`
	DeviceType     string `json:"device_type"`
	SDKVersion     string `json:"sdk_version"`
}
