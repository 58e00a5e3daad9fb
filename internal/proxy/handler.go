package proxy

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iploop/iploop-node/internal/metrics"
	"github.com/Iploop/iploop-node/internal/protocol"
)

const maxBodySize = 1 << 20 // response bodies are capped at 1 MiB

// Sender delivers the proxy_response for a finished request.
type Sender interface {
	SendProxyResponse(data protocol.ProxyResponseData)
}

// Handler performs gateway-requested HTTP(S) fetches, one goroutine per
// request. Requests never touch the session beyond their single response
// message.
type Handler struct {
	sender         Sender
	logger         *logrus.Entry
	defaultTimeout time.Duration
}

// NewHandler builds a proxy handler with the given default request timeout.
func NewHandler(sender Sender, defaultTimeout time.Duration, logger *logrus.Entry) *Handler {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Handler{sender: sender, logger: logger, defaultTimeout: defaultTimeout}
}

// Handle spawns the worker for one proxy_request.
func (h *Handler) Handle(req protocol.ProxyRequest) {
	go h.run(req)
}

func (h *Handler) run(req protocol.ProxyRequest) {
	start := time.Now()

	data, err := h.perform(req)
	latency := time.Since(start)
	if err != nil {
		metrics.RecordProxyRequest(false, latency.Seconds())
		h.logger.WithError(err).Warnf("Proxy %s failed", short(req.RequestID))
		h.sender.SendProxyResponse(protocol.ProxyResponseData{
			RequestID: req.RequestID,
			Success:   false,
			LatencyMs: latency.Milliseconds(),
			Error:     err.Error(),
		})
		return
	}

	data.RequestID = req.RequestID
	data.Success = true
	data.LatencyMs = latency.Milliseconds()
	metrics.RecordProxyRequest(true, latency.Seconds())
	h.logger.Infof("Proxy %s -> %d (%dms, %dB)",
		short(req.RequestID), data.StatusCode, data.LatencyMs, data.BytesRead)
	h.sender.SendProxyResponse(data)
}

func (h *Handler) perform(req protocol.ProxyRequest) (protocol.ProxyResponseData, error) {
	var out protocol.ProxyResponseData

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return out, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return out, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	timeout := h.defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	var body io.Reader
	var bodyBytes []byte
	if req.Body != "" {
		bodyBytes, err = base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return out, fmt.Errorf("invalid body base64: %w", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, req.URL, body)
	if err != nil {
		return out, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(bodyBytes) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/octet-stream")
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", "IPLoop-Node/2.0")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}

	out.StatusCode = resp.StatusCode
	out.Body = base64.StdEncoding.EncodeToString(respBody)
	out.BytesRead = len(respBody)
	return out, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
