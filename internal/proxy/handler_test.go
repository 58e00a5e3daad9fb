package proxy

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iploop/iploop-node/internal/protocol"
)

type captureSender struct {
	mu   sync.Mutex
	got  []protocol.ProxyResponseData
	done chan struct{}
}

func newCaptureSender() *captureSender {
	return &captureSender{done: make(chan struct{}, 8)}
}

func (c *captureSender) SendProxyResponse(data protocol.ProxyResponseData) {
	c.mu.Lock()
	c.got = append(c.got, data)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *captureSender) wait(t *testing.T) protocol.ProxyResponseData {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no proxy_response within deadline")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[len(c.got)-1]
}

func newTestHandler(sender Sender) *Handler {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewHandler(sender, 30*time.Second, logger.WithField("component", "proxy"))
}

func TestProxyRequestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hi")
	}))
	defer srv.Close()

	sender := newCaptureSender()
	h := newTestHandler(sender)

	h.Handle(protocol.ProxyRequest{
		RequestID: "r1",
		URL:       srv.URL + "/hello",
		Method:    "GET",
		TimeoutMs: 5000,
	})

	resp := sender.wait(t)
	if !resp.Success {
		t.Fatalf("failed: %+v", resp)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.Body != "aGk=" {
		t.Fatalf("body %q", resp.Body)
	}
	if resp.BytesRead != 2 {
		t.Fatalf("bytes_read %d", resp.BytesRead)
	}
	if resp.LatencyMs < 0 {
		t.Fatalf("latency %d", resp.LatencyMs)
	}
}

func TestProxyRequestPostBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sender := newCaptureSender()
	h := newTestHandler(sender)

	h.Handle(protocol.ProxyRequest{
		RequestID: "r2",
		URL:       srv.URL,
		Method:    "POST",
		Body:      base64.StdEncoding.EncodeToString([]byte("payload")),
	})

	resp := sender.wait(t)
	if !resp.Success || resp.StatusCode != 201 {
		t.Fatalf("response %+v", resp)
	}
	if string(gotBody) != "payload" {
		t.Fatalf("server saw body %q", gotBody)
	}
	if gotContentType != "application/octet-stream" {
		t.Fatalf("content type %q", gotContentType)
	}
}

func TestProxyRequestHeaderOverride(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	sender := newCaptureSender()
	h := newTestHandler(sender)

	h.Handle(protocol.ProxyRequest{
		RequestID: "r3",
		URL:       srv.URL,
		Method:    "POST",
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      base64.StdEncoding.EncodeToString([]byte("{}")),
	})

	if resp := sender.wait(t); !resp.Success {
		t.Fatalf("response %+v", resp)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type %q", gotContentType)
	}
}

func TestProxyRequestBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", maxBodySize+4096)))
	}))
	defer srv.Close()

	sender := newCaptureSender()
	h := newTestHandler(sender)

	h.Handle(protocol.ProxyRequest{RequestID: "r4", URL: srv.URL})

	resp := sender.wait(t)
	if !resp.Success {
		t.Fatalf("response %+v", resp)
	}
	if resp.BytesRead != maxBodySize {
		t.Fatalf("bytes_read %d, want cap %d", resp.BytesRead, maxBodySize)
	}
}

func TestProxyRequestConnectError(t *testing.T) {
	sender := newCaptureSender()
	h := newTestHandler(sender)

	h.Handle(protocol.ProxyRequest{
		RequestID: "r5",
		URL:       "http://127.0.0.1:1/",
		TimeoutMs: 1000,
	})

	resp := sender.wait(t)
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error == "" {
		t.Fatal("missing error message")
	}
	if resp.RequestID != "r5" {
		t.Fatalf("request id %q", resp.RequestID)
	}
}

func TestProxyRequestBadScheme(t *testing.T) {
	sender := newCaptureSender()
	h := newTestHandler(sender)

	h.Handle(protocol.ProxyRequest{RequestID: "r6", URL: "ftp://example.com/x"})

	if resp := sender.wait(t); resp.Success {
		t.Fatal("expected failure for ftp scheme")
	}
}
