package tunnel

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const testTunnelID = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// recordingSender captures everything the manager relays.
type recordingSender struct {
	mu        sync.Mutex
	data      []sentData
	responses []sentResponse
}

type sentData struct {
	tunnelID string
	payload  []byte
	eof      bool
}

type sentResponse struct {
	tunnelID string
	success  bool
	errMsg   string
}

func (r *recordingSender) SendTunnelData(tunnelID string, payload []byte, eof bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, sentData{tunnelID, append([]byte(nil), payload...), eof})
}

func (r *recordingSender) SendTunnelResponse(tunnelID string, success bool, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, sentResponse{tunnelID, success, errMsg})
}

func (r *recordingSender) waitResponse(t *testing.T) sentResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.responses) > 0 {
			resp := r.responses[0]
			r.mu.Unlock()
			return resp
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no tunnel_response within deadline")
	return sentResponse{}
}

func (r *recordingSender) snapshotData() []sentData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentData(nil), r.data...)
}

func newTestManager(sender Sender) *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(sender, NewResolver(nil), logger.WithField("component", "tunnel"))
}

// startEchoServer returns the address of a TCP echo server that lives for
// the duration of the test.
func startEchoServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestOpenTunnelHappyPath(t *testing.T) {
	host, port := startEchoServer(t)
	sender := &recordingSender{}
	m := newTestManager(sender)
	defer m.CloseAllTunnels()

	m.OpenTunnel(testTunnelID, host, port, 5*time.Second)

	resp := sender.waitResponse(t)
	if !resp.success || resp.tunnelID != testTunnelID {
		t.Fatalf("response %+v", resp)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("active count %d", m.ActiveCount())
	}

	// Gateway data reaches the target; the echo comes back as a relay frame.
	if err := m.WriteTunnelData(testTunnelID, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, d := range sender.snapshotData() {
			if !d.eof && bytes.Equal(d.payload, []byte("ping")) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("echo never relayed; got %+v", sender.snapshotData())
}

func TestOpenTunnelConnectFailure(t *testing.T) {
	sender := &recordingSender{}
	m := newTestManager(sender)

	m.OpenTunnel(testTunnelID, "127.0.0.1", 1, time.Second)

	resp := sender.waitResponse(t)
	if resp.success {
		t.Fatal("expected failure")
	}
	want := "Failed to connect to 127.0.0.1:1"
	if resp.errMsg != want {
		t.Fatalf("error %q, want %q", resp.errMsg, want)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("active count %d", m.ActiveCount())
	}
}

func TestTargetEOFEmitsSingleEOFFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Close immediately: the node sees EOF.
		conn.Close()
	}()

	sender := &recordingSender{}
	m := newTestManager(sender)
	addr := ln.Addr().(*net.TCPAddr)

	m.OpenTunnel(testTunnelID, "127.0.0.1", addr.Port, 5*time.Second)
	sender.waitResponse(t)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		eofs := 0
		for _, d := range sender.snapshotData() {
			if d.eof {
				eofs++
			}
		}
		if eofs > 0 && m.ActiveCount() == 0 {
			// Settle, then confirm exactly one EOF was emitted.
			time.Sleep(100 * time.Millisecond)
			eofs = 0
			for _, d := range sender.snapshotData() {
				if d.eof {
					eofs++
					if len(d.payload) != 0 {
						t.Fatalf("EOF frame carries payload %q", d.payload)
					}
				}
			}
			if eofs != 1 {
				t.Fatalf("emitted %d EOF frames", eofs)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no EOF frame observed")
}

func TestWriteToRecentlyClosedSucceedsSilently(t *testing.T) {
	host, port := startEchoServer(t)
	sender := &recordingSender{}
	m := newTestManager(sender)

	m.OpenTunnel(testTunnelID, host, port, 5*time.Second)
	sender.waitResponse(t)
	m.CloseTunnel(testTunnelID)

	if err := m.WriteTunnelData(testTunnelID, []byte("late")); err != nil {
		t.Fatalf("recently-closed write should be silent, got %v", err)
	}
}

func TestWriteToUnknownTunnel(t *testing.T) {
	sender := &recordingSender{}
	m := newTestManager(sender)

	if err := m.WriteTunnelData("never-opened", []byte("x")); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestCloseTunnelIdempotent(t *testing.T) {
	host, port := startEchoServer(t)
	sender := &recordingSender{}
	m := newTestManager(sender)

	m.OpenTunnel(testTunnelID, host, port, 5*time.Second)
	sender.waitResponse(t)

	m.CloseTunnel(testTunnelID)
	m.CloseTunnel(testTunnelID)
	m.CloseTunnel(testTunnelID)

	if m.ActiveCount() != 0 {
		t.Fatalf("active count %d", m.ActiveCount())
	}
}

func TestCloseAllTunnels(t *testing.T) {
	host, port := startEchoServer(t)
	sender := &recordingSender{}
	m := newTestManager(sender)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("%036d", i)
		m.OpenTunnel(id, host, port, 5*time.Second)
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.ActiveCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.ActiveCount() != 3 {
		t.Fatalf("active count %d", m.ActiveCount())
	}

	m.CloseAllTunnels()
	if m.ActiveCount() != 0 {
		t.Fatalf("active count after close all: %d", m.ActiveCount())
	}
}

func TestResolverLiteralIP(t *testing.T) {
	r := NewResolver(nil)
	ips, err := r.Resolve("192.0.2.1")
	if err != nil || len(ips) != 1 || ips[0].String() != "192.0.2.1" {
		t.Fatalf("literal resolve: %v %v", ips, err)
	}
}
