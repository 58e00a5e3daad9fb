package netinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Iploop/iploop-node/internal/protocol"
	"github.com/Iploop/iploop-node/internal/store"
)

const (
	ipURL      = "https://ip2location.io/ip"
	infoURLFmt = "https://www.ip2location.com/%s"

	maxIPLen = 45 // longest textual IPv6
)

// Sender delivers the assembled ip_info message.
type Sender interface {
	SendIPInfo(info protocol.IPInfo)
}

// Reporter looks up the node's public IP and geolocation, caching both in
// the secret store so the lookup runs at most once per cooldown window.
// Failures abandon the report for the current session without touching the
// cache.
type Reporter struct {
	store    store.Store
	sender   Sender
	logger   *logrus.Entry
	cooldown time.Duration

	nodeID      string
	deviceModel string

	httpClient *http.Client
	// Overridable in tests.
	ipEndpoint   string
	infoEndpoint string
}

// NewReporter builds a reporter. cooldown is the minimum interval between
// real lookups (one hour in production).
func NewReporter(st store.Store, sender Sender, nodeID, deviceModel string, cooldown time.Duration, logger *logrus.Entry) *Reporter {
	return &Reporter{
		store:        st,
		sender:       sender,
		logger:       logger,
		cooldown:     cooldown,
		nodeID:       nodeID,
		deviceModel:  deviceModel,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		ipEndpoint:   ipURL,
		infoEndpoint: infoURLFmt,
	}
}

// Report runs the cached-or-fetch flow once. The supervisor calls it on a
// detached goroutine after every successful connect.
func (r *Reporter) Report() {
	cachedIP, cachedInfo, lastCheck := r.loadCache()
	now := protocol.NowMs()

	if cachedInfo != "" && now-lastCheck < r.cooldown.Milliseconds() {
		r.logger.Info("IP check cooldown active, sending cached info")
		r.send(cachedIP, cachedInfo, 0, 0)
		return
	}

	ipStart := time.Now()
	ip, err := r.fetchIP()
	ipFetchMs := time.Since(ipStart).Milliseconds()
	if err != nil {
		r.logger.WithError(err).Error("Failed to get public IP")
		return
	}
	r.logger.Infof("Got IP: %s (%dms)", ip, ipFetchMs)

	if ip == cachedIP && cachedInfo != "" {
		r.logger.Infof("IP unchanged (%s), using cached info", ip)
		if err := r.store.PutInt64(store.KeyLastIPCheck, now); err != nil {
			r.logger.WithError(err).Debug("Persisting last_ip_check failed")
		}
		r.send(ip, cachedInfo, ipFetchMs, 0)
		return
	}

	infoStart := time.Now()
	info, err := r.fetchInfo(ip)
	infoFetchMs := time.Since(infoStart).Milliseconds()
	if err != nil {
		r.logger.WithError(err).Error("Failed to get IP info")
		return
	}
	r.logger.Infof("Got IP info (%dms)", infoFetchMs)

	r.storeCache(ip, info)
	if err := r.store.PutInt64(store.KeyLastIPCheck, now); err != nil {
		r.logger.WithError(err).Debug("Persisting last_ip_check failed")
	}
	r.send(ip, info, ipFetchMs, infoFetchMs)
}

func (r *Reporter) loadCache() (ip, info string, lastCheck int64) {
	ip, _ = r.store.GetString(store.KeyCachedIP)
	info, _ = r.store.GetString(store.KeyCachedIPInfo)
	lastCheck, err := r.store.GetInt64(store.KeyLastIPCheck)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.WithError(err).Debug("IP cache load failed")
	}
	return ip, info, lastCheck
}

func (r *Reporter) storeCache(ip, info string) {
	if err := r.store.PutString(store.KeyCachedIP, ip); err != nil {
		r.logger.WithError(err).Debug("Persisting cached_ip failed")
	}
	if err := r.store.PutString(store.KeyCachedIPInfo, info); err != nil {
		r.logger.WithError(err).Debug("Persisting cached_ip_info failed")
	}
}

func (r *Reporter) fetchIP() (string, error) {
	body, err := r.get(r.ipEndpoint)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" || len(ip) > maxIPLen {
		return "", fmt.Errorf("implausible IP response %q", truncate(ip, 60))
	}
	return ip, nil
}

func (r *Reporter) fetchInfo(ip string) (string, error) {
	page, err := r.get(fmt.Sprintf(r.infoEndpoint, ip))
	if err != nil {
		return "", err
	}
	info, err := ExtractJSONBlock(page)
	if err != nil {
		return "", err
	}
	return info, nil
}

func (r *Reporter) get(url string) ([]byte, error) {
	resp, err := r.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func (r *Reporter) send(ip, info string, ipFetchMs, infoFetchMs int64) {
	raw := json.RawMessage(info)
	if !json.Valid(raw) {
		// Ship it as a string rather than corrupting the whole message.
		raw = json.RawMessage(`"` + protocol.Escape(info) + `"`)
	}
	r.sender.SendIPInfo(protocol.IPInfo{
		Type:        protocol.TypeIPInfo,
		NodeID:      r.nodeID,
		DeviceID:    r.nodeID,
		DeviceModel: r.deviceModel,
		IP:          ip,
		IPFetchMs:   ipFetchMs,
		InfoFetchMs: infoFetchMs,
		RawInfo:     raw,
	})
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
