// ABOUTME: Agent-side discovery of a live control server with no prior config.
// ABOUTME: Revalidates a TTL-bounded cached port before falling back to a range scan.

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loopcast/bridge/internal/control"
)

// DefaultCacheTTL bounds how long a cached credential may be revalidated
// instead of triggering a full range scan.
const DefaultCacheTTL = 30 * time.Second

// DefaultProbeTimeout is the per-port health probe timeout. The scan is
// sequential, so worst-case cold discovery is range size times this value.
const DefaultProbeTimeout = 250 * time.Millisecond

// ErrNoServer means no port in the range answered. Callers treat it as
// "currently disconnected", never as fatal.
var ErrNoServer = errors.New("no control server responding")

// cacheEntry remembers the port of the last successful probe. It is never
// trusted past its TTL, and even inside the TTL it is revalidated with one
// health probe; the token always comes from that probe, never the cache, so
// a server restart on the same port heals without a rescan.
type cacheEntry struct {
	port         int
	discoveredAt time.Time
}

// Discovery locates a live control server by probing the fixed port range.
type Discovery struct {
	logger       *slog.Logger
	client       *http.Client
	startPort    int
	cacheTTL     time.Duration
	probeTimeout time.Duration

	cache *cacheEntry

	// probeCount is read by tests to assert cache behavior.
	probeCount int
}

// New creates a Discovery scanning the range that starts at startPort.
func New(startPort int, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		logger:       logger.With("component", "discovery"),
		client:       &http.Client{},
		startPort:    startPort,
		cacheTTL:     DefaultCacheTTL,
		probeTimeout: DefaultProbeTimeout,
	}
}

// Discover returns the credential of a live control server. A fresh cache
// entry that still answers is reused without scanning; otherwise the full
// range is probed sequentially and the first responder wins.
func (d *Discovery) Discover(ctx context.Context) (*Credential, error) {
	if d.cache != nil && time.Since(d.cache.discoveredAt) < d.cacheTTL {
		if cred, err := d.probe(ctx, d.cache.port); err == nil {
			return cred, nil
		}
		d.logger.Debug("cached port no longer answers", "port", d.cache.port)
		d.cache = nil
	}

	for _, port := range control.PortCandidates(d.startPort) {
		cred, err := d.probe(ctx, port)
		if err != nil {
			continue
		}
		d.cache = &cacheEntry{port: cred.Port, discoveredAt: time.Now()}
		d.logger.Info("control server discovered", "port", cred.Port)
		return cred, nil
	}

	return nil, ErrNoServer
}

// Invalidate drops the cached entry. Called after a 401 so the next cycle
// re-runs full discovery instead of retrying a dead token.
func (d *Discovery) Invalidate() {
	d.cache = nil
}

// probe issues one health request against a port with a short timeout.
func (d *Discovery) probe(ctx context.Context, port int) (*Credential, error) {
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()
	d.probeCount++

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %d", resp.StatusCode)
	}

	var health struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
		Port  int    `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("parsing health response: %w", err)
	}
	if !health.OK || health.Token == "" {
		return nil, errors.New("health response not ok")
	}

	// The port in the body is authoritative, but a healthy server always
	// reports the port it was probed on.
	if health.Port == 0 {
		health.Port = port
	}
	return &Credential{Port: health.Port, Token: health.Token}, nil
}
