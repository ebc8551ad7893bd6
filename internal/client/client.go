// ABOUTME: Controller-side bridge façade: transport selection and correlation.
// ABOUTME: Prefers the loopback HTTP server, falls back to the file mailbox.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loopcast/bridge/internal/bridge"
	"github.com/loopcast/bridge/internal/control"
	"github.com/loopcast/bridge/internal/discovery"
	"github.com/loopcast/bridge/internal/mailbox"
)

// Transport names the active transport after Connect.
type Transport string

const (
	TransportNone Transport = ""
	TransportHTTP Transport = "http"
	TransportFile Transport = "file"
)

// DefaultRequestTimeout bounds how long SendRequest waits for a result.
const DefaultRequestTimeout = 30 * time.Second

// Client errors
var (
	ErrNotConnected   = errors.New("bridge client not connected")
	ErrRequestTimeout = errors.New("request timed out waiting for result")
	ErrDisconnected   = errors.New("bridge client disconnected")
	ErrDuplicatePlan  = errors.New("a request for this plan id is already pending")
)

// outcome is what a pending request eventually receives: a result or a
// terminal error, never both.
type outcome struct {
	res *bridge.SessionResultPayload
	err error
}

// Options configures a Client.
type Options struct {
	// BridgeDir is the .bridge directory holding the credential file and,
	// in file-transport mode, the mailboxes.
	BridgeDir string

	// PreferredPort anchors the control server's candidate range.
	PreferredPort int

	// RequestTimeout overrides DefaultRequestTimeout when positive.
	RequestTimeout time.Duration

	// PollInterval is the mailbox scan interval in file-transport mode.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Client is the single entry point for the rest of the controller. It owns
// exactly one active transport after Connect and correlates inbound results
// to pending requests by plan id.
type Client struct {
	logger  *slog.Logger
	opts    Options
	timeout time.Duration

	mu        sync.Mutex
	connected bool
	transport Transport
	server    *control.Server
	mbox      *mailbox.Transport
	pending   map[string]chan outcome
	hooks     []func(*bridge.SessionResultPayload)
}

// New creates an unconnected client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		logger:  logger.With("component", "client"),
		opts:    opts,
		timeout: timeout,
		pending: make(map[string]chan outcome),
	}
}

// Connect starts the HTTP control server, or falls back to the file
// mailbox when the whole port range is taken. Exactly one transport is
// active when Connect returns nil. The bind failure never surfaces to the
// caller; it only selects the fallback.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return errors.New("already connected")
	}

	if err := c.connectHTTP(); err != nil {
		if !errors.Is(err, control.ErrPortRangeExhausted) {
			return err
		}
		c.logger.Warn("port range exhausted, using file transport", "error", err)
		if err := c.connectFile(); err != nil {
			return err
		}
	}

	if err := c.sendHandshakeLocked(); err != nil {
		c.teardownTransportLocked()
		return fmt.Errorf("sending handshake: %w", err)
	}
	c.connected = true
	return nil
}

// teardownTransportLocked undoes a partial Connect so a retry starts clean.
// Called with the lock held.
func (c *Client) teardownTransportLocked() {
	switch c.transport {
	case TransportHTTP:
		_ = c.server.Stop()
		c.server = nil
		_ = discovery.RemoveCredential(c.opts.BridgeDir)
	case TransportFile:
		c.mbox.Disconnect()
		c.mbox = nil
	}
	c.transport = TransportNone
}

// connectHTTP starts the control server and publishes its credential.
// Called with the lock held.
func (c *Client) connectHTTP() error {
	srv, err := control.NewServer(c.logger)
	if err != nil {
		return err
	}

	port, err := srv.Start(c.opts.PreferredPort)
	if err != nil {
		return err
	}

	cred := &discovery.Credential{
		Port:      port,
		Token:     srv.Token(),
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}
	if err := discovery.WriteCredential(c.opts.BridgeDir, cred); err != nil {
		_ = srv.Stop()
		return err
	}

	srv.OnResult(c.handleInbound)
	c.server = srv
	c.transport = TransportHTTP
	c.logger.Info("bridge connected", "transport", TransportHTTP, "port", port)
	return nil
}

// connectFile wires the mailbox fallback. Called with the lock held.
func (c *Client) connectFile() error {
	mbox := mailbox.New(c.opts.BridgeDir, c.opts.PollInterval, c.logger)
	if err := mbox.Connect(); err != nil {
		return err
	}

	mbox.OnMessage(c.handleInbound)
	c.mbox = mbox
	c.transport = TransportFile
	c.logger.Info("bridge connected", "transport", TransportFile, "dir", c.opts.BridgeDir)
	return nil
}

// sendHandshakeLocked announces the controller over the active transport.
func (c *Client) sendHandshakeLocked() error {
	msg, err := bridge.New(bridge.TypeControllerReady, map[string]any{
		"pid":     os.Getpid(),
		"version": control.Version,
	})
	if err != nil {
		return err
	}
	return c.transmitLocked(msg)
}

// transmitLocked hands a message to the active transport.
func (c *Client) transmitLocked(msg *bridge.Message) error {
	switch c.transport {
	case TransportHTTP:
		c.server.Enqueue(msg)
		return nil
	case TransportFile:
		return c.mbox.Send(msg)
	default:
		return ErrNotConnected
	}
}

// ActiveTransport reports which transport Connect selected.
func (c *Client) ActiveTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// OnResult registers an observer called for every structurally valid
// inbound session result, matched or not. Used for result history.
func (c *Client) OnResult(hook func(*bridge.SessionResultPayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// SendRequest dispatches a start_session for planID and blocks until the
// matching result arrives, the timeout fires, ctx is cancelled, or the
// client disconnects. Calling before Connect fails immediately; no
// implicit connect. A second concurrent request for the same plan id fails
// closed with ErrDuplicatePlan rather than racing for the callback slot.
func (c *Client) SendRequest(ctx context.Context, planID string, spec json.RawMessage) (*bridge.SessionResultPayload, error) {
	if planID == "" {
		return nil, fmt.Errorf("plan id is required")
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, exists := c.pending[planID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlan, planID)
	}

	ch := make(chan outcome, 1)
	c.pending[planID] = ch

	msg, err := bridge.New(bridge.TypeStartSession, bridge.StartSessionPayload{PlanID: planID, Spec: spec})
	if err != nil {
		delete(c.pending, planID)
		c.mu.Unlock()
		return nil, err
	}
	if err := c.transmitLocked(msg); err != nil {
		delete(c.pending, planID)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-timer.C:
		return c.abandon(planID, ch, ErrRequestTimeout)
	case <-ctx.Done():
		return c.abandon(planID, ch, ctx.Err())
	}
}

// abandon removes a pending request after a timeout or cancellation. If the
// entry is already gone an outcome was delivered concurrently; prefer it.
func (c *Client) abandon(planID string, ch chan outcome, reason error) (*bridge.SessionResultPayload, error) {
	c.mu.Lock()
	_, stillPending := c.pending[planID]
	if stillPending {
		delete(c.pending, planID)
	}
	c.mu.Unlock()

	if !stillPending {
		out := <-ch
		return out.res, out.err
	}
	return nil, reason
}

// handleInbound receives messages from either transport. Only session
// results are correlated; anything else is logged and dropped.
func (c *Client) handleInbound(msg *bridge.Message) {
	if msg.Type != bridge.TypeSessionResult {
		c.logger.Debug("ignoring non-result message", "type", msg.Type)
		return
	}

	payload, err := msg.SessionResult()
	if err != nil {
		c.logger.Warn("dropping malformed session result", "error", err)
		return
	}

	c.mu.Lock()
	hooks := make([]func(*bridge.SessionResultPayload), len(c.hooks))
	copy(hooks, c.hooks)
	ch, ok := c.pending[payload.PlanID]
	if ok {
		delete(c.pending, payload.PlanID)
	}
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(payload)
	}

	if !ok {
		// Late, duplicate, or unknown plan id: documented limitation,
		// silently dropped.
		c.logger.Debug("no pending request for result", "plan_id", payload.PlanID)
		return
	}
	ch <- outcome{res: payload}
}

// Disconnect tears down the active transport, best-effort-deletes the
// credential file, and rejects every pending request with ErrDisconnected
// so none is left unresolved. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false

	var transportErr error
	switch c.transport {
	case TransportHTTP:
		transportErr = c.server.Stop()
		c.server = nil
	case TransportFile:
		c.mbox.Disconnect()
		c.mbox = nil
	}
	c.transport = TransportNone

	waiting := c.pending
	c.pending = make(map[string]chan outcome)
	c.mu.Unlock()

	for planID, ch := range waiting {
		ch <- outcome{err: fmt.Errorf("%w: plan %s", ErrDisconnected, planID)}
	}

	if err := discovery.RemoveCredential(c.opts.BridgeDir); err != nil {
		c.logger.Warn("failed to remove credential file", "error", err)
	}

	return transportErr
}
