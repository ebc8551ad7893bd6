// ABOUTME: Agent-side poll cycle: discover, poll, dispatch, post results.
// ABOUTME: Tracks connectivity as explicit states; notifies only on transitions.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopcast/bridge/internal/bridge"
	"github.com/loopcast/bridge/internal/control"
	"github.com/loopcast/bridge/internal/dedupe"
	"github.com/loopcast/bridge/internal/discovery"
)

// State is the poller's connectivity state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

// Handler runs one dispatched message and optionally produces a result
// message to post back. Session semantics live entirely in the handler;
// the poller only moves envelopes.
type Handler func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error)

// StateListener observes connectivity transitions. It fires only when the
// state actually changes, never once per tick, so a flaky link does not
// flood observers.
type StateListener func(State)

// errUnauthorized marks a 401 from the controller: the cached token is
// dead and full discovery must re-run.
var errUnauthorized = errors.New("controller rejected token")

// Poller drives the agent's share of the bridge. The agent cannot accept
// inbound connections, so an external coarse scheduler calls Tick and the
// poller pulls work from the controller.
type Poller struct {
	logger  *slog.Logger
	disc    *discovery.Discovery
	client  *http.Client
	handler Handler
	seen    *dedupe.Cache

	// inFlight prevents a slow cycle from overlapping the next tick.
	inFlight atomic.Bool

	mu        sync.Mutex
	state     State
	listeners []StateListener
}

// NewPoller creates a disconnected poller. The handler is required; it is
// what turns start_session messages into session results.
func NewPoller(disc *discovery.Discovery, handler Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		logger:  logger.With("component", "poller"),
		disc:    disc,
		client:  &http.Client{Timeout: 10 * time.Second},
		handler: handler,
		seen:    dedupe.New(10*time.Minute, 1000),
		state:   StateDisconnected,
	}
}

// OnStateChange registers a transition listener.
func (p *Poller) OnStateChange(fn StateListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// State returns the current connectivity state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// transition moves to next and notifies listeners only on a real change.
func (p *Poller) transition(next State) {
	p.mu.Lock()
	if p.state == next {
		p.mu.Unlock()
		return
	}
	p.state = next
	listeners := make([]StateListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	p.logger.Info("connectivity changed", "state", next)
	for _, fn := range listeners {
		fn(next)
	}
}

// Run ticks on a coarse fixed interval until ctx is cancelled. Intended
// for production use; tests call Tick directly.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one discover/poll/dispatch/post cycle. Every failure is caught
// and logged, never propagated; failures drive the state machine instead.
// An overlapping tick is skipped while a previous cycle is in flight.
func (p *Poller) Tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("previous cycle still in flight, skipping tick")
		return
	}
	defer p.inFlight.Store(false)

	cred, err := p.disc.Discover(ctx)
	if err != nil {
		p.transition(StateDisconnected)
		return
	}

	wasDisconnected := p.State() == StateDisconnected
	if wasDisconnected {
		if err := p.announce(ctx, cred); err != nil {
			p.logger.Debug("handshake failed", "error", err)
			p.failCycle(err)
			return
		}
	}

	msgs, err := p.poll(ctx, cred)
	if err != nil {
		p.logger.Debug("poll failed", "error", err)
		p.failCycle(err)
		return
	}

	for _, msg := range msgs {
		if err := p.dispatch(ctx, cred, msg); err != nil {
			p.logger.Debug("posting result failed", "error", err)
			p.failCycle(err)
			return
		}
	}

	p.transition(StateConnected)
}

// failCycle records a failed cycle: a dead token invalidates the cache so
// the next cycle re-discovers instead of retrying it.
func (p *Poller) failCycle(err error) {
	if errors.Is(err, errUnauthorized) {
		p.disc.Invalidate()
	}
	p.transition(StateDisconnected)
}

// announce posts an agent_ready so the controller sees the agent appear.
func (p *Poller) announce(ctx context.Context, cred *discovery.Credential) error {
	msg, err := bridge.New(bridge.TypeAgentReady, map[string]any{"version": control.Version})
	if err != nil {
		return err
	}
	return p.postResult(ctx, cred, msg)
}

// poll retrieves and empties the controller's queue.
func (p *Poller) poll(ctx context.Context, cred *discovery.Credential) ([]*bridge.Message, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/poll", cred.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(control.TokenHeader, cred.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned %d", resp.StatusCode)
	}

	var body struct {
		Messages []*bridge.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("parsing poll response: %w", err)
	}
	return body.Messages, nil
}

// dispatch validates one message, runs the handler, and posts any result.
// Handler errors are local: they are logged and do not fail the cycle. A
// failure to post the result is a network failure and is returned so the
// cycle ends disconnected.
func (p *Poller) dispatch(ctx context.Context, cred *discovery.Credential, msg *bridge.Message) error {
	if err := msg.Validate(); err != nil {
		p.logger.Warn("dropping invalid polled message", "error", err)
		return nil
	}
	if msg.ID != "" && p.seen.SeenAndMark(msg.ID) {
		p.logger.Debug("skipping already-dispatched message", "id", msg.ID)
		return nil
	}

	result, err := p.handler(ctx, msg)
	if err != nil {
		p.logger.Error("handler failed", "type", msg.Type, "error", err)
		return nil
	}
	if result == nil {
		return nil
	}

	if err := p.postResult(ctx, cred, result); err != nil {
		return fmt.Errorf("posting result: %w", err)
	}
	return nil
}

// postResult posts a message to the controller's result endpoint.
func (p *Poller) postResult(ctx context.Context, cred *discovery.Credential, msg *bridge.Message) error {
	body, err := json.Marshal(map[string]any{"message": msg})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/result", cred.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(control.TokenHeader, cred.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("result returned %d", resp.StatusCode)
	}
	return nil
}

// Close releases the poller's internal cache.
func (p *Poller) Close() {
	p.seen.Close()
}
