// ABOUTME: Tests for the bridge client: transport selection, correlation, timeouts.
// ABOUTME: Drives the real control server and mailbox rather than mocks.

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/bridge/internal/bridge"
	"github.com/loopcast/bridge/internal/control"
	"github.com/loopcast/bridge/internal/discovery"
)

func newTestClient(t *testing.T, preferred int) *Client {
	t.Helper()
	c := New(Options{
		BridgeDir:      t.TempDir(),
		PreferredPort:  preferred,
		RequestTimeout: 2 * time.Second,
		PollInterval:   20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// agentPostResult plays the agent side over HTTP: reads the credential file
// and posts a session result.
func agentPostResult(t *testing.T, dir string, payload bridge.SessionResultPayload) {
	t.Helper()
	cred, err := discovery.ReadCredential(dir)
	require.NoError(t, err)

	msg, err := bridge.New(bridge.TypeSessionResult, payload)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{"message": msg})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d/result", cred.Port), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(control.TokenHeader, cred.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendRequest_BeforeConnect(t *testing.T) {
	c := New(Options{BridgeDir: t.TempDir(), PreferredPort: 19000})

	_, err := c.SendRequest(context.Background(), "login", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnect_SelectsHTTPAndWritesCredential(t *testing.T) {
	c := newTestClient(t, 19010)
	require.NoError(t, c.Connect())

	assert.Equal(t, TransportHTTP, c.ActiveTransport())

	cred, err := discovery.ReadCredential(c.opts.BridgeDir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), cred.PID)
	assert.Len(t, cred.Token, 32)
	assert.GreaterOrEqual(t, cred.Port, 19010)
}

func TestConnect_FallsBackToFileTransport(t *testing.T) {
	base := 19030
	blockers := make([]net.Listener, 0, control.PortRangeSize)
	for _, p := range control.PortCandidates(base) {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		require.NoError(t, err)
		blockers = append(blockers, ln)
	}
	defer func() {
		for _, ln := range blockers {
			ln.Close()
		}
	}()

	c := newTestClient(t, base)
	require.NoError(t, c.Connect())

	assert.Equal(t, TransportFile, c.ActiveTransport())

	// The handshake went out over the mailbox.
	entries, err := os.ReadDir(filepath.Join(c.opts.BridgeDir, "outbox"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestConnect_HandshakeFailureRollsBack(t *testing.T) {
	base := 19170
	blockers := make([]net.Listener, 0, control.PortRangeSize)
	for _, p := range control.PortCandidates(base) {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		require.NoError(t, err)
		blockers = append(blockers, ln)
	}
	defer func() {
		for _, ln := range blockers {
			ln.Close()
		}
	}()

	c := newTestClient(t, base)

	// Point the outbox at a directory that rejects file creation so the
	// handshake write fails after the transport comes up.
	outbox := filepath.Join(c.opts.BridgeDir, "outbox")
	require.NoError(t, os.Symlink("/proc/sys", outbox))

	err := c.Connect()
	require.Error(t, err)
	assert.Equal(t, TransportNone, c.ActiveTransport())

	// A failed connect leaves the client retryable, not stuck.
	require.NoError(t, os.Remove(outbox))
	require.NoError(t, c.Connect())
	assert.Equal(t, TransportFile, c.ActiveTransport())
}

func TestSendRequest_ResolvedByResult(t *testing.T) {
	c := newTestClient(t, 19050)
	require.NoError(t, c.Connect())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Give SendRequest a moment to register the pending entry.
		time.Sleep(50 * time.Millisecond)
		agentPostResult(t, c.opts.BridgeDir, bridge.SessionResultPayload{
			PlanID: "login", Passed: true, Summary: "all steps green",
		})
	}()

	res, err := c.SendRequest(context.Background(), "login", json.RawMessage(`{"steps":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "login", res.PlanID)
	assert.True(t, res.Passed)
	<-done
}

func TestSendRequest_Timeout(t *testing.T) {
	c := newTestClient(t, 19070)
	c.timeout = 100 * time.Millisecond
	require.NoError(t, c.Connect())

	start := time.Now()
	_, err := c.SendRequest(context.Background(), "never-answered", nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// A late result for the timed-out plan produces no observable effect.
	agentPostResult(t, c.opts.BridgeDir, bridge.SessionResultPayload{PlanID: "never-answered", Passed: true})
	time.Sleep(50 * time.Millisecond)
}

func TestSendRequest_DuplicatePlanFailsClosed(t *testing.T) {
	c := newTestClient(t, 19090)
	c.timeout = time.Second
	require.NoError(t, c.Connect())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "login", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := c.SendRequest(context.Background(), "login", nil)
	assert.ErrorIs(t, err, ErrDuplicatePlan)

	// The first request is still live and resolvable.
	agentPostResult(t, c.opts.BridgeDir, bridge.SessionResultPayload{PlanID: "login", Passed: true})
	assert.NoError(t, <-errCh)
}

func TestDisconnect_RejectsPendingDistinctly(t *testing.T) {
	c := newTestClient(t, 19110)
	require.NoError(t, c.Connect())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "login", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cred, err := discovery.ReadCredential(c.opts.BridgeDir)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())

	err = <-errCh
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.NotErrorIs(t, err, ErrRequestTimeout)

	// Credential file is gone and the socket is closed.
	_, err = discovery.ReadCredential(c.opts.BridgeDir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	httpClient := &http.Client{Timeout: 300 * time.Millisecond}
	_, err = httpClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cred.Port))
	assert.Error(t, err)
}

func TestDisconnect_Idempotent(t *testing.T) {
	c := newTestClient(t, 19130)
	require.NoError(t, c.Connect())
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
}

func TestOnResult_HookSeesEveryResult(t *testing.T) {
	c := newTestClient(t, 19150)
	require.NoError(t, c.Connect())

	var seen []string
	hookDone := make(chan struct{}, 2)
	c.OnResult(func(p *bridge.SessionResultPayload) {
		seen = append(seen, p.PlanID)
		hookDone <- struct{}{}
	})

	// Unmatched result: hook fires, nothing else happens.
	agentPostResult(t, c.opts.BridgeDir, bridge.SessionResultPayload{PlanID: "unsolicited", Passed: false})
	<-hookDone

	assert.Equal(t, []string{"unsolicited"}, seen)
}
