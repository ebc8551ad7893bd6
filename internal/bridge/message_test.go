// ABOUTME: Tests for the bridge message envelope and its validation boundary.
// ABOUTME: Covers the closed type enum, payload decoding, and round-trip equality.

package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SetsIDAndTimestamp(t *testing.T) {
	msg, err := New(TypeStartSession, StartSessionPayload{PlanID: "login"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, TypeStartSession, msg.Type)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(MessageType("launch_missiles"), nil)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestValidate(t *testing.T) {
	valid, err := New(TypeAgentReady, map[string]string{"agent": "browser"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(m *Message)
		wantErr error
	}{
		{"valid", func(m *Message) {}, nil},
		{"unknown type", func(m *Message) { m.Type = "bogus" }, ErrUnknownMessageType},
		{"empty type", func(m *Message) { m.Type = "" }, ErrUnknownMessageType},
		{"nil payload", func(m *Message) { m.Payload = nil }, ErrInvalidMessage},
		{"zero timestamp", func(m *Message) { m.Timestamp = time.Time{} }, ErrInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := *valid
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	orig, err := New(TypeSessionResult, SessionResultPayload{
		PlanID:  "checkout",
		Passed:  true,
		Summary: "4/4 steps",
	})
	require.NoError(t, err)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Type, got.Type)
	assert.JSONEq(t, string(orig.Payload), string(got.Payload))
	assert.True(t, orig.Timestamp.Equal(got.Timestamp))
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json at all"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecode_UnknownTag(t *testing.T) {
	data := []byte(`{"type":"mystery","payload":{},"timestamp":"2026-01-02T03:04:05Z"}`)
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestStartSession_Decode(t *testing.T) {
	msg, err := New(TypeStartSession, StartSessionPayload{
		PlanID: "login",
		Spec:   json.RawMessage(`{"steps":["open","type","submit"]}`),
	})
	require.NoError(t, err)

	p, err := msg.StartSession()
	require.NoError(t, err)
	assert.Equal(t, "login", p.PlanID)
	assert.JSONEq(t, `{"steps":["open","type","submit"]}`, string(p.Spec))
}

func TestStartSession_WrongType(t *testing.T) {
	msg, err := New(TypeAgentReady, map[string]string{})
	require.NoError(t, err)

	_, err = msg.StartSession()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestStartSession_MissingPlanID(t *testing.T) {
	msg, err := New(TypeStartSession, StartSessionPayload{})
	require.NoError(t, err)

	_, err = msg.StartSession()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSessionResult_Decode(t *testing.T) {
	msg, err := New(TypeSessionResult, SessionResultPayload{PlanID: "login", Passed: false, Error: "step 2 timed out"})
	require.NoError(t, err)

	p, err := msg.SessionResult()
	require.NoError(t, err)
	assert.Equal(t, "login", p.PlanID)
	assert.False(t, p.Passed)
	assert.Equal(t, "step 2 timed out", p.Error)
}
