// ABOUTME: Tests for frame parsing, role restrictions, and payload validation
// ABOUTME: The boundary must reject malformed input before any handler runs

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound_Verify(t *testing.T) {
	raw := []byte(`{"kind":"verify","payload":{"session_id":"s-1","company_api_key":"key-1","profile":{"browser":"firefox","page":"/pricing"}}}`)

	frame, payload, err := ParseInbound(raw, RoleVisitor)
	require.NoError(t, err)
	assert.Equal(t, KindVerify, frame.Kind)

	verify, ok := payload.(*VerifyPayload)
	require.True(t, ok)
	assert.Equal(t, "s-1", verify.SessionID)
	assert.Equal(t, "key-1", verify.APIKey)
	assert.Equal(t, "/pricing", verify.Profile.Page)
}

func TestParseInbound_VerifyMissingKey(t *testing.T) {
	raw := []byte(`{"kind":"verify","payload":{"session_id":"s-1"}}`)

	_, _, err := ParseInbound(raw, RoleVisitor)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParseInbound_UnknownKind(t *testing.T) {
	raw := []byte(`{"kind":"frobnicate","payload":{}}`)

	_, _, err := ParseInbound(raw, RoleVisitor)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseInbound_MalformedJSON(t *testing.T) {
	_, _, err := ParseInbound([]byte(`{{{`), RoleVisitor)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParseInbound_RoleRestrictions(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		role Role
		ok   bool
	}{
		{"visitor cannot claim", `{"kind":"claim","payload":{"session_id":"s-1"}}`, RoleVisitor, false},
		{"visitor cannot list queue", `{"kind":"list_queue"}`, RoleVisitor, false},
		{"agent cannot verify", `{"kind":"verify","payload":{"session_id":"s","company_api_key":"k"}}`, RoleAgent, false},
		{"agent cannot leave", `{"kind":"leave","payload":{"session_id":"s-1"}}`, RoleAgent, false},
		{"agent can claim", `{"kind":"claim","payload":{"session_id":"s-1"}}`, RoleAgent, true},
		{"agent can list queue", `{"kind":"list_queue"}`, RoleAgent, true},
		{"both send messages", `{"kind":"send_message","payload":{"room_key":"r","text":"hi"}}`, RoleVisitor, true},
		{"agent typing", `{"kind":"typing","payload":{"room_key":"r"}}`, RoleAgent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseInbound([]byte(tt.raw), tt.role)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNotPermitted)
			}
		})
	}
}

func TestParseInbound_EmptyText(t *testing.T) {
	raw := []byte(`{"kind":"send_message","payload":{"room_key":"r","text":""}}`)

	_, _, err := ParseInbound(raw, RoleVisitor)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNewFrame_RoundTrip(t *testing.T) {
	frame := NewFrame(KindQueueDelta, QueueDeltaPayload{SessionID: "s-1", Action: QueueAdded})

	data, err := frame.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"queue_delta","payload":{"session_id":"s-1","action":"added"}}`, string(data))
}

func TestNewFrame_NilPayload(t *testing.T) {
	frame := NewFrame(KindAgentOffline, nil)

	data, err := frame.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"agent_offline"}`, string(data))
}
