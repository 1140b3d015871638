// ABOUTME: End-to-end WebSocket tests for the visitor and agent endpoints
// ABOUTME: Dials real sockets against an httptest server backed by a temp SQLite store

package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/protocol"
	"github.com/2389/hearth/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	gateway *Gateway
	http    *httptest.Server
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Sessions: config.SessionsConfig{
			GracePeriod:   time.Hour,
			SweepInterval: time.Hour,
		},
	}

	g, err := New(cfg, slog.Default())
	require.NoError(t, err)

	srv := httptest.NewServer(g.echo)
	t.Cleanup(func() {
		srv.Close()
		g.router.Close()
		g.store.Close()
	})

	require.NoError(t, g.store.CreateCompany(t.Context(), &store.Company{
		ID: "company-1", Name: "Acme", APIKey: "key-acme", Active: true,
	}))

	return &testServer{gateway: g, http: srv}
}

func (ts *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + path
}

func (ts *testServer) agentToken(t *testing.T, agentID string) string {
	t.Helper()
	verifier := auth.NewJWTVerifier([]byte(testSecret))
	token, err := verifier.Generate(&auth.AgentIdentity{
		UserID: agentID, CompanyID: "company-1", Role: "agent",
	}, time.Hour)
	require.NoError(t, err)
	return token
}

func dialVisitor(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/visitor"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func dialAgent(t *testing.T, ts *testServer, agentID string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + ts.agentToken(t, agentID)}}
	ws, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/agent"), header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, kind string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(&protocol.Frame{Kind: kind, Payload: data}))
}

// readFrame reads frames until one of the wanted kinds arrives, skipping
// interleaved broadcast noise like presence events.
func readFrame(t *testing.T, ws *websocket.Conn, kinds ...string) *protocol.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame protocol.Frame
		require.NoError(t, ws.ReadJSON(&frame))
		for _, kind := range kinds {
			if frame.Kind == kind {
				return &frame
			}
		}
	}
}

func decodePayload[T any](t *testing.T, frame *protocol.Frame) *T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(frame.Payload, &v))
	return &v
}

func verifyVisitor(t *testing.T, ws *websocket.Conn, clientSessionID string) string {
	t.Helper()
	sendFrame(t, ws, protocol.KindVerify, protocol.VerifyPayload{
		SessionID: clientSessionID,
		APIKey:    "key-acme",
		Profile:   protocol.Profile{Name: "Pat", Page: "/pricing"},
	})
	frame := readFrame(t, ws, protocol.KindSessionReady)
	return decodePayload[protocol.SessionReadyPayload](t, frame).RoomKey
}

func TestHealthz(t *testing.T) {
	ts := setupServer(t)

	resp, err := http.Get(ts.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVisitorVerifyHandshake(t *testing.T) {
	ts := setupServer(t)
	ws := dialVisitor(t, ts)

	roomKey := verifyVisitor(t, ws, "client-1")
	assert.NotEmpty(t, roomKey)
}

func TestVisitorVerifyBadKey(t *testing.T) {
	ts := setupServer(t)
	ws := dialVisitor(t, ts)

	sendFrame(t, ws, protocol.KindVerify, protocol.VerifyPayload{
		SessionID: "client-1",
		APIKey:    "wrong-key",
	})
	frame := readFrame(t, ws, protocol.KindVerifyFailed)
	assert.Equal(t, auth.ReasonInvalidAPIKey, decodePayload[protocol.VerifyFailedPayload](t, frame).Reason)
}

func TestVisitorMustVerifyFirst(t *testing.T) {
	ts := setupServer(t)
	ws := dialVisitor(t, ts)

	sendFrame(t, ws, protocol.KindSendMessage, protocol.SendMessagePayload{
		RoomKey: "some-room", Text: "hello",
	})
	frame := readFrame(t, ws, protocol.KindError)
	assert.Equal(t, "NOT_VERIFIED", decodePayload[protocol.ErrorPayload](t, frame).Code)
}

func TestAgentRejectedWithoutToken(t *testing.T) {
	ts := setupServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/agent"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgentRejectedWithBadToken(t *testing.T) {
	ts := setupServer(t)

	header := http.Header{"Authorization": []string{"Bearer not-a-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/agent"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgentReceivesInitialSnapshot(t *testing.T) {
	ts := setupServer(t)

	visitor := dialVisitor(t, ts)
	verifyVisitor(t, visitor, "client-1")

	agent := dialAgent(t, ts, "agent-1")
	frame := readFrame(t, agent, protocol.KindQueueSnapshot)
	snapshot := decodePayload[protocol.QueueSnapshotPayload](t, frame)
	require.Len(t, snapshot.Sessions, 1)
	assert.Equal(t, "Pat", snapshot.Sessions[0].VisitorName)
}

func TestClaimAndChatRoundTrip(t *testing.T) {
	ts := setupServer(t)

	visitor := dialVisitor(t, ts)
	roomKey := verifyVisitor(t, visitor, "client-1")

	agent := dialAgent(t, ts, "agent-1")
	snapshot := decodePayload[protocol.QueueSnapshotPayload](t,
		readFrame(t, agent, protocol.KindQueueSnapshot))
	require.Len(t, snapshot.Sessions, 1)
	sessionID := snapshot.Sessions[0].SessionID

	sendFrame(t, agent, protocol.KindClaim, protocol.ClaimPayload{SessionID: sessionID})
	claimOK := decodePayload[protocol.ClaimOKPayload](t,
		readFrame(t, agent, protocol.KindClaimOK))
	assert.Equal(t, roomKey, claimOK.RoomKey)

	// Visitor learns the agent arrived
	readFrame(t, visitor, protocol.KindAgentOnline)

	// Agent -> visitor
	sendFrame(t, agent, protocol.KindSendMessage, protocol.SendMessagePayload{
		RoomKey: roomKey, Text: "how can I help?",
	})
	msg := decodePayload[protocol.MessageReceivedPayload](t,
		readFrame(t, visitor, protocol.KindMessageReceived))
	assert.Equal(t, "how can I help?", msg.Text)
	assert.Equal(t, store.SenderAgent, msg.SenderKind)

	// Visitor -> agent, and the visitor gets its own echo back
	sendFrame(t, visitor, protocol.KindSendMessage, protocol.SendMessagePayload{
		RoomKey: roomKey, Text: "my order is stuck",
	})
	reply := decodePayload[protocol.MessageReceivedPayload](t,
		readFrame(t, agent, protocol.KindMessageReceived))
	assert.Equal(t, "my order is stuck", reply.Text)
	echo := decodePayload[protocol.MessageReceivedPayload](t,
		readFrame(t, visitor, protocol.KindMessageReceived))
	assert.Equal(t, "my order is stuck", echo.Text)
}

func TestClaimRaceSecondAgentRejected(t *testing.T) {
	ts := setupServer(t)

	visitor := dialVisitor(t, ts)
	verifyVisitor(t, visitor, "client-1")

	first := dialAgent(t, ts, "agent-1")
	second := dialAgent(t, ts, "agent-2")

	snapshot := decodePayload[protocol.QueueSnapshotPayload](t,
		readFrame(t, first, protocol.KindQueueSnapshot))
	require.Len(t, snapshot.Sessions, 1)
	sessionID := snapshot.Sessions[0].SessionID
	readFrame(t, second, protocol.KindQueueSnapshot)

	sendFrame(t, first, protocol.KindClaim, protocol.ClaimPayload{SessionID: sessionID})
	readFrame(t, first, protocol.KindClaimOK)

	sendFrame(t, second, protocol.KindClaim, protocol.ClaimPayload{SessionID: sessionID})
	rejected := decodePayload[protocol.ClaimRejectedPayload](t,
		readFrame(t, second, protocol.KindClaimRejected))
	assert.Equal(t, "ALREADY_ASSIGNED", rejected.Reason)
}

func TestVisitorRoleCannotClaim(t *testing.T) {
	ts := setupServer(t)
	ws := dialVisitor(t, ts)
	verifyVisitor(t, ws, "client-1")

	sendFrame(t, ws, protocol.KindClaim, protocol.ClaimPayload{SessionID: "whatever"})
	frame := readFrame(t, ws, protocol.KindError)
	assert.Equal(t, "BAD_FRAME", decodePayload[protocol.ErrorPayload](t, frame).Code)
}

func TestVisitorLeaveClosesSession(t *testing.T) {
	ts := setupServer(t)
	ws := dialVisitor(t, ts)
	verifyVisitor(t, ws, "client-1")

	sendFrame(t, ws, protocol.KindLeave, protocol.LeavePayload{SessionID: "client-1"})

	// A fresh verify on the same client session opens a new room
	time.Sleep(100 * time.Millisecond)
	second := dialVisitor(t, ts)
	roomKey := verifyVisitor(t, second, "client-1")

	session, err := ts.gateway.store.GetSessionByRoomKey(t.Context(), roomKey)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, session.Status)
}

func TestAgentDisconnectOrphansThenReclaims(t *testing.T) {
	ts := setupServer(t)

	visitor := dialVisitor(t, ts)
	verifyVisitor(t, visitor, "client-1")

	agent := dialAgent(t, ts, "agent-1")
	snapshot := decodePayload[protocol.QueueSnapshotPayload](t,
		readFrame(t, agent, protocol.KindQueueSnapshot))
	sessionID := snapshot.Sessions[0].SessionID

	sendFrame(t, agent, protocol.KindClaim, protocol.ClaimPayload{SessionID: sessionID})
	readFrame(t, agent, protocol.KindClaimOK)

	agent.Close()

	// Visitor sees the agent drop
	readFrame(t, visitor, protocol.KindAgentOffline)

	require.Eventually(t, func() bool {
		session, err := ts.gateway.store.GetSession(t.Context(), sessionID)
		return err == nil && session.Status == store.StatusOrphaned
	}, 3*time.Second, 50*time.Millisecond)

	// Reconnect reclaims within the grace window
	reconnected := dialAgent(t, ts, "agent-1")
	readFrame(t, reconnected, protocol.KindQueueSnapshot)
	readFrame(t, visitor, protocol.KindAgentReclaimed)

	session, err := ts.gateway.store.GetSession(t.Context(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, session.Status)
}
