package signal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/core/services"
	"castrelay/internal/infrastructure/repositories/memory"
	"castrelay/internal/infrastructure/signal"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type relayFixture struct {
	relay    *signal.RelayServer
	registry *services.SessionService
	server   *httptest.Server
	wsURL    string
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	registry := services.NewSessionService(memory.NewMemorySessionRepository(), nil, zap.NewNop().Sugar())
	relay := signal.NewRelayServer(registry, nil, zap.NewNop().Sugar())
	relay.SetTimeouts(50*time.Millisecond, 5*time.Second, time.Second, time.Second)

	server := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(server.Close)

	return &relayFixture{
		relay:    relay,
		registry: registry,
		server:   server,
		wsURL:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *relayFixture) createSession(t *testing.T) domain.SessionCode {
	t.Helper()
	session, err := f.registry.Create(context.Background(), domain.ModePeerToPeer)
	require.NoError(t, err)
	return session.Code
}

func (f *relayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg domain.SignalMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func recv(t *testing.T, conn *websocket.Conn) domain.SignalMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg domain.SignalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg domain.SignalMessage
	err := conn.ReadJSON(&msg)
	require.Error(t, err, "expected no message, got %+v", msg)
}

// joinSharer connects and completes the sharer handshake.
func (f *relayFixture) joinSharer(t *testing.T, code domain.SessionCode) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)
	send(t, conn, domain.SignalMessage{Type: domain.MsgJoin, Code: code, Role: domain.RoleSharer})
	ack := recv(t, conn)
	require.Equal(t, domain.MsgJoin, ack.Type)
	require.Equal(t, domain.RoleSharer, ack.Role)
	return conn
}

// joinViewer connects a viewer and returns its connection plus the peer ID
// assigned by the relay.
func (f *relayFixture) joinViewer(t *testing.T, code domain.SessionCode) (*websocket.Conn, domain.PeerID) {
	t.Helper()
	conn := f.dial(t)
	send(t, conn, domain.SignalMessage{Type: domain.MsgJoin, Code: code, Role: domain.RoleViewer})
	ack := recv(t, conn)
	require.Equal(t, domain.MsgJoin, ack.Type)
	require.Equal(t, domain.RoleViewer, ack.Role)
	require.NotEmpty(t, ack.PeerID)
	return conn, ack.PeerID
}

func TestJoin_SharerLearnsViewerPeerID(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	_, peerID := f.joinViewer(t, code)

	note := recv(t, sharer)
	assert.Equal(t, domain.MsgJoin, note.Type)
	assert.Equal(t, domain.RoleViewer, note.Role)
	assert.Equal(t, peerID, note.PeerID)
}

func TestJoin_ActivatesSession(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	f.joinSharer(t, code)

	session, err := f.registry.Get(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, session.Status)
}

func TestJoin_UnknownCodeRejected(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial(t)
	send(t, conn, domain.SignalMessage{Type: domain.MsgJoin, Code: "ZZZZZZ", Role: domain.RoleViewer})

	reply := recv(t, conn)
	assert.Equal(t, domain.MsgError, reply.Type)
	assert.NotEmpty(t, reply.Error)
}

func TestJoin_SecondSharerRejected(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	f.joinSharer(t, code)

	conn := f.dial(t)
	send(t, conn, domain.SignalMessage{Type: domain.MsgJoin, Code: code, Role: domain.RoleSharer})

	reply := recv(t, conn)
	assert.Equal(t, domain.MsgError, reply.Type)
	assert.Contains(t, reply.Error, "role")
}

func TestJoin_FirstFrameMustBeJoin(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	conn := f.dial(t)
	send(t, conn, domain.SignalMessage{Type: domain.MsgOffer, Code: code})

	reply := recv(t, conn)
	assert.Equal(t, domain.MsgError, reply.Type)

	// Connection is closed after the rejection.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg domain.SignalMessage
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestJoin_CodeNormalized(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	conn := f.dial(t)
	lower := domain.SessionCode("  " + strings.ToLower(string(code)) + " ")
	send(t, conn, domain.SignalMessage{Type: domain.MsgJoin, Code: lower, Role: domain.RoleViewer})

	ack := recv(t, conn)
	assert.Equal(t, domain.MsgJoin, ack.Type)
	assert.Equal(t, code, ack.Code)
}

func TestRoute_OfferReachesOnlyNamedViewer(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	viewerA, peerA := f.joinViewer(t, code)
	recv(t, sharer) // viewer A join note
	viewerB, _ := f.joinViewer(t, code)
	recv(t, sharer) // viewer B join note

	payload := json.RawMessage(`{"sdp":"v=0 offer-blob","type":"offer"}`)
	send(t, sharer, domain.SignalMessage{Type: domain.MsgOffer, Code: code, PeerID: peerA, Data: payload})

	got := recv(t, viewerA)
	assert.Equal(t, domain.MsgOffer, got.Type)
	assert.JSONEq(t, string(payload), string(got.Data))

	expectSilence(t, viewerB)
}

func TestRoute_SharerMustNamePeer(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	f.joinViewer(t, code)
	recv(t, sharer) // join note

	send(t, sharer, domain.SignalMessage{Type: domain.MsgOffer, Code: code})

	reply := recv(t, sharer)
	assert.Equal(t, domain.MsgError, reply.Type)
	assert.Contains(t, reply.Error, "peer_id")
}

func TestRoute_ViewerAnswerStampedAndDeliveredToSharer(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	viewer, peerID := f.joinViewer(t, code)
	recv(t, sharer) // join note

	payload := json.RawMessage(`{"sdp":"v=0 answer-blob","type":"answer"}`)
	send(t, viewer, domain.SignalMessage{Type: domain.MsgAnswer, Code: code, Data: payload})

	got := recv(t, sharer)
	assert.Equal(t, domain.MsgAnswer, got.Type)
	assert.Equal(t, peerID, got.PeerID, "answer must carry the sending viewer's peer ID")
	assert.JSONEq(t, string(payload), string(got.Data))
}

func TestRoute_CandidatesFlowBothWays(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	viewer, peerID := f.joinViewer(t, code)
	recv(t, sharer) // join note

	toViewer := json.RawMessage(`{"candidate":"candidate:1 1 UDP 1 10.0.0.1 5000 typ host"}`)
	send(t, sharer, domain.SignalMessage{Type: domain.MsgICECandidate, Code: code, PeerID: peerID, Data: toViewer})
	got := recv(t, viewer)
	assert.Equal(t, domain.MsgICECandidate, got.Type)
	assert.JSONEq(t, string(toViewer), string(got.Data))

	toSharer := json.RawMessage(`{"candidate":"candidate:2 1 UDP 1 10.0.0.2 5001 typ host"}`)
	send(t, viewer, domain.SignalMessage{Type: domain.MsgICECandidate, Code: code, Data: toSharer})
	got = recv(t, sharer)
	assert.Equal(t, domain.MsgICECandidate, got.Type)
	assert.Equal(t, peerID, got.PeerID)
	assert.JSONEq(t, string(toSharer), string(got.Data))
}

func TestRoute_UnknownTypeAnswersError(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	send(t, sharer, domain.SignalMessage{Type: "broadcast", Code: code})

	reply := recv(t, sharer)
	assert.Equal(t, domain.MsgError, reply.Type)
	assert.Contains(t, reply.Error, "unknown message type")
}

func TestViewerDisconnect_SessionSurvives(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	viewer, peerID := f.joinViewer(t, code)
	recv(t, sharer) // join note

	viewer.Close()

	note := recv(t, sharer)
	assert.Equal(t, domain.MsgLeave, note.Type)
	assert.Equal(t, peerID, note.PeerID)

	// The session still accepts new viewers.
	_, newPeer := f.joinViewer(t, code)
	note = recv(t, sharer)
	assert.Equal(t, domain.MsgJoin, note.Type)
	assert.Equal(t, newPeer, note.PeerID)
}

func TestSharerDisconnect_ClosesSessionAndNotifiesViewers(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	viewerA, _ := f.joinViewer(t, code)
	recv(t, sharer)
	viewerB, _ := f.joinViewer(t, code)
	recv(t, sharer)

	sharer.Close()

	for _, viewer := range []*websocket.Conn{viewerA, viewerB} {
		note := recv(t, viewer)
		assert.Equal(t, domain.MsgLeave, note.Type)
	}

	// Session record is destroyed; the code cannot be joined again.
	assert.Eventually(t, func() bool {
		_, err := f.registry.Get(context.Background(), code)
		return err == domain.ErrSessionNotFound
	}, 2*time.Second, 20*time.Millisecond)

	conn := f.dial(t)
	send(t, conn, domain.SignalMessage{Type: domain.MsgJoin, Code: code, Role: domain.RoleViewer})
	reply := recv(t, conn)
	assert.Equal(t, domain.MsgError, reply.Type)
}

func TestCloseSession_IdempotentAndReleasesEveryone(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	viewer, _ := f.joinViewer(t, code)
	recv(t, sharer)

	f.relay.CloseSession(context.Background(), code)
	f.relay.CloseSession(context.Background(), code)

	note := recv(t, viewer)
	assert.Equal(t, domain.MsgLeave, note.Type)

	_, err := f.registry.Get(context.Background(), code)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestJoinTimeout_DropsHalfOpenConnection(t *testing.T) {
	f := newRelayFixture(t)
	f.relay.SetTimeouts(50*time.Millisecond, 5*time.Second, time.Second, 200*time.Millisecond)

	conn := f.dial(t)
	// Send nothing; the relay must drop us once the join window expires.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestLeave_DisconnectsCleanly(t *testing.T) {
	f := newRelayFixture(t)
	code := f.createSession(t)

	sharer := f.joinSharer(t, code)
	viewer, peerID := f.joinViewer(t, code)
	recv(t, sharer)

	send(t, viewer, domain.SignalMessage{Type: domain.MsgLeave, Code: code})

	note := recv(t, sharer)
	assert.Equal(t, domain.MsgLeave, note.Type)
	assert.Equal(t, peerID, note.PeerID)
}

// teardownRacingRegistry runs a full session teardown between the joinable
// check and room registration, the narrowest window a close can win.
type teardownRacingRegistry struct {
	ports.SessionRegistry
	relay *signal.RelayServer
	once  sync.Once
}

func (r *teardownRacingRegistry) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	session, err := r.SessionRegistry.Get(ctx, code)
	if err == nil {
		r.once.Do(func() { r.relay.CloseSession(ctx, code) })
	}
	return session, err
}

func TestJoin_RacingTeardownRejected(t *testing.T) {
	inner := services.NewSessionService(memory.NewMemorySessionRepository(), nil, zap.NewNop().Sugar())
	racing := &teardownRacingRegistry{SessionRegistry: inner}
	relay := signal.NewRelayServer(racing, nil, zap.NewNop().Sugar())
	racing.relay = relay
	relay.SetTimeouts(50*time.Millisecond, 5*time.Second, time.Second, time.Second)

	server := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	session, err := inner.Create(context.Background(), domain.ModePeerToPeer)
	require.NoError(t, err)
	code := session.Code

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	send(t, conn, domain.SignalMessage{Type: domain.MsgJoin, Code: code, Role: domain.RoleViewer})

	// The join lost the race: no success ack, an error frame, then the
	// connection drops.
	reply := recv(t, conn)
	assert.Equal(t, domain.MsgError, reply.Type)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	_, err = inner.Get(context.Background(), code)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Zero(t, relay.ViewerCount(code), "no connection may outlive the destroyed session")
}
