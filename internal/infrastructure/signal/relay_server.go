package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/codes"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local service; the capability code is the access check
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const sendBuffer = 64

// RelayServer accepts signaling connections, binds each to a (code, role)
// pair and routes negotiation messages between the sharer and its viewers.
// Payloads are forwarded verbatim and never inspected.
type RelayServer struct {
	registry ports.SessionRegistry
	metrics  *monitoring.PrometheusCollector

	rooms map[domain.SessionCode]*room
	mu    sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	joinTimeout  time.Duration

	logger *zap.SugaredLogger
}

// room holds the live connections of one peer-to-peer session.
type room struct {
	code    domain.SessionCode
	sharer  *client
	viewers map[domain.PeerID]*client
	closed  bool
	mu      sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	code   domain.SessionCode
	role   domain.Role
	peerID domain.PeerID // viewers only

	send     chan []byte
	sendMu   sync.Mutex
	sendDone bool
}

// trySend queues a message without blocking the router. A slow consumer's
// buffer overflowing drops the message rather than stalling the session.
func (c *client) trySend(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendDone {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// closeSend stops the write pump. Safe to call more than once.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

func NewRelayServer(registry ports.SessionRegistry, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *RelayServer {
	return &RelayServer{
		registry:     registry,
		metrics:      metrics,
		rooms:        make(map[domain.SessionCode]*room),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		joinTimeout:  10 * time.Second,
		logger:       logger,
	}
}

// SetTimeouts overrides keepalive and join-handshake intervals.
func (s *RelayServer) SetTimeouts(ping, pong, write, join time.Duration) {
	s.pingInterval = ping
	s.pongTimeout = pong
	s.writeTimeout = write
	s.joinTimeout = join
}

// HandleWebSocket upgrades the connection and runs the join handshake: the
// first frame must be a join declaring code and role within the join timeout,
// otherwise the connection is dropped to keep half-open joins from piling up.
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.joinTimeout))

	var join domain.SignalMessage
	if err := conn.ReadJSON(&join); err != nil {
		conn.Close()
		return
	}

	c, err := s.admit(r.Context(), conn, join)
	if err != nil {
		s.rejectAndClose(conn, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ConnectionOpened(string(c.role))
	}

	go s.writePump(c)
	s.readLoop(c)
}

// admit validates the join declaration and registers the connection into the
// session's room under the declared role.
func (s *RelayServer) admit(ctx context.Context, conn *websocket.Conn, join domain.SignalMessage) (*client, error) {
	if join.Type != domain.MsgJoin {
		return nil, fmt.Errorf("expected join, got %q", join.Type)
	}
	if !join.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", join.Role)
	}

	code := domain.SessionCode(codes.Normalize(string(join.Code)))
	session, err := s.registry.Get(ctx, code)
	if err != nil {
		if s.metrics != nil {
			s.metrics.JoinRejected("not_found")
		}
		return nil, domain.ErrSessionNotFound
	}
	if !session.Joinable() {
		if s.metrics != nil {
			s.metrics.JoinRejected("not_joinable")
		}
		return nil, domain.ErrSessionNotFound
	}

	c := &client{
		conn: conn,
		code: code,
		role: join.Role,
		send: make(chan []byte, sendBuffer),
	}
	if join.Role == domain.RoleViewer {
		c.peerID = domain.PeerID(uuid.NewString())
	}

	rm := s.getOrCreateRoom(code)
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		if s.metrics != nil {
			s.metrics.JoinRejected("closing")
		}
		return nil, domain.ErrSessionNotFound
	}
	if c.role == domain.RoleSharer {
		if rm.sharer != nil {
			rm.mu.Unlock()
			if s.metrics != nil {
				s.metrics.JoinRejected("sharer_taken")
			}
			return nil, domain.ErrRoleUnavailable
		}
		rm.sharer = c
	} else {
		rm.viewers[c.peerID] = c
	}
	sharer := rm.sharer
	rm.mu.Unlock()

	// First successful join flips the session from pending to active. Not
	// found here means a teardown completed between the joinable check and
	// room registration; the client must observe the closed session, not a
	// freshly minted room the teardown will never see.
	if err := s.registry.Activate(ctx, code); err != nil {
		if err == domain.ErrSessionNotFound {
			s.evict(c)
			if s.metrics != nil {
				s.metrics.JoinRejected("closing")
			}
			return nil, domain.ErrSessionNotFound
		}
		s.logger.Warnw("failed to activate session", "code", code, "error", err)
	}

	ack := domain.SignalMessage{Type: domain.MsgJoin, Code: code, Role: c.role, PeerID: c.peerID}
	c.trySend(mustMarshal(ack))

	// The sharer learns each viewer's peer ID so it can target offers.
	if c.role == domain.RoleViewer && sharer != nil && sharer != c {
		note := domain.SignalMessage{Type: domain.MsgJoin, Code: code, Role: domain.RoleViewer, PeerID: c.peerID}
		sharer.trySend(mustMarshal(note))
	}

	s.logger.Infow("peer joined session", "code", code, "role", c.role, "peer_id", c.peerID)
	return c, nil
}

func (s *RelayServer) readLoop(c *client) {
	defer s.disconnect(c)

	c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		var msg domain.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading from peer", "code", c.code, "role", c.role, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))

		if msg.Type == domain.MsgLeave {
			return
		}
		if err := s.route(c, msg); err != nil {
			s.logger.Infow("error routing message", "code", c.code, "role", c.role, "type", msg.Type, "error", err)
			c.trySend(mustMarshal(domain.SignalMessage{Type: domain.MsgError, Code: c.code, Error: err.Error()}))
		}
	}
}

func (s *RelayServer) writePump(c *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route applies the strict role-pair rule: offers and candidates from the
// sharer go only to the viewer named by peer_id; everything a viewer sends
// goes only to the sharer, stamped with the viewer's peer ID so the sharer
// can pair candidates with the negotiation they belong to. Viewer-to-viewer
// delivery does not exist.
func (s *RelayServer) route(from *client, msg domain.SignalMessage) error {
	switch msg.Type {
	case domain.MsgOffer, domain.MsgAnswer, domain.MsgICECandidate:
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	rm := s.getRoom(from.code)
	if rm == nil {
		return domain.ErrSessionNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return domain.ErrSessionNotFound
	}

	var target *client
	if from.role == domain.RoleSharer {
		if msg.PeerID == "" {
			return fmt.Errorf("%s from sharer must name a peer_id", msg.Type)
		}
		viewer, ok := rm.viewers[msg.PeerID]
		if !ok {
			return fmt.Errorf("no viewer %s in session", msg.PeerID)
		}
		target = viewer
	} else {
		if rm.sharer == nil {
			return fmt.Errorf("no sharer connected")
		}
		msg.PeerID = from.peerID
		target = rm.sharer
	}

	target.trySend(mustMarshal(msg))
	if s.metrics != nil {
		s.metrics.MessageForwarded(msg.Type)
	}
	return nil
}

// disconnect tears down one connection. A viewer leaving is invisible to
// everyone but the sharer; the sharer leaving closes the whole session and
// every viewer is told before its connection drops.
func (s *RelayServer) disconnect(c *client) {
	if s.metrics != nil {
		s.metrics.ConnectionClosed(string(c.role))
	}

	rm := s.getRoom(c.code)
	if rm == nil {
		c.closeSend()
		return
	}

	if c.role == domain.RoleViewer {
		rm.mu.Lock()
		if rm.viewers[c.peerID] == c {
			delete(rm.viewers, c.peerID)
		}
		sharer := rm.sharer
		rm.mu.Unlock()

		c.closeSend()
		if sharer != nil {
			sharer.trySend(mustMarshal(domain.SignalMessage{Type: domain.MsgLeave, Code: c.code, PeerID: c.peerID}))
		}
		s.logger.Infow("viewer left session", "code", c.code, "peer_id", c.peerID)
		return
	}

	s.logger.Infow("sharer left session", "code", c.code)
	s.CloseSession(context.Background(), c.code)
}

// CloseSession marks the session closed, notifies every viewer with a leave
// message and releases all its connections. Idempotent; also used by the
// HTTP teardown path.
func (s *RelayServer) CloseSession(ctx context.Context, code domain.SessionCode) {
	// Closed before resources are released so racing joins observe it.
	if err := s.registry.Close(ctx, code); err != nil && err != domain.ErrSessionNotFound {
		s.logger.Warnw("failed to close session", "code", code, "error", err)
	}

	s.mu.Lock()
	rm, ok := s.rooms[code]
	if ok {
		delete(s.rooms, code)
	}
	s.mu.Unlock()

	if ok {
		rm.mu.Lock()
		rm.closed = true
		sharer := rm.sharer
		rm.sharer = nil
		viewers := make([]*client, 0, len(rm.viewers))
		for _, v := range rm.viewers {
			viewers = append(viewers, v)
		}
		rm.viewers = make(map[domain.PeerID]*client)
		rm.mu.Unlock()

		bye := mustMarshal(domain.SignalMessage{Type: domain.MsgLeave, Code: code})
		for _, v := range viewers {
			v.trySend(bye)
			v.closeSend()
		}
		if sharer != nil {
			sharer.closeSend()
		}
	}

	if err := s.registry.Destroy(ctx, code); err != nil {
		s.logger.Warnw("failed to destroy session", "code", code, "error", err)
	}
}

// Shutdown closes every live session.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.mu.RLock()
	live := make([]domain.SessionCode, 0, len(s.rooms))
	for code := range s.rooms {
		live = append(live, code)
	}
	s.mu.RUnlock()

	for _, code := range live {
		s.CloseSession(ctx, code)
	}
}

// ViewerCount reports the live viewer count for a session.
func (s *RelayServer) ViewerCount(code domain.SessionCode) int {
	rm := s.getRoom(code)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.viewers)
}

// evict removes a client admitted into a room whose session turned out to be
// gone, and drops the room when that leaves it empty so a reissued code never
// inherits stale connections.
func (s *RelayServer) evict(c *client) {
	rm := s.getRoom(c.code)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	if rm.sharer == c {
		rm.sharer = nil
	}
	if c.peerID != "" && rm.viewers[c.peerID] == c {
		delete(rm.viewers, c.peerID)
	}
	empty := rm.sharer == nil && len(rm.viewers) == 0
	rm.mu.Unlock()

	if empty {
		s.mu.Lock()
		if s.rooms[c.code] == rm {
			delete(s.rooms, c.code)
		}
		s.mu.Unlock()
	}
}

func (s *RelayServer) getOrCreateRoom(code domain.SessionCode) *room {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rm, exists := s.rooms[code]; exists {
		return rm
	}
	rm := &room{
		code:    code,
		viewers: make(map[domain.PeerID]*client),
	}
	s.rooms[code] = rm
	return rm
}

func (s *RelayServer) getRoom(code domain.SessionCode) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[code]
}

func (s *RelayServer) rejectAndClose(conn *websocket.Conn, reason error) {
	msg := domain.SignalMessage{Type: domain.MsgError, Error: reason.Error()}
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	conn.WriteJSON(msg)
	conn.Close()
}

func mustMarshal(msg domain.SignalMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// SignalMessage contains nothing unmarshalable
		panic(err)
	}
	return data
}
