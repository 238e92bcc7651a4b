package domain

import (
	"time"
)

type SessionCode string
type PeerID string

type SessionMode string

const (
	ModePeerToPeer       SessionMode = "peer-to-peer"
	ModeSupervisedStream SessionMode = "supervised-stream"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionClosed  SessionStatus = "closed"
)

// Session is an access-code-scoped sharing context. The code doubles as the
// capability token for joining (peer-to-peer) or fetching segments
// (supervised-stream).
type Session struct {
	Code      SessionCode   `json:"code"`
	Mode      SessionMode   `json:"mode"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Joinable reports whether new signaling connections may still attach.
func (s *Session) Joinable() bool {
	return s.Mode == ModePeerToPeer && s.Status != SessionClosed
}

type Role string

const (
	RoleSharer Role = "sharer"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleSharer || r == RoleViewer
}
