package domain

import "encoding/json"

// Signal message types exchanged over a relay connection.
const (
	MsgJoin         = "join"
	MsgOffer        = "offer"
	MsgAnswer       = "answer"
	MsgICECandidate = "ice-candidate"
	MsgLeave        = "leave"
	MsgError        = "error"
)

// SignalMessage is the envelope relayed between sharer and viewers. Data is
// negotiation payload (session description or connectivity candidate) and is
// forwarded verbatim, never inspected.
type SignalMessage struct {
	Type   string          `json:"type"`
	Code   SessionCode     `json:"code,omitempty"`
	Role   Role            `json:"role,omitempty"`
	PeerID PeerID          `json:"peer_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}
