package domain

type TunnelStatus string

const (
	TunnelBound  TunnelStatus = "bound"
	TunnelFailed TunnelStatus = "failed"
	TunnelClosed TunnelStatus = "closed"
)

// TunnelBinding is a best-effort public forwarding address for the local
// stream endpoint. Absence degrades to local-only addressing, never to an
// error.
type TunnelBinding struct {
	LocalPort int          `json:"local_port"`
	PublicURL string       `json:"public_url"`
	Domain    string       `json:"domain"`
	Status    TunnelStatus `json:"status"`
}
