package ports

import (
	"context"

	"castrelay/internal/core/domain"
)

// SessionRegistry owns session lifecycle: minting codes, the
// one-active-session-per-mode rule, and teardown ordering.
type SessionRegistry interface {
	Create(ctx context.Context, mode domain.SessionMode) (*domain.Session, error)
	Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error)
	Activate(ctx context.Context, code domain.SessionCode) error
	Close(ctx context.Context, code domain.SessionCode) error
	Destroy(ctx context.Context, code domain.SessionCode) error
	List(ctx context.Context) ([]*domain.Session, error)
}

// DeviceInventory enumerates capture devices via the external tool.
type DeviceInventory interface {
	Available() bool
	ListDevices(ctx context.Context) (video, audio []domain.DeviceDescriptor, err error)
}

// StreamSupervisor launches and observes the external capture/encode process.
type StreamSupervisor interface {
	Start(ctx context.Context, code domain.SessionCode, devices domain.DeviceSpec) (*domain.StreamProcess, error)
	Stop(ctx context.Context, code domain.SessionCode) error
	Status(code domain.SessionCode) (*domain.StreamProcess, bool)
	// ServeDir reports the segment directory for a code, false when the
	// process is not in a servable state.
	ServeDir(code domain.SessionCode) (string, bool)
}

// TunnelBinder requests a public forwarding address for a local port.
// Best-effort: a nil binding with nil error means "no tunnel, carry on".
type TunnelBinder interface {
	Bind(ctx context.Context, localPort int) (*domain.TunnelBinding, error)
	Unbind(ctx context.Context) error
}
