package services

import (
	"context"
	"fmt"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"

	"go.uber.org/zap"
)

// StreamInfo is the external view of the supervised stream: where to fetch
// the playlist and, when a tunnel bound, how to reach it from outside.
type StreamInfo struct {
	Code         domain.SessionCode    `json:"code"`
	Port         int                   `json:"port"`
	URL          string                `json:"url"`
	TunnelURL    string                `json:"tunnel_url,omitempty"`
	TunnelDomain string                `json:"tunnel_domain,omitempty"`
	Process      *domain.StreamProcess `json:"process,omitempty"`
}

// StreamService orchestrates the supervised-stream lifecycle: session
// minting, the capture process, and the optional tunnel. At most one
// supervised stream exists per service instance.
type StreamService struct {
	registry   ports.SessionRegistry
	supervisor ports.StreamSupervisor
	tunnel     ports.TunnelBinder
	localPort  int
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	current domain.SessionCode
	binding *domain.TunnelBinding
}

func NewStreamService(
	registry ports.SessionRegistry,
	supervisor ports.StreamSupervisor,
	tunnel ports.TunnelBinder,
	localPort int,
	logger *zap.SugaredLogger,
) *StreamService {
	return &StreamService{
		registry:   registry,
		supervisor: supervisor,
		tunnel:     tunnel,
		localPort:  localPort,
		logger:     logger,
	}
}

// Start mints a supervised-stream session, launches the capture process for
// the selected devices and attempts a tunnel bind. Any session or process
// error unwinds what was already set up.
func (s *StreamService) Start(ctx context.Context, devices domain.DeviceSpec) (*StreamInfo, error) {
	s.mu.Lock()
	session, err := s.registry.Create(ctx, domain.ModeSupervisedStream)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.current = session.Code
	s.binding = nil
	s.mu.Unlock()

	proc, err := s.supervisor.Start(ctx, session.Code, devices)
	if err != nil {
		s.mu.Lock()
		if s.current == session.Code {
			s.current = ""
		}
		s.mu.Unlock()
		if derr := s.registry.Destroy(ctx, session.Code); derr != nil {
			s.logger.Warnw("failed to destroy session after start failure",
				"code", session.Code, "error", derr)
		}
		return nil, err
	}

	// Best-effort, and outside the lock: a bind can take its full timeout
	// and status queries must not stall behind it. A nil binding means
	// viewers use the local address.
	binding, err := s.tunnel.Bind(ctx, s.localPort)
	if err != nil {
		s.logger.Warnw("tunnel bind errored, continuing local-only", "error", err)
		binding = nil
	}

	s.mu.Lock()
	if s.current != session.Code {
		s.mu.Unlock()
		// A stop raced the startup; release whatever outlived it.
		if binding != nil {
			s.tunnel.Unbind(ctx)
		}
		s.supervisor.Stop(ctx, session.Code)
		s.registry.Destroy(ctx, session.Code)
		return nil, domain.ErrSessionNotFound
	}
	s.binding = binding
	info := s.infoLocked(session.Code)
	info.Process = proc
	s.mu.Unlock()

	s.logger.Infow("supervised stream started",
		"code", session.Code, "video", devices.Video, "audio", devices.Audio)
	return info, nil
}

// Stop tears the stream down in order: capture process, tunnel, session.
// Idempotent; stopping with no live stream is a no-op.
func (s *StreamService) Stop(ctx context.Context) error {
	s.mu.Lock()
	code := s.current
	s.current = ""
	s.binding = nil
	s.mu.Unlock()

	if code == "" {
		return nil
	}

	// The session is closed first so racing playlist fetches see it gone.
	if err := s.registry.Close(ctx, code); err != nil && err != domain.ErrSessionNotFound {
		s.logger.Warnw("failed to close stream session", "code", code, "error", err)
	}

	if err := s.supervisor.Stop(ctx, code); err != nil {
		s.logger.Warnw("capture process stop failed", "code", code, "error", err)
	}

	if err := s.tunnel.Unbind(ctx); err != nil {
		s.logger.Warnw("tunnel unbind failed", "error", err)
	}

	if err := s.registry.Destroy(ctx, code); err != nil {
		s.logger.Warnw("failed to destroy stream session", "code", code, "error", err)
	}

	s.logger.Infow("supervised stream stopped", "code", code)
	return nil
}

// Status reports the live stream, nil when none is running.
func (s *StreamService) Status(ctx context.Context) *StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == "" {
		return nil
	}

	info := s.infoLocked(s.current)
	if proc, ok := s.supervisor.Status(s.current); ok {
		info.Process = proc
	}
	return info
}

// Current returns the live supervised session code, empty when idle.
func (s *StreamService) Current() domain.SessionCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *StreamService) infoLocked(code domain.SessionCode) *StreamInfo {
	info := &StreamInfo{
		Code: code,
		Port: s.localPort,
		URL:  fmt.Sprintf("http://localhost:%d/stream.m3u8?code=%s", s.localPort, code),
	}
	if s.binding != nil && s.binding.Status == domain.TunnelBound {
		info.TunnelURL = fmt.Sprintf("%s/stream.m3u8?code=%s", s.binding.PublicURL, code)
		info.TunnelDomain = s.binding.Domain
	}
	return info
}
