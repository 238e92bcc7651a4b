package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/codes"

	"go.uber.org/zap"
)

// maxCodeAttempts bounds regeneration on code collision. With a 31-character
// alphabet and 6 positions a collision against a handful of live sessions is
// effectively impossible; exhaustion indicates a broken repository.
const maxCodeAttempts = 5

// SessionService is the session registry: it mints codes, enforces the
// single-active-session rule and owns status transitions. Live connection
// and process state belong to the relay and the supervisor respectively.
type SessionService struct {
	repo    ports.SessionRepository
	metrics *monitoring.PrometheusCollector
	logger  *zap.SugaredLogger

	// Serializes create/destroy so two concurrent creates can never both
	// pass the conflict check.
	mu sync.Mutex
}

func NewSessionService(repo ports.SessionRepository, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *SessionService {
	return &SessionService{
		repo:    repo,
		metrics: metrics,
		logger:  logger,
	}
}

// Create mints a session for the given mode. Peer-to-peer and
// supervised-stream shares are mutually exclusive per process instance:
// any live session of either mode makes a new create fail with
// ErrSessionConflict rather than silently replacing it.
func (s *SessionService) Create(ctx context.Context, mode domain.SessionMode) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, existing := range live {
		if existing.Status != domain.SessionClosed {
			return nil, fmt.Errorf("%w: %s session %s is active",
				domain.ErrSessionConflict, existing.Mode, existing.Code)
		}
	}

	session := &domain.Session{
		Mode:      mode,
		Status:    domain.SessionPending,
		CreatedAt: time.Now(),
	}

	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			return nil, fmt.Errorf("exhausted %d code generation attempts", maxCodeAttempts)
		}
		session.Code = domain.SessionCode(codes.Generate())
		if _, err := s.repo.GetByCode(ctx, session.Code); err == domain.ErrSessionNotFound {
			break
		}
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SessionOpened(string(mode))
	}
	s.logger.Infow("session created", "code", session.Code, "mode", session.Mode)
	return session, nil
}

// Get resolves a code to its session record.
func (s *SessionService) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	return s.repo.GetByCode(ctx, domain.SessionCode(codes.Normalize(string(code))))
}

// Activate transitions pending -> active. Activating a closed session fails
// with ErrSessionNotFound so a join racing a teardown cannot resurrect it.
func (s *SessionService) Activate(ctx context.Context, code domain.SessionCode) error {
	return s.transition(ctx, code, domain.SessionActive)
}

// Close marks the session closed. Callers must close before releasing the
// session's resources so concurrent joins observe the terminal state first.
func (s *SessionService) Close(ctx context.Context, code domain.SessionCode) error {
	return s.transition(ctx, code, domain.SessionClosed)
}

func (s *SessionService) transition(ctx context.Context, code domain.SessionCode, to domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if session.Status == domain.SessionClosed {
		if to == domain.SessionClosed {
			return nil
		}
		return domain.ErrSessionNotFound
	}

	session.Status = to
	return s.repo.Update(ctx, session)
}

// Destroy removes the session record. Idempotent: teardown races from an
// explicit stop, a connection drop and a process exit must all succeed.
func (s *SessionService) Destroy(ctx context.Context, code domain.SessionCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The record is read first so the gauge decrements under the right mode.
	session, err := s.repo.GetByCode(ctx, code)
	if err == domain.ErrSessionNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if err := s.repo.Delete(ctx, code); err != nil && err != domain.ErrSessionNotFound {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SessionClosed(string(session.Mode))
	}
	s.logger.Infow("session destroyed", "code", code, "mode", session.Mode)
	return nil
}

// List returns all known session records for status and debug surfaces.
func (s *SessionService) List(ctx context.Context) ([]*domain.Session, error) {
	return s.repo.List(ctx)
}
