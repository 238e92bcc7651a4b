package memory

import (
	"context"
	"fmt"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionCode]*domain.Session
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionCode]*domain.Session),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.Code]; exists {
		return fmt.Errorf("session already exists: %s", session.Code)
	}

	cp := *session
	r.sessions[session.Code] = &cp
	return nil
}

func (r *MemorySessionRepository) GetByCode(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[code]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	cp := *session
	return &cp, nil
}

func (r *MemorySessionRepository) Update(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.Code]; !exists {
		return domain.ErrSessionNotFound
	}

	cp := *session
	r.sessions[session.Code] = &cp
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, code domain.SessionCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[code]; !exists {
		return domain.ErrSessionNotFound
	}

	delete(r.sessions, code)
	return nil
}

func (r *MemorySessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		cp := *session
		sessions = append(sessions, &cp)
	}

	return sessions, nil
}
