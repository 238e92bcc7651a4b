package ports

import (
	"context"

	"castrelay/internal/core/domain"
)

// SessionRepository persists session records. Live connection and process
// state never passes through here; only the registry record does.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByCode(ctx context.Context, code domain.SessionCode) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, code domain.SessionCode) error
	List(ctx context.Context) ([]*domain.Session, error)
}
