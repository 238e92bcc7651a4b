package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: "castrelay:session:",
	}
}

func (r *RedisSessionRepository) sessionKey(code domain.SessionCode) string {
	return r.prefix + string(code)
}

func (r *RedisSessionRepository) indexKey() string {
	return r.prefix + "all"
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := r.sessionKey(session.Code)
	ok, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("session already exists: %s", session.Code)
	}

	if err := r.client.SAdd(ctx, r.indexKey(), string(session.Code)).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) GetByCode(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(code)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	if _, err := r.GetByCode(ctx, session.Code); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.client.Set(ctx, r.sessionKey(session.Code), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, code domain.SessionCode) error {
	if err := r.client.SRem(ctx, r.indexKey(), string(code)).Err(); err != nil {
		return fmt.Errorf("failed to unindex session: %w", err)
	}

	n, err := r.client.Del(ctx, r.sessionKey(code)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}

	return nil
}

func (r *RedisSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	codes, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(codes))
	for _, code := range codes {
		session, err := r.GetByCode(ctx, domain.SessionCode(code))
		if err == domain.ErrSessionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}
