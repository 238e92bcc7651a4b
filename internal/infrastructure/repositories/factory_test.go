package repositories

import (
	"context"
	"testing"

	"castrelay/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFactory_MemoryWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	factory, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer factory.Close()

	assert.NotNil(t, factory.CreateSessionRepository())
	assert.NoError(t, factory.HealthCheck(context.Background()))
}

func TestFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1" // nothing listens here

	factory, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer factory.Close()

	// Fallback to memory keeps the service usable without Redis.
	assert.NotNil(t, factory.CreateSessionRepository())
	assert.NoError(t, factory.HealthCheck(context.Background()))
}
