package tunnel_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/infrastructure/tunnel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func inspectionAPI(t *testing.T, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tunnels" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestBind_Disabled(t *testing.T) {
	b := tunnel.NewBinder(tunnel.Options{Enabled: false}, nil, zap.NewNop().Sugar())

	binding, err := b.Bind(context.Background(), 8553)
	assert.NoError(t, err)
	assert.Nil(t, binding)
}

func TestBind_BinaryMissingIsNotAnError(t *testing.T) {
	b := tunnel.NewBinder(tunnel.Options{
		Enabled: true,
		Binary:  "definitely-not-a-real-binary-zz",
	}, nil, zap.NewNop().Sugar())

	binding, err := b.Bind(context.Background(), 8553)
	assert.NoError(t, err)
	assert.Nil(t, binding)
}

func TestBind_ReadsPublicURLFromInspectionAPI(t *testing.T) {
	api := inspectionAPI(t, `{
		"tunnels": [
			{"public_url": "http://abc123.ngrok.io", "proto": "http"},
			{"public_url": "https://abc123.ngrok.io", "proto": "https"}
		]
	}`)

	b := tunnel.NewBinder(tunnel.Options{
		Enabled:     true,
		Binary:      "true", // client exit is irrelevant, only the API matters
		APIAddress:  api.URL,
		BindTimeout: 2 * time.Second,
	}, nil, zap.NewNop().Sugar())

	binding, err := b.Bind(context.Background(), 8553)
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, "https://abc123.ngrok.io", binding.PublicURL, "https endpoint preferred")
	assert.Equal(t, "abc123.ngrok.io", binding.Domain)
	assert.Equal(t, 8553, binding.LocalPort)
	assert.Equal(t, domain.TunnelBound, binding.Status)

	assert.NoError(t, b.Unbind(context.Background()))
	assert.Nil(t, b.Current())
}

func TestBind_NoTunnelsEverAnnounced(t *testing.T) {
	api := inspectionAPI(t, `{"tunnels": []}`)

	b := tunnel.NewBinder(tunnel.Options{
		Enabled:     true,
		Binary:      "true",
		APIAddress:  api.URL,
		BindTimeout: 400 * time.Millisecond,
	}, nil, zap.NewNop().Sugar())

	binding, err := b.Bind(context.Background(), 8553)
	assert.NoError(t, err)
	assert.Nil(t, binding)
}

func TestUnbind_Idempotent(t *testing.T) {
	b := tunnel.NewBinder(tunnel.Options{Enabled: true}, nil, zap.NewNop().Sugar())

	assert.NoError(t, b.Unbind(context.Background()))
	assert.NoError(t, b.Unbind(context.Background()))
}
