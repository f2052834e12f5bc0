package bootstrap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Killea/AgentChatBus/internal/bootstrap"
	"github.com/Killea/AgentChatBus/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.DB = ":memory:"
	cfg.Port = 0
	return cfg
}

func TestNewServer_WiresFacadeAgainstInMemoryStore(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := bootstrap.NewServer(cfg)
	require.NoError(t, err)
	require.NotNil(t, srv.Facade())

	th, err := srv.Facade().ThreadCreate(context.Background(), "t", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, th.ID)
}

func TestServer_ServeShutsDownCleanlyOnCancel(t *testing.T) {
	cfg := newTestConfig(t)
	srv, err := bootstrap.NewServer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not shut down after context cancellation")
	}
}
