package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/callbridge/internal/builtin"
	"github.com/danmuck/callbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		mutate func(*ServiceConfig)
		want   error
	}{
		{"heartbeat", func(c *ServiceConfig) { c.HeartbeatInterval = 0 }, ErrInvalidHeartbeatInterval},
		{"queue", func(c *ServiceConfig) { c.QueueDepth = -1 }, ErrInvalidQueueDepth},
		{"payload", func(c *ServiceConfig) { c.MaxPayloadBytes = 0 }, ErrInvalidPayloadLimit},
		{"listeners", func(c *ServiceConfig) { c.HTTPAddr, c.TCPAddr = "", " " }, ErrNoListeners},
	}
	for _, tc := range cases {
		cfg := DefaultServiceConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	require.NoError(t, DefaultServiceConfig().Validate())
}

func TestNewServiceRejectsUnknownModule(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.BuiltinModules = []string{"demo", "missing"}
	_, err := NewService(cfg)
	require.ErrorIs(t, err, builtin.ErrUnknownModule)
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.BuiltinModules = []string{"demo"}

	svc, err := NewService(cfg)
	require.NoError(t, err)
	require.True(t, svc.Host().Registry().Frozen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}
