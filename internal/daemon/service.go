// Package daemon wires the registry, host and network surfaces into one
// long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/callbridge/internal/builtin"
	"github.com/danmuck/callbridge/internal/dispatch"
	"github.com/danmuck/callbridge/internal/protocol/frame"
	"github.com/danmuck/callbridge/internal/registry"
	"github.com/danmuck/callbridge/internal/server"
	"github.com/danmuck/callbridge/internal/transport/tcp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("daemon: invalid heartbeat interval")
	ErrInvalidQueueDepth        = errors.New("daemon: invalid queue depth")
	ErrInvalidPayloadLimit      = errors.New("daemon: invalid max payload bytes")
	ErrNoListeners              = errors.New("daemon: no listen address configured")
)

// ServiceConfig configures the daemon.
type ServiceConfig struct {
	NodeID            string
	HTTPAddr          string
	TCPAddr           string
	CORSOrigins       []string
	QueueDepth        int
	MaxPayloadBytes   int64
	HeartbeatInterval time.Duration
	BuiltinModules    []string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:            "callbridge.local",
		HTTPAddr:          "127.0.0.1:7480",
		TCPAddr:           "127.0.0.1:7400",
		CORSOrigins:       []string{"http://localhost:3000"},
		QueueDepth:        dispatch.DefaultQueueDepth,
		MaxPayloadBytes:   1024 * 1024,
		HeartbeatInterval: 5 * time.Second,
		BuiltinModules:    builtin.Names(),
	}
}

func (c ServiceConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidHeartbeatInterval, c.HeartbeatInterval)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueDepth, c.QueueDepth)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPayloadLimit, c.MaxPayloadBytes)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" && strings.TrimSpace(c.TCPAddr) == "" {
		return ErrNoListeners
	}
	return nil
}

// Service owns one host and its listeners.
type Service struct {
	cfg  ServiceConfig
	host *dispatch.Host
	http *server.Server
	tcp  *tcp.Server
}

// NewService builds the registry from the configured builtin modules and
// freezes it.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := registry.New()
	if err := builtin.Register(reg, cfg.BuiltinModules...); err != nil {
		return nil, err
	}
	host := dispatch.NewHost(reg, dispatch.HostOptions{QueueDepth: cfg.QueueDepth})

	s := &Service{cfg: cfg, host: host}
	if strings.TrimSpace(cfg.HTTPAddr) != "" {
		s.http = server.New(cfg.NodeID, cfg.HTTPAddr, host, server.Options{
			CORSOrigins:     cfg.CORSOrigins,
			MaxMessageBytes: cfg.MaxPayloadBytes,
		})
	}
	if strings.TrimSpace(cfg.TCPAddr) != "" {
		tcpCfg := tcp.DefaultConfig()
		tcpCfg.Addr = cfg.TCPAddr
		tcpCfg.Limits = frame.DefaultLimits().WithMaxPayload(uint64(cfg.MaxPayloadBytes))
		s.tcp = tcp.NewServer(host, tcpCfg)
	}
	return s, nil
}

func (s *Service) Host() *dispatch.Host {
	return s.host
}

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs every listener and the heartbeat until ctx is done or one of
// them fails. All sessions are closed before it returns.
func (s *Service) Serve(ctx context.Context) error {
	log.Info().
		Str("node", s.cfg.NodeID).
		Str("http", s.cfg.HTTPAddr).
		Str("tcp", s.cfg.TCPAddr).
		Int("methods", s.host.Registry().Len()).
		Msg("daemon.Service starting")

	g, gctx := errgroup.WithContext(ctx)
	if s.http != nil {
		g.Go(func() error { return s.http.Serve(gctx) })
	}
	if s.tcp != nil {
		g.Go(func() error { return s.tcp.Serve(gctx) })
	}
	g.Go(func() error {
		s.heartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.host.Close()
		return nil
	})

	err := g.Wait()
	log.Info().Str("node", s.cfg.NodeID).Err(err).Msg("daemon.Service stopped")
	return err
}

func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := s.host.Sessions()
			refs := 0
			for _, info := range sessions {
				refs += info.References
			}
			var clients int64
			if s.tcp != nil {
				clients = s.tcp.Clients()
			}
			log.Info().
				Str("node", s.cfg.NodeID).
				Int("sessions", len(sessions)).
				Int("references", refs).
				Int64("tcp_clients", clients).
				Msg("daemon.Service heartbeat")
		}
	}
}
