// Package server exposes the HTTP surface of the daemon: health, inspection,
// metrics and the websocket endpoint.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/callbridge/internal/dispatch"
	"github.com/danmuck/callbridge/internal/observability"
	"github.com/danmuck/callbridge/internal/registry"
	"github.com/danmuck/callbridge/internal/transport/ws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins     []string
	MaxMessageBytes int64
}

// Server is the gin front end for one daemon.
type Server struct {
	ID      string
	Addr    string
	Started time.Time

	host   *dispatch.Host
	router *gin.Engine
	ready  atomic.Bool
}

func New(id, addr string, host *dispatch.Host, opts Options) *Server {
	observability.RegisterMetrics()
	origins := normalizeOrigins(opts.CORSOrigins)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(cors.New(corsCfg))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:      id,
		Addr:    addr,
		Started: time.Now(),
		host:    host,
		router:  r,
	}
	s.registerRoutes(ws.NewHandler(host, ws.Options{
		AllowedOrigins:  origins,
		MaxMessageBytes: opts.MaxMessageBytes,
	}))
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// MethodInfo is the inspection view of one registry descriptor.
type MethodInfo struct {
	Module   string   `json:"module"`
	Method   string   `json:"method"`
	Params   []string `json:"params"`
	Instance bool     `json:"instance"`
	Receiver string   `json:"receiver,omitempty"`
}

func describe(desc registry.Descriptor) MethodInfo {
	params := make([]string, 0, len(desc.Params))
	for _, p := range desc.Params {
		params = append(params, p.String())
	}
	return MethodInfo{
		Module:   desc.ModuleID,
		Method:   desc.MethodID,
		Params:   params,
		Instance: desc.RequiresInstance,
		Receiver: string(desc.Receiver),
	}
}

type referenceInfo struct {
	ID         int64     `json:"id"`
	Capability string    `json:"capability"`
	Created    time.Time `json:"created"`
}

func (s *Server) registerRoutes(socket http.Handler) {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"node":    s.ID,
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    s.ready.Load(),
			"node":     s.ID,
			"sessions": s.host.Len(),
			"methods":  s.host.Registry().Len(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/methods", func(c *gin.Context) {
		list := s.host.Registry().List()
		out := make([]MethodInfo, 0, len(list))
		for _, desc := range list {
			out = append(out, describe(desc))
		}
		c.JSON(http.StatusOK, gin.H{"methods": out})
	})

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.host.Sessions()})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		session, ok := s.host.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, session.Info())
	})

	r.GET("/sessions/:id/references", func(c *gin.Context) {
		session, ok := s.host.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		entries, err := session.References()
		if err != nil {
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
			return
		}
		out := make([]referenceInfo, 0, len(entries))
		for _, e := range entries {
			out = append(out, referenceInfo{ID: e.ID, Capability: string(e.Capability), Created: e.Created})
		}
		c.JSON(http.StatusOK, gin.H{"references": out})
	})

	r.DELETE("/sessions/:id", func(c *gin.Context) {
		session, ok := s.host.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		session.Close()
		c.JSON(http.StatusOK, gin.H{"status": "closed", "id": session.ID()})
	})

	r.GET("/ws", gin.WrapH(socket))
}

// Serve listens on s.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(s.Addr))
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.ready.Store(true)
	log.Info().Str("node", s.ID).Str("addr", ln.Addr().String()).Msg("server.Server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// MarkReady toggles the readiness probe without serving, for embedding the
// router in another server.
func (s *Server) MarkReady(ready bool) {
	s.ready.Store(ready)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if v := strings.TrimSpace(o); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
