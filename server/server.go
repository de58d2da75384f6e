// Package server exposes the inbound HTTP surface: the three protocol
// endpoints, the health probe, and the per-request pipeline of parse,
// conversion, dispatch and reply.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yaoapp/kun/log"

	"github.com/yaoapp/relay/codec"
	"github.com/yaoapp/relay/config"
	"github.com/yaoapp/relay/oauth"
	"github.com/yaoapp/relay/transport"
)

// binding reaper cadence, orphaned request bindings survive at most maxAge
const (
	reapInterval = time.Minute
	reapMaxAge   = 10 * time.Minute
)

// Server the inbound HTTP service
type Server struct {
	cfg       config.Config
	orch      *codec.Orchestrator
	transport *transport.Transport
	providers *transport.ProviderTable

	engine     *gin.Engine
	httpServer *http.Server
	stopReaper chan struct{}
}

// New wires the pipeline: profile table, provider table, OAuth manager and
// transport. Fatal configuration problems surface here so startup can abort.
func New(cfg config.Config) (*Server, error) {
	orch := codec.NewOrchestrator()
	if err := orch.Initialize(cfg.ProfilesPath); err != nil {
		return nil, fmt.Errorf("failed to load conversion profiles: %w", err)
	}

	providers, err := transport.LoadProviders(cfg.ProvidersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}

	auth := oauth.New(cfg.OAuthBrowser)
	tr := transport.New(auth, transport.Options{
		TimeoutMS:              cfg.ProviderTimeoutMS,
		Retries:                cfg.ProviderRetries,
		StreamIdleTimeoutMS:    cfg.StreamIdleTimeoutMS,
		StreamHeadersTimeoutMS: cfg.StreamHeadersTimeoutMS,
		UAMode:                 cfg.UAMode,
		StrictDefaults:         cfg.StrictProviderDefaults,
		SnapshotPath:           cfg.SnapshotPath,
	})

	s := &Server{
		cfg:        cfg,
		orch:       orch,
		transport:  tr,
		providers:  providers,
		stopReaper: make(chan struct{}),
	}
	s.engine = s.router()
	return s, nil
}

// router builds the gin engine with the protocol routes
func (s *Server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.POST("/v1/chat/completions", s.handle)
	router.POST("/v1/responses", s.handle)
	router.POST("/v1/messages", s.handle)
	return router
}

// Engine exposes the router, used by tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listens and serves until Stop is called
func (s *Server) Start() error {
	s.orch.StartReaper(reapInterval, reapMaxAge, s.stopReaper)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}

	log.Info("[Server] listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopReaper)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// health reports liveness
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
