package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neo/debatearena_backend/internal/auth"
	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/matchmaker"
	"github.com/neo/debatearena_backend/internal/orchestrator"
	"github.com/neo/debatearena_backend/internal/preset"
	"github.com/neo/debatearena_backend/internal/router"
	"github.com/neo/debatearena_backend/internal/spectator"
)

// Server is the HTTP surface: the two WebSocket endpoints plus a thin
// REST layer over the persistence gateway.
type Server struct {
	engine  *gin.Engine
	httpSrv *http.Server

	db           database.Store
	auth         *auth.Auth
	agentRouter  *router.Router
	hub          *spectator.Hub
	matchmaker   *matchmaker.Matchmaker
	orchestrator *orchestrator.Orchestrator
	presets      *preset.Registry
	config       Config
}

// NewServer wires the HTTP layer over the running components
func NewServer(
	db database.Store,
	a *auth.Auth,
	agentRouter *router.Router,
	hub *spectator.Hub,
	mm *matchmaker.Matchmaker,
	orch *orchestrator.Orchestrator,
	presets *preset.Registry,
	config Config,
) *Server {
	engine := gin.Default()

	// Add CORS middleware
	engine.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, HEAD")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
	engine.Use(ErrorHandler())

	s := &Server{
		engine:       engine,
		db:           db,
		auth:         a,
		agentRouter:  agentRouter,
		hub:          hub,
		matchmaker:   mm,
		orchestrator: orch,
		presets:      presets,
		config:       config,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// WebSocket endpoints
	s.engine.GET("/ws/agent/:token", s.agentRouter.HandleAgentSocket)
	s.engine.GET("/ws/spectate", s.hub.HandleSpectatorSocket)

	// Public REST
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/debates", s.handleListDebates)
	api.GET("/debates/:id", s.handleGetDebate)
	api.GET("/topics", s.handleListTopics)
	api.GET("/agents", s.handleListAgents)
	api.GET("/presets", s.handleListPresets)
	api.GET("/queue/stats", s.handleQueueStats)
	api.POST("/register", s.handleRegister)
	api.POST("/login", s.handleLogin)

	// Authenticated REST
	authed := api.Group("")
	authed.Use(s.auth.Middleware())
	authed.POST("/agents", s.handleCreateAgent)
	authed.POST("/debates/:id/forfeit", s.handleForfeit)
	authed.POST("/debates/:id/bets", s.handleCreateBet)
}

// Run serves until ctx is cancelled, then drains with a grace period
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    ":" + s.config.Port,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{"port": s.config.Port})
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
