// Package control serves the local HTTP API: run lifecycle, session state,
// history, and a websocket feed of live snapshots.
package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ComputerScienceAddict/getmyspeed/internal/config"
	"github.com/ComputerScienceAddict/getmyspeed/internal/engine"
	"github.com/ComputerScienceAddict/getmyspeed/internal/history"
	"github.com/ComputerScienceAddict/getmyspeed/internal/util"
)

// Server is the control-plane HTTP server.
type Server struct {
	cfg    config.ControlConfig
	engine *engine.Engine
	store  *history.Store
	hub    *Hub
	logger util.Logger
	server *http.Server
}

func NewServer(cfg config.ControlConfig, eng *engine.Engine, store *history.Store, logger util.Logger) *Server {
	return &Server{
		cfg:    cfg,
		engine: eng,
		store:  store,
		logger: logger,
	}
}

// Start binds the listener and begins pushing session changes to websocket
// subscribers. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.hub = NewHub(ctx.Done())
	s.engine.Session().OnChange(s.hub.Broadcast)

	addr := util.NetJoin(s.cfg.Addr, s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server error", "error", err)
		}
	}()
	s.logger.Info("control server started", "addr", addr)
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api", s.authMiddleware())
	api.POST("/test/start", s.handleStart)
	api.POST("/test/abort", s.handleAbort)
	api.POST("/test/reset", s.handleReset)
	api.GET("/session", s.handleSession)
	api.GET("/history", s.handleHistory)
	api.DELETE("/history", s.handleClearHistory)
	api.GET("/ws", s.handleWS)
	return router
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.engine.Start(); err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) handleAbort(c *gin.Context) {
	s.engine.Abort()
	c.JSON(http.StatusAccepted, gin.H{"status": "aborting"})
}

func (s *Server) handleReset(c *gin.Context) {
	if !s.engine.Reset() {
		c.JSON(http.StatusConflict, gin.H{"error": "test in progress"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "idle"})
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Session().Snapshot())
}

func (s *Server) handleHistory(c *gin.Context) {
	results := s.store.Snapshot()
	if results == nil {
		results = []history.TestResult{}
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleClearHistory(c *gin.Context) {
	if err := s.store.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWS(c *gin.Context) {
	if s.hub == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return originAllowed(r) },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.hub.serve(conn, s.engine.Session().Snapshot())
}

// authMiddleware enforces the bearer token when one is configured. Websocket
// clients may pass it as a query parameter since browsers cannot set headers
// on upgrade requests.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		token, ok := bearerToken(c.Request)
		if !ok {
			token = c.Query("token")
		}
		if !secureTokenEqual(token, s.cfg.Token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
