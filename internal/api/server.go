// Package api provides the gateway's HTTP surface: a gin engine exposing the
// Claude-compatible messages endpoint, wired to the account pool and the
// Amazon Q executor, with API-key authentication and graceful shutdown.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/accountpool"
	"github.com/claudeq/gateway/internal/api/handlers"
	claudehandlers "github.com/claudeq/gateway/internal/api/handlers/claude"
	"github.com/claudeq/gateway/internal/config"
	"github.com/claudeq/gateway/internal/runtime/executor"
	"github.com/claudeq/gateway/internal/tokenizer"
)

// Server is the gateway's HTTP server.
type Server struct {
	engine   *gin.Engine
	server   *http.Server
	base     *handlers.BaseAPIHandler
	messages *claudehandlers.MessagesHandler

	mu  sync.RWMutex
	cfg *config.Config
}

// NewServer wires the gin engine, middleware, and routes over the shared
// handler dependencies.
func NewServer(cfg *config.Config, pool *accountpool.Manager, exec *executor.AmazonQExecutor, tok *tokenizer.Tokenizer) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	base := handlers.NewBaseAPIHandler(cfg, pool, exec, tok)
	s := &Server{
		engine:   gin.New(),
		base:     base,
		messages: claudehandlers.NewMessagesHandler(base),
		cfg:      cfg,
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(s.corsMiddleware())

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": pool.Len()})
	})

	v1 := s.engine.Group("/v1", s.authMiddleware())
	v1.POST("/messages", s.messages.Messages)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.engine,
	}
	return s
}

// Start runs the HTTP server until Stop is called. It returns nil on a
// graceful shutdown.
func (s *Server) Start() error {
	log.Infof("api server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// UpdateConfig swaps the active configuration after a hot reload. The listen
// port cannot change without a restart; everything else takes effect on the
// next request.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.base.UpdateConfig(cfg)
	log.Infof("api server: configuration reloaded")
}

func (s *Server) currentConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// authMiddleware enforces the configured API keys. With no keys configured
// the gateway is open, which only makes sense on a loopback deployment.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := s.currentConfig().APIKeys
		if len(keys) == 0 {
			c.Next()
			return
		}
		provided := requestAPIKey(c)
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		handlers.WriteError(c, http.StatusUnauthorized, "authentication_error", "invalid API key")
		c.Abort()
	}
}

// requestAPIKey pulls the client credential from x-api-key or a bearer
// Authorization header, the two forms Claude-compatible clients send.
func requestAPIKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, anthropic-version")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
