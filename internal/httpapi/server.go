// Package httpapi is the local HTTP surface the UI layer talks to: read
// endpoints over the store, the send entry point, retry queue inspection,
// and the webhook that background pushes land on.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mfsantos/paychat/internal/pipeline"
	"github.com/mfsantos/paychat/internal/status"
	"github.com/mfsantos/paychat/internal/store"
	"go.uber.org/zap"
)

// Server wraps the gin engine and its HTTP listener.
type Server struct {
	db          *store.DB
	pipeline    *pipeline.Pipeline
	machine     *status.Machine
	logger      *zap.Logger
	maxAttempts int

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the API server bound to addr.
func NewServer(addr string, db *store.DB, p *pipeline.Pipeline, m *status.Machine, maxAttempts int, logger *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &Server{
		db:          db,
		pipeline:    p,
		machine:     m,
		logger:      logger,
		maxAttempts: maxAttempts,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	s.routes(engine)

	s.httpServer = &http.Server{
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.listener = listener
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http api starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http api stopping")
	_ = s.httpServer.Shutdown(ctx)
}

func (s *Server) routes(r *gin.Engine) {
	v1 := r.Group("/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/conversations", s.listConversations)
		v1.GET("/conversations/:id/messages", s.listMessages)
		v1.POST("/conversations/:id/read", s.markRead)
		v1.PATCH("/conversations/:id", s.updateConversation)
		v1.POST("/messages", s.sendMessage)
		v1.PATCH("/messages/:id", s.editMessage)
		v1.DELETE("/messages/:id", s.deleteMessage)
		v1.GET("/messages/search", s.searchMessages)
		v1.GET("/queue", s.listQueue)
		v1.POST("/queue/:id/retry", s.forceRetry)
		v1.POST("/push", s.receivePush)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
