// Package server exposes rooms over HTTP: administration, chat and control
// endpoints, and live event streams (SSE and WebSocket).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/models"
	"go.uber.org/zap"
)

// UserHeader carries the caller's identity. WebSocket clients, which cannot
// set headers from a browser, pass ?user= instead.
const UserHeader = "X-Parley-User"

// Admin is the store surface behind the administration endpoints.
type Admin interface {
	CreateRoom(ctx context.Context, room *models.Room, responderIDs []string) error
	ListRooms(ctx context.Context) ([]models.Room, error)
	LoadRoom(ctx context.Context, id string) (*models.Room, error)
	AttachResponder(ctx context.Context, roomID, responderID string) error
	CreateResponder(ctx context.Context, r *models.Responder) error
	ListResponders(ctx context.Context) ([]models.Responder, error)
	SetCredential(ctx context.Context, c models.Credential) error
}

// ModelPolicy reports which provider models responders may use.
type ModelPolicy interface {
	AllowsModel(p models.Provider, model string) bool
}

// Server is the Parley HTTP API.
type Server struct {
	router *gin.Engine
	log    *zap.Logger
}

// Opts configures a Server.
type Opts struct {
	Admin      Admin
	Controller broadcast.Controller
	Hub        *broadcast.Hub
	Gateway    *broadcast.Gateway
	Models     ModelPolicy // nil = any model
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Heartbeat  time.Duration // SSE keep-alive; zero = default
}

// New builds the router.
func New(opts Opts) (*Server, error) {
	if opts.Admin == nil {
		return nil, fmt.Errorf("server: admin store is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("server: controller is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("server: hub is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	h := &handlers{
		admin:  opts.Admin,
		ctrl:   opts.Controller,
		models: opts.Models,
		log:    log,
	}
	registerRoutes(router, h, opts)
	return &Server{router: router, log: log}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	if port <= 0 {
		port = 3000
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger logs one line per request at debug, or warn for 5xx.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
