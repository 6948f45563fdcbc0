package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"guardian/internal/engine"
	"guardian/internal/handler"
	"guardian/internal/middleware"
)

type Server struct {
	router          *gin.Engine
	engine          *engine.Engine
	jwtSecret       []byte
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewServer builds the HTTP surface. An empty jwtSecret leaves the routes
// unauthenticated and trusts the identities given in query parameters.
func NewServer(eng *engine.Engine, jwtSecret string, shutdownTimeout time.Duration, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logger))

	s := &Server{
		router:          router,
		engine:          eng,
		jwtSecret:       []byte(jwtSecret),
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	eventHandler := handler.NewEventHandler(s.engine, s.logger)
	snapshotHandler := handler.NewSnapshotHandler(s.engine, s.logger)

	// Ping route for health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	api := s.router.Group("/")
	api.Use(middleware.AuthMiddleware(s.jwtSecret, s.logger))
	{
		api.POST("/events", eventHandler.IngestEvent)
		api.GET("/snapshot/:subjectId", snapshotHandler.GetSnapshot)
		api.POST("/unlock/:subjectId", snapshotHandler.Unlock)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
