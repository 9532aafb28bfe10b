// Package server 封装 HTTP 服务的启动与关闭。
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
)

// Server 带优雅关闭的 HTTP 服务。
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// New 创建 HTTP 服务。
func New(cfg config.ServerConfig, engine *gin.Engine, logger *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.Named("server"),
	}
}

// Start 阻塞运行直到服务关闭。
func (s *Server) Start() error {
	s.logger.Info("server.listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭，等待在途请求完成。
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server.shutting_down")
	return s.httpServer.Shutdown(ctx)
}
