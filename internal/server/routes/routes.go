// Package routes 注册 HTTP 路由。
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/handler"
	"github.com/Wei-Shaw/gembiz2api/internal/server/middleware"
)

// NewEngine 构建 gin 引擎并挂好全部路由。
// /health 和图片下载不鉴权，/v1 下的接口走 API Key。
func NewEngine(h *handler.Handlers, apiKeys []string, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		middleware.Recovery(logger),
		middleware.AccessLog(logger),
		middleware.CORS(),
	)

	engine.GET("/health", h.Pool.Health)
	engine.GET("/images/:conversation_id", h.File.ListImages)
	engine.GET("/images/:conversation_id/:filename", h.File.ServeImage)

	v1 := engine.Group("/v1", middleware.APIKeyAuth(apiKeys))
	{
		v1.POST("/chat/completions", h.Chat.Completions)

		v1.GET("/models", h.Model.List)
		v1.GET("/models/:model_id", h.Model.Get)

		v1.POST("/files", h.File.Upload)
		v1.GET("/files", h.File.List)
		v1.GET("/files/:file_id", h.File.Get)
		v1.DELETE("/files/:file_id", h.File.Delete)

		v1.POST("/conversations", h.Conversation.Create)
		v1.GET("/conversations", h.Conversation.List)
		v1.GET("/conversations/:conversation_id", h.Conversation.Get)
		v1.DELETE("/conversations/:conversation_id", h.Conversation.Delete)
		v1.GET("/conversations/:conversation_id/messages", h.Conversation.Messages)
		v1.GET("/conversations/:conversation_id/images", h.Conversation.Images)

		v1.GET("/pool/status", h.Pool.Status)
	}

	return engine
}
