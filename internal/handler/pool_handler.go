package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/service"
)

// PoolHandler 暴露账号池状态和健康检查接口。
type PoolHandler struct {
	store      *service.AccountStore
	maintainer *service.PoolMaintainer
	logger     *zap.Logger
}

// NewPoolHandler 创建账号池接口处理器。
func NewPoolHandler(store *service.AccountStore, maintainer *service.PoolMaintainer, logger *zap.Logger) *PoolHandler {
	return &PoolHandler{
		store:      store,
		maintainer: maintainer,
		logger:     logger.Named("handler.pool"),
	}
}

// Status 处理 GET /v1/pool/status，带每个账号的调度视图。
func (h *PoolHandler) Status(c *gin.Context) {
	status := h.maintainer.Status()

	now := time.Now()
	accounts := h.store.Snapshot()
	views := make([]gin.H, 0, len(accounts))
	for i := range accounts {
		acc := &accounts[i]
		view := gin.H{
			"index":        acc.Index,
			"note":         acc.Note,
			"available":    acc.Available,
			"usable":       acc.IsUsable(now),
			"health_score": service.HealthScore(acc, now),
			"requests":     acc.State.TotalRequests,
			"failures":     acc.State.FailedRequests,
		}
		if acc.State.CooldownReason != "" {
			view["cooldown_reason"] = acc.State.CooldownReason
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"pool":     status,
		"accounts": views,
	})
}

// Health 处理 GET /health，不鉴权。有可用账号算 healthy。
func (h *PoolHandler) Health(c *gin.Context) {
	total := h.store.Count()
	usable := h.store.UsableCount()

	status := "healthy"
	if usable == 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"accounts": gin.H{
			"total":  total,
			"usable": usable,
		},
	})
}
