package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	"github.com/Wei-Shaw/gembiz2api/internal/handler/dto"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

// ModelHandler 处理模型列表接口。
type ModelHandler struct{}

// NewModelHandler 创建模型接口处理器。
func NewModelHandler() *ModelHandler { return &ModelHandler{} }

// List 处理 GET /v1/models。
func (h *ModelHandler) List(c *gin.Context) {
	out := dto.ModelList{Object: "list", Data: make([]dto.ModelInfo, 0, len(domain.DefaultModels))}
	for _, id := range domain.DefaultModels {
		out.Data = append(out.Data, dto.NewModelInfo(id))
	}
	c.JSON(http.StatusOK, out)
}

// Get 处理 GET /v1/models/:model_id。
func (h *ModelHandler) Get(c *gin.Context) {
	modelID := c.Param("model_id")
	for _, id := range domain.DefaultModels {
		if id == modelID {
			c.JSON(http.StatusOK, dto.NewModelInfo(id))
			return
		}
	}
	writeError(c, apperrors.NotFound("模型不存在: %s", modelID))
}
