package handler

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

// writeError 以 OpenAI 错误外壳返回。
func writeError(c *gin.Context, err error) {
	status, body := apperrors.ToOpenAI(err)
	c.JSON(status, body)
}
