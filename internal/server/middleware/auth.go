// Package middleware 提供 HTTP 中间件。
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

// APIKeyAuth 校验 Authorization: Bearer 里的 API Key。
// 没有配置任何 Key 时放行所有请求。
func APIKeyAuth(keys []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortUnauthorized(c, "缺少 API Key")
			return
		}
		if _, ok := allowed[token]; !ok {
			abortUnauthorized(c, "API Key 无效")
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func abortUnauthorized(c *gin.Context, message string) {
	status, body := apperrors.ToOpenAI(apperrors.Unauthorized("%s", message))
	c.AbortWithStatusJSON(status, body)
}
