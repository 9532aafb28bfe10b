package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/repository"
	"github.com/Wei-Shaw/gembiz2api/internal/service"
)

// ConversationHandler 处理会话管理接口。
type ConversationHandler struct {
	binder *service.Binder
	images *service.ImageService
	logger *zap.Logger
}

// NewConversationHandler 创建会话接口处理器。
func NewConversationHandler(binder *service.Binder, images *service.ImageService, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		binder: binder,
		images: images,
		logger: logger.Named("handler.conversation"),
	}
}

func conversationInfo(conv *repository.Conversation, messageCount int) gin.H {
	return gin.H{
		"id":            conv.ID,
		"name":          conv.Name,
		"model":         conv.Model,
		"created_at":    conv.CreatedAt.Format(time.RFC3339),
		"message_count": messageCount,
		"account_index": conv.AccountIndex,
		"has_images":    conv.ImageCount > 0,
	}
}

// Create 处理 POST /v1/conversations。
func (h *ConversationHandler) Create(c *gin.Context) {
	body, _ := io.ReadAll(c.Request.Body)
	name := gjson.GetBytes(body, "name").String()
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = defaultChatModel
	}

	conv, err := h.binder.Create(c.Request.Context(), name, model, "api")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversationInfo(conv, 0))
}

// List 处理 GET /v1/conversations。
func (h *ConversationHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	convs, err := h.binder.List(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]gin.H, 0, len(convs))
	for _, conv := range convs {
		msgs, err := h.binder.Messages(ctx, conv.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, conversationInfo(conv, len(msgs)))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out, "count": len(out)})
}

// Get 处理 GET /v1/conversations/:conversation_id，带消息和绑定详情。
func (h *ConversationHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("conversation_id")

	conv, _, err := h.binder.Resolve(ctx, convID)
	if err != nil {
		writeError(c, err)
		return
	}
	msgs, err := h.binder.Messages(ctx, convID)
	if err != nil {
		writeError(c, err)
		return
	}

	out := conversationInfo(conv, len(msgs))
	out["messages"] = messageList(msgs)
	out["binding"] = gin.H{
		"account_index": conv.AccountIndex,
		"team_id":       conv.TeamID,
		"session_name":  conv.SessionName,
	}
	out["images"] = h.images.ListConversationImages(convID)
	c.JSON(http.StatusOK, out)
}

// Delete 处理 DELETE /v1/conversations/:conversation_id。
func (h *ConversationHandler) Delete(c *gin.Context) {
	convID := c.Param("conversation_id")
	if err := h.binder.Delete(c.Request.Context(), convID); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("conversation.deleted", zap.String("conversation_id", convID))
	c.JSON(http.StatusOK, gin.H{"id": convID, "deleted": true})
}

// Messages 处理 GET /v1/conversations/:conversation_id/messages，支持分页。
func (h *ConversationHandler) Messages(c *gin.Context) {
	convID := c.Param("conversation_id")
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	msgs, err := h.binder.Messages(c.Request.Context(), convID)
	if err != nil {
		writeError(c, err)
		return
	}

	total := len(msgs)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": convID,
		"messages":        messageList(msgs[offset:end]),
		"total":           total,
		"limit":           limit,
		"offset":          offset,
	})
}

// Images 处理 GET /v1/conversations/:conversation_id/images。
func (h *ConversationHandler) Images(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("conversation_id")

	if _, _, err := h.binder.Resolve(ctx, convID); err != nil {
		if apperrors.IsReason(err, apperrors.ReasonNotFound) {
			writeError(c, err)
			return
		}
	}
	images := h.images.ListConversationImages(convID)
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": convID,
		"images":          images,
		"count":           len(images),
	})
}

func messageList(msgs []*repository.Message) []gin.H {
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		images := m.Images
		if images == nil {
			images = []string{}
		}
		out = append(out, gin.H{
			"role":       m.Role,
			"content":    m.Content,
			"images":     images,
			"created_at": m.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
