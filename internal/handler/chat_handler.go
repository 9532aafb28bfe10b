package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	"github.com/Wei-Shaw/gembiz2api/internal/handler/dto"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/repository"
	"github.com/Wei-Shaw/gembiz2api/internal/service"
)

// 伪流式输出按 20 个字符切片
const streamChunkRunes = 20

// ChatHandler 处理 OpenAI 兼容的聊天接口。
type ChatHandler struct {
	chat          *service.ChatService
	binder        *service.Binder
	minter        *service.JWTMinter
	files         *service.FileUploadService
	images        *service.ImageService
	publicBaseURL string
	logger        *zap.Logger
}

// NewChatHandler 创建聊天接口处理器。
func NewChatHandler(chat *service.ChatService, binder *service.Binder, minter *service.JWTMinter, files *service.FileUploadService, images *service.ImageService, publicBaseURL string, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chat:          chat,
		binder:        binder,
		minter:        minter,
		files:         files,
		images:        images,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger.Named("handler.chat"),
	}
}

// Completions 处理 POST /v1/chat/completions。
func (h *ChatHandler) Completions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apperrors.InvalidRequest("读取请求体失败"))
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(c, apperrors.InvalidRequest("请求体不是合法 JSON"))
		return
	}

	req, err := parseChatRequest(body)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = strings.TrimSpace(c.GetHeader("X-Conversation-Id"))
	}

	source := c.GetHeader("X-Client-Type")
	if source != "web" && source != "cli" {
		source = "api"
	}

	ctx := c.Request.Context()
	conv, account, err := h.resolveConversation(ctx, req, source)
	if err != nil {
		writeError(c, err)
		return
	}

	h.logger.Info("chat.request",
		zap.String("conversation_id", conv.ID),
		zap.String("model", req.Model),
		zap.String("source", source),
		zap.Bool("stream", req.Stream),
		zap.Int("images", len(req.Images)),
		zap.Int("files", len(req.FileIDs)))

	if err := h.recordIncoming(ctx, conv, req); err != nil {
		writeError(c, err)
		return
	}

	geminiFileIDs, err := h.prepareFiles(ctx, conv, account, req)
	if err != nil {
		writeError(c, err)
		return
	}

	in := service.ChatInput{
		Message:      req.UserMessage,
		FileIDs:      geminiFileIDs,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		History:      req.History,
	}

	if req.Stream {
		h.streamCompletion(c, conv, account, in)
		return
	}
	h.completion(c, conv, account, in)
}

// resolveConversation 找回或新建会话。指定的会话 ID 不存在时新建。
func (h *ChatHandler) resolveConversation(ctx context.Context, req *chatRequest, source string) (*repository.Conversation, domain.Account, error) {
	if req.ConversationID != "" {
		conv, acc, err := h.binder.Resolve(ctx, req.ConversationID)
		if err == nil {
			return conv, acc, nil
		}
		if !apperrors.IsReason(err, apperrors.ReasonNotFound) {
			return nil, domain.Account{}, err
		}
	}

	conv, err := h.binder.Create(ctx, "", req.Model, source)
	if err != nil {
		return nil, domain.Account{}, err
	}
	return h.binder.Resolve(ctx, conv.ID)
}

// recordIncoming 记录请求消息。新会话先补记系统提示词和历史。
func (h *ChatHandler) recordIncoming(ctx context.Context, conv *repository.Conversation, req *chatRequest) error {
	msgs, err := h.binder.Messages(ctx, conv.ID)
	if err != nil {
		return err
	}

	if len(msgs) == 0 {
		if req.SystemPrompt != "" {
			if err := h.binder.AddMessage(ctx, conv.ID, "system", req.SystemPrompt, nil); err != nil {
				return err
			}
		}
		for _, hist := range req.History {
			if err := h.binder.AddMessage(ctx, conv.ID, hist.Role, hist.Content, nil); err != nil {
				return err
			}
		}
	}
	return h.binder.AddMessage(ctx, conv.ID, "user", req.UserMessage, nil)
}

// prepareFiles 把 OpenAI file_id 换成上游 fileId，内联图片顺带上传。
// 文件归属的 session 与当前不一致时重新上传。
func (h *ChatHandler) prepareFiles(ctx context.Context, conv *repository.Conversation, account domain.Account, req *chatRequest) ([]string, error) {
	if len(req.FileIDs) == 0 && len(req.Images) == 0 {
		return nil, nil
	}

	jwt, err := h.minter.EnsureJWT(ctx, account)
	if err != nil {
		return nil, err
	}
	sessionName, err := h.chat.EnsureSession(ctx, conv, account, jwt)
	if err != nil {
		return nil, err
	}

	var geminiIDs []string
	for _, fid := range req.FileIDs {
		mapping, ok := h.files.Mapping(fid)
		if !ok {
			h.logger.Warn("chat.unknown_file_id", zap.String("file_id", fid))
			continue
		}
		if mapping.SessionName == sessionName {
			geminiIDs = append(geminiIDs, mapping.GeminiFileID)
			continue
		}
		newID, err := h.files.ReuploadToSession(ctx, fid, jwt, sessionName, account.TeamID)
		if err != nil {
			h.logger.Error("chat.reupload_failed", zap.String("file_id", fid), zap.Error(err))
			continue
		}
		geminiIDs = append(geminiIDs, newID)
	}

	for _, img := range req.Images {
		fileID, err := h.files.UploadInlineImage(ctx, jwt, sessionName, account.TeamID, img)
		if err != nil {
			h.logger.Error("chat.inline_upload_failed", zap.Error(err))
			continue
		}
		geminiIDs = append(geminiIDs, fileID)
	}
	return geminiIDs, nil
}

// completion 非流式响应。
func (h *ChatHandler) completion(c *gin.Context, conv *repository.Conversation, account domain.Account, in service.ChatInput) {
	result, err := h.chat.Chat(c.Request.Context(), conv, account, in)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.Text == "" && len(result.Images) == 0 {
		writeError(c, apperrors.RequestError("服务返回空响应，请重试"))
		return
	}

	content, _ := h.assembleContent(c.Request.Context(), conv, result)

	usage := dto.ChatUsage{
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.PromptTokens + result.CompletionTokens,
	}
	c.JSON(http.StatusOK, dto.NewChatCompletion(dto.NewChatCompletionID(), in.Model, content, usage, conv.ID))
}

// streamCompletion 伪流式响应：生成在后台执行，期间每秒发心跳注释，
// 完成后把文本按固定长度切片推给客户端。
func (h *ChatHandler) streamCompletion(c *gin.Context, conv *repository.Conversation, account domain.Account, in service.ChatInput) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	chatID := dto.NewChatCompletionID()
	created := time.Now().Unix()

	type generation struct {
		result *service.ChatResult
		err    error
	}
	done := make(chan generation, 1)
	// 客户端断开也要把生成结果落库，生成用独立 context
	go func() {
		result, err := h.chat.Chat(context.Background(), conv, account, in)
		done <- generation{result: result, err: err}
	}()

	clientGone := false
	send := func(payload any) {
		if clientGone {
			return
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", raw); err != nil {
			clientGone = true
			return
		}
		c.Writer.Flush()
	}

	// 先发 conversation_id，客户端尽早拿到用于续聊
	send(map[string]string{"conversation_id": conv.ID})
	send(dto.NewChunk(chatID, created, in.Model, dto.ChunkDelta{Role: "assistant"}))

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	var gen generation
waiting:
	for {
		select {
		case gen = <-done:
			break waiting
		case <-heartbeat.C:
			if clientGone {
				continue
			}
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				clientGone = true
				continue
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			clientGone = true
			h.logger.Warn("chat.stream_client_gone", zap.String("conversation_id", conv.ID))
			gen = <-done
			break waiting
		}
	}

	if gen.err != nil {
		_, body := apperrors.ToOpenAI(gen.err)
		send(body)
		return
	}
	result := gen.result
	if result == nil || (result.Text == "" && len(result.Images) == 0) {
		_, body := apperrors.ToOpenAI(apperrors.RequestError("服务返回空响应，请重试"))
		send(body)
		return
	}

	// 客户端断没断都要保存助手消息和图片
	_, imageURLs := h.assembleContent(context.Background(), conv, result)
	if clientGone {
		return
	}

	text := []rune(result.Text)
	for i := 0; i < len(text); i += streamChunkRunes {
		end := i + streamChunkRunes
		if end > len(text) {
			end = len(text)
		}
		send(dto.NewChunk(chatID, created, in.Model, dto.ChunkDelta{Content: string(text[i:end])}))
	}

	for _, url := range imageURLs {
		send(dto.NewChunk(chatID, created, in.Model, dto.ChunkDelta{Content: "\n\n![image](" + url + ")"}))
	}

	send(dto.NewFinishChunk(chatID, created, in.Model, dto.ChatUsage{
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.PromptTokens + result.CompletionTokens,
	}))

	if !clientGone {
		_, _ = io.WriteString(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}
}

// assembleContent 保存生成的图片、拼装带图片链接的最终内容并记录助手消息。
func (h *ChatHandler) assembleContent(ctx context.Context, conv *repository.Conversation, result *service.ChatResult) (string, []string) {
	if result.ImageGenerationFailed {
		if result.Text != "" {
			result.Text = "[图片生成失败] " + result.Text
		} else {
			result.Text = "[图片生成失败] 请尝试更换描述或稍后重试"
		}
	}

	var imageURLs []string
	for _, img := range result.Images {
		fileName := img.FileName
		if fileName == "" && img.Base64Data != "" {
			saved, err := h.images.SaveBase64Image(img.Base64Data, img.MimeType, conv.ID)
			if err != nil {
				h.logger.Error("chat.save_image_failed", zap.Error(err))
				continue
			}
			fileName = saved
			if err := h.binder.RecordImage(ctx, conv.ID); err != nil {
				h.logger.Warn("chat.record_image_failed", zap.Error(err))
			}
		}
		if fileName == "" {
			continue
		}
		imageURLs = append(imageURLs, h.imageURL(conv.ID, fileName))
	}

	content := result.Text
	if len(imageURLs) > 0 {
		lines := make([]string, 0, len(imageURLs))
		for _, url := range imageURLs {
			lines = append(lines, "![image]("+url+")")
		}
		content += "\n\n" + strings.Join(lines, "\n")
	}

	if err := h.binder.AddMessage(ctx, conv.ID, "assistant", content, imageURLs); err != nil {
		h.logger.Error("chat.record_reply_failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return content, imageURLs
}

func (h *ChatHandler) imageURL(conversationID, fileName string) string {
	path := "/images/" + conversationID + "/" + fileName
	if h.publicBaseURL != "" {
		return h.publicBaseURL + path
	}
	return path
}
