package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/pkg/tokenizer"
	"github.com/Wei-Shaw/gembiz2api/internal/repository"
)

// DefaultAssistBaseURL 上游 Discovery Engine 接口前缀
const DefaultAssistBaseURL = "https://biz-discoveryengine.googleapis.com/v1alpha/locations/global"

const chatMaxTLSRetries = 2

// upstreamHeaders 上游 Discovery Engine 接口的公共请求头。
func upstreamHeaders(jwt string) map[string]string {
	return map[string]string{
		"accept":           "*/*",
		"accept-language":  "zh-CN,zh;q=0.9,en;q=0.8",
		"authorization":    "Bearer " + jwt,
		"content-type":     "application/json",
		"origin":           "https://business.gemini.google",
		"referer":          "https://business.gemini.google/",
		"user-agent":       domain.DefaultUserAgent,
		"x-server-timeout": "1800",
	}
}

// HistoryMessage 透传给上游的历史消息。
type HistoryMessage struct {
	Role    string
	Content string
}

// ChatInput 一次聊天调用的输入。
type ChatInput struct {
	Message      string
	FileIDs      []string
	Model        string
	SystemPrompt string
	History      []HistoryMessage
}

// ChatResult 聊天结果。
type ChatResult struct {
	Text             string
	Images           []*SavedImage
	PromptTokens     int
	CompletionTokens int

	ImageGenerationFailed bool
	ImageGenerationError  string
}

// AccountReplacer 由账号池维护器实现：出图失败时换掉账号。
type AccountReplacer interface {
	ReplaceAccount(index int, note string)
	RecordError(note string)
	ClearError(note string)
}

// ChatService 把 OpenAI 风格的聊天请求翻译成上游 streamAssist 调用。
type ChatService struct {
	client    *req.Client
	store     *AccountStore
	minter    *JWTMinter
	binder    *Binder
	images    *ImageService
	baseURL   string
	scheduler RefreshScheduler
	replacer  AccountReplacer
	logger    *zap.Logger
}

// NewChatService 创建聊天服务。client 用聊天档位的上游客户端。
func NewChatService(client *req.Client, store *AccountStore, minter *JWTMinter, binder *Binder, images *ImageService, logger *zap.Logger) *ChatService {
	return &ChatService{
		client:  client,
		store:   store,
		minter:  minter,
		binder:  binder,
		images:  images,
		baseURL: DefaultAssistBaseURL,
		logger:  logger.Named("chat"),
	}
}

// SetRefreshScheduler 注入后台凭证刷新调度。
func (s *ChatService) SetRefreshScheduler(sched RefreshScheduler) {
	s.scheduler = sched
}

// SetAccountReplacer 注入账号池维护器。
func (s *ChatService) SetAccountReplacer(r AccountReplacer) {
	s.replacer = r
}

// BuildFullMessage 把系统提示词和历史消息拼进当前消息。
// 上游 session 自己也带上下文，这里的前缀用于新账号或跨账号迁移后补齐语境。
func BuildFullMessage(message, systemPrompt string, history []HistoryMessage) string {
	var parts []string

	if systemPrompt != "" {
		parts = append(parts, "[System Instructions]\n"+systemPrompt+"\n[End of System Instructions]\n")
	}

	if len(history) > 0 {
		parts = append(parts, "[Conversation History]")
		for _, msg := range history {
			label := "Assistant"
			if msg.Role == "user" {
				label = "User"
			}
			parts = append(parts, label+": "+msg.Content)
		}
		parts = append(parts, "[End of Conversation History]\n")
	}

	if len(parts) == 0 {
		return message
	}
	parts = append(parts, "[Current Message]\n"+message)
	return strings.Join(parts, "\n")
}

// CreateSession 在上游创建一个新会话，返回 session 名称。
func (s *ChatService) CreateSession(ctx context.Context, account domain.Account, jwt string) (string, error) {
	sessionID := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	body := `{"additionalParams":{"token":"-"}}`
	body, _ = sjson.Set(body, "configId", account.TeamID)
	body, _ = sjson.Set(body, "createSessionRequest.session.name", sessionID)
	body, _ = sjson.Set(body, "createSessionRequest.session.displayName", sessionID)

	resp, err := s.postWithRetry(ctx, s.baseURL+"/widgetCreateSession", jwt, body)
	if err != nil {
		return "", err
	}

	switch resp.StatusCode {
	case 200:
	case 401, 403:
		// 403 通常也是凭证过期
		s.store.InvalidateJWT(account.Index)
		return "", apperrors.AuthError("创建会话认证失败: %d", resp.StatusCode)
	case 429:
		return "", apperrors.RateLimitError("创建会话触发限额")
	default:
		s.logger.Error("chat.create_session_failed",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(resp.String(), 500)))
		return "", apperrors.RequestError("创建会话失败: %d", resp.StatusCode)
	}

	sessionName := gjson.GetBytes(resp.Bytes(), "session.name").String()
	if sessionName == "" {
		return "", apperrors.RequestError("创建会话响应缺少 session name")
	}

	s.logger.Info("chat.session_created",
		zap.Int("account_index", account.Index),
		zap.String("session", sessionName))
	return sessionName, nil
}

// EnsureSession 确保会话有有效的上游 session，没有就建一个并记录绑定。
func (s *ChatService) EnsureSession(ctx context.Context, conv *repository.Conversation, account domain.Account, jwt string) (string, error) {
	if conv.SessionName != "" {
		return conv.SessionName, nil
	}

	sessionName, err := s.CreateSession(ctx, account, jwt)
	if err != nil {
		return "", err
	}
	if err := s.binder.BindSession(ctx, conv, sessionName); err != nil {
		return "", err
	}
	s.store.UpdateSession(account.Index, sessionName)
	return sessionName, nil
}

// Chat 发送聊天消息并返回完整结果。
//
// 失败阶梯：FILE_NOT_FOUND 去掉文件重试，403/404 重建 session 重试，
// 认证失败切换到凭据最新的账号重试。各类失败都会给账号记冷却。
func (s *ChatService) Chat(ctx context.Context, conv *repository.Conversation, account domain.Account, in ChatInput) (*ChatResult, error) {
	start := time.Now()
	s.store.RecordRequestStart(account.Index)
	success := false
	defer func() {
		s.store.RecordRequestEnd(account.Index, success, float64(time.Since(start).Milliseconds()))
	}()

	result, finalAccount, err := s.run(ctx, conv, account, in)
	if err != nil {
		s.recordFailure(finalAccount, err)
		return nil, err
	}

	success = true
	if result.ImageGenerationFailed {
		s.logger.Warn("chat.image_generation_failed",
			zap.String("conversation_id", conv.ID),
			zap.String("note", finalAccount.Note),
			zap.String("error", result.ImageGenerationError))
		if s.replacer != nil {
			go s.replacer.ReplaceAccount(finalAccount.Index, finalAccount.Note)
		}
	} else if s.replacer != nil {
		s.replacer.ClearError(finalAccount.Note)
	}
	return result, nil
}

func (s *ChatService) run(ctx context.Context, conv *repository.Conversation, account domain.Account, in ChatInput) (*ChatResult, domain.Account, error) {
	jwt, err := s.minter.EnsureJWT(ctx, account)
	if err != nil {
		if apperrors.IsReason(err, apperrors.ReasonAuthError) {
			return s.failoverToFreshest(ctx, conv, account, in, err)
		}
		return nil, account, err
	}

	sessionName, err := s.EnsureSession(ctx, conv, account, jwt)
	if err != nil {
		if apperrors.IsReason(err, apperrors.ReasonAuthError) {
			return s.failoverToFreshest(ctx, conv, account, in, err)
		}
		return nil, account, err
	}

	result, err := s.sendMessage(ctx, conv, jwt, sessionName, account.TeamID, in)
	if err == nil {
		return result, account, nil
	}

	switch {
	case apperrors.IsReason(err, apperrors.ReasonAuthError):
		return s.failoverToFreshest(ctx, conv, account, in, err)

	case apperrors.IsReason(err, apperrors.ReasonRequestError) &&
		strings.Contains(err.Error(), "FILE_NOT_FOUND"):
		// 文件已失效，去掉文件引用重试
		s.logger.Warn("chat.retry_without_files", zap.String("conversation_id", conv.ID))
		retry := in
		retry.FileIDs = nil
		result, err = s.sendMessage(ctx, conv, jwt, sessionName, account.TeamID, retry)
		return result, account, err

	case apperrors.IsReason(err, apperrors.ReasonRequestError) &&
		(strings.Contains(err.Error(), "403") || strings.Contains(err.Error(), "404")):
		// session 过期或不属于当前账号，重建后重试（旧文件跟着旧 session 作废）
		s.logger.Warn("chat.rebuild_session",
			zap.String("conversation_id", conv.ID),
			zap.String("session", sessionName))
		if clearErr := s.binder.ClearSession(ctx, conv); clearErr != nil {
			return nil, account, clearErr
		}
		sessionName, err = s.EnsureSession(ctx, conv, account, jwt)
		if err != nil {
			return nil, account, err
		}
		retry := in
		retry.FileIDs = nil
		result, err = s.sendMessage(ctx, conv, jwt, sessionName, account.TeamID, retry)
		return result, account, err

	default:
		return nil, account, err
	}
}

// failoverToFreshest 认证失败后切换到凭据最新的账号重试一次。
func (s *ChatService) failoverToFreshest(ctx context.Context, conv *repository.Conversation, account domain.Account, in ChatInput, cause error) (*ChatResult, domain.Account, error) {
	s.store.InvalidateJWT(account.Index)
	if s.scheduler != nil {
		s.scheduler.MarkInvalid(account.Index)
		s.scheduler.QueueRefresh(account.Index)
	}

	freshest, err := s.store.FreshestAvailable(account.Index)
	if err != nil {
		return nil, account, cause
	}

	s.logger.Info("chat.failover",
		zap.Int("from", account.Index),
		zap.Int("to", freshest.Index),
		zap.String("note", freshest.Note),
		zap.String("refresh_time", freshest.RefreshTime))

	if err := s.binder.MigrateToAccount(ctx, conv, freshest); err != nil {
		return nil, account, err
	}

	jwt, err := s.minter.EnsureJWT(ctx, freshest)
	if err != nil {
		return nil, freshest, err
	}
	sessionName, err := s.EnsureSession(ctx, conv, freshest, jwt)
	if err != nil {
		return nil, freshest, err
	}

	// 新账号带不了旧 session 的文件
	retry := in
	retry.FileIDs = nil
	result, err := s.sendMessage(ctx, conv, jwt, sessionName, freshest.TeamID, retry)
	return result, freshest, err
}

func (s *ChatService) sendMessage(ctx context.Context, conv *repository.Conversation, jwt, sessionName, teamID string, in ChatInput) (*ChatResult, error) {
	fullMessage := BuildFullMessage(in.Message, in.SystemPrompt, in.History)
	promptTokens := tokenizer.Estimate(fullMessage)
	isImageModel := domain.IsImageModel(in.Model)

	body := `{"additionalParams":{"token":"-"}}`
	body, _ = sjson.Set(body, "configId", teamID)
	body, _ = sjson.Set(body, "streamAssistRequest.session", sessionName)
	body, _ = sjson.Set(body, "streamAssistRequest.query.parts.0.text", fullMessage)
	body, _ = sjson.Set(body, "streamAssistRequest.filter", "")
	fileIDs := in.FileIDs
	if fileIDs == nil {
		fileIDs = []string{}
	}
	body, _ = sjson.Set(body, "streamAssistRequest.fileIds", fileIDs)
	body, _ = sjson.Set(body, "streamAssistRequest.answerGenerationMode", "NORMAL")
	body, _ = sjson.SetRaw(body, "streamAssistRequest.toolsSpec.webGroundingSpec", "{}")
	body, _ = sjson.Set(body, "streamAssistRequest.toolsSpec.toolRegistry", "default_tool_registry")
	if isImageModel {
		body, _ = sjson.SetRaw(body, "streamAssistRequest.toolsSpec.imageGenerationSpec", "{}")
	}
	body, _ = sjson.Set(body, "streamAssistRequest.languageCode", "zh-CN")
	body, _ = sjson.Set(body, "streamAssistRequest.userMetadata.timeZone", "Etc/GMT-8")
	body, _ = sjson.Set(body, "streamAssistRequest.assistSkippingMode", "REQUEST_ASSIST")

	s.logger.Info("chat.send",
		zap.String("conversation_id", conv.ID),
		zap.String("session", sessionName),
		zap.String("model", in.Model),
		zap.Int("message_len", len(in.Message)),
		zap.Int("full_message_len", len(fullMessage)),
		zap.Int("files", len(fileIDs)),
		zap.Bool("image_model", isImageModel))

	resp, err := s.postWithRetry(ctx, s.baseURL+"/widgetStreamAssist", jwt, body)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case 200:
	case 401:
		return nil, apperrors.AuthError("聊天认证失败")
	case 429:
		return nil, apperrors.RateLimitError("聊天触发限额")
	default:
		snippet := truncate(resp.String(), 500)
		s.logger.Error("chat.upstream_failed",
			zap.Int("status", resp.StatusCode),
			zap.String("body", snippet))
		if strings.Contains(snippet, "FILE_NOT_FOUND") {
			return nil, apperrors.RequestError("FILE_NOT_FOUND:%d", resp.StatusCode)
		}
		return nil, apperrors.RequestError("聊天请求失败: %d", resp.StatusCode)
	}

	parsed := ParseAssistResponse(resp.Bytes())

	currentSession := sessionName
	if parsed.SessionName != "" && parsed.SessionName != sessionName {
		currentSession = parsed.SessionName
	}

	result := &ChatResult{
		Text:             parsed.Text,
		PromptTokens:     promptTokens,
		CompletionTokens: tokenizer.Estimate(parsed.Text),
	}
	for _, img := range parsed.Images {
		result.Images = append(result.Images, &SavedImage{
			Base64Data: img.Base64Data,
			MimeType:   img.MimeType,
		})
	}

	// 文件引用的图片需要单独下载并落盘
	for _, ref := range parsed.FileRefs {
		img, err := s.images.DownloadAndSave(ctx, jwt, currentSession, ref.FileID, ref.MimeType, conv.ID, teamID)
		if err != nil {
			s.logger.Error("chat.download_image_failed",
				zap.String("file_id", ref.FileID), zap.Error(err))
			continue
		}
		result.Images = append(result.Images, img)
		if recErr := s.binder.RecordImage(ctx, conv.ID); recErr != nil {
			s.logger.Warn("chat.record_image_failed", zap.Error(recErr))
		}
	}

	if isImageModel && len(result.Images) == 0 && IsImageGenerationFailure(result.Text) {
		result.ImageGenerationFailed = true
		result.ImageGenerationError = "图片生成模型 " + in.Model + " 未返回图片"
	}

	s.logger.Info("chat.parsed",
		zap.String("conversation_id", conv.ID),
		zap.Int("text_len", len(result.Text)),
		zap.Int("images", len(result.Images)),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Int("completion_tokens", result.CompletionTokens))
	return result, nil
}

// postWithRetry 发请求并在瞬时 TLS 错误后重试。
func (s *ChatService) postWithRetry(ctx context.Context, url, jwt, body string) (*req.Response, error) {
	var lastErr error
	for retry := 0; retry <= chatMaxTLSRetries; retry++ {
		if retry > 0 {
			s.logger.Warn("chat.tls_retry", zap.Int("retry", retry), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, apperrors.RequestError("请求被取消").WithCause(ctx.Err())
			case <-time.After(time.Second):
			}
		}
		resp, err := s.client.R().
			SetContext(ctx).
			SetHeaders(upstreamHeaders(jwt)).
			SetBodyJsonString(body).
			Post(url)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransientTLSError(err) {
			break
		}
	}
	return nil, apperrors.RequestError("上游请求失败").WithCause(lastErr)
}

// recordFailure 按错误类别给账号记冷却和错误计数。
func (s *ChatService) recordFailure(account domain.Account, err error) {
	switch {
	case apperrors.IsReason(err, apperrors.ReasonAuthError):
		s.store.MarkCooldown(account.Index, domain.CooldownAuthError)
		if s.replacer != nil {
			s.replacer.RecordError(account.Note)
		}
	case apperrors.IsReason(err, apperrors.ReasonRateLimit):
		s.store.MarkCooldown(account.Index, domain.CooldownRateLimit)
	case apperrors.IsReason(err, apperrors.ReasonRequestError):
		s.store.MarkCooldown(account.Index, domain.CooldownGenericError)
		if s.replacer != nil {
			s.replacer.RecordError(account.Note)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
