package service

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

// YesCaptcha 接口与目标站点的 reCAPTCHA 配置
const (
	yescaptchaCreateTaskURL = "https://api.yescaptcha.com/createTask"
	yescaptchaGetResultURL  = "https://api.yescaptcha.com/getTaskResult"

	recaptchaWebsiteKey = "6Ld8dCcrAAAAAFVbDMVZy8aNRwCjakBVaDEdRUH8"
	recaptchaWebsiteURL = "https://accountverification.business.gemini.google"
	recaptchaPageAction = "verify_oob_code"

	captchaPollInterval = 3 * time.Second
	captchaMaxWait      = 60 * time.Second
)

// captchaTokenPattern 匹配请求体里的 reCAPTCHA token。
var captchaTokenPattern = regexp.MustCompile(`0[3c]AFc[a-zA-Z0-9_\-]{50,}`)

// YesCaptchaSolver 调用 YesCaptcha 获取 reCAPTCHA v3 token。
type YesCaptchaSolver struct {
	apiKey string
	client *req.Client
	logger *zap.Logger
}

// NewYesCaptchaSolver 创建打码服务。apiKey 为空时 GetToken 直接报错。
func NewYesCaptchaSolver(apiKey string, client *req.Client, logger *zap.Logger) *YesCaptchaSolver {
	return &YesCaptchaSolver{
		apiKey: apiKey,
		client: client,
		logger: logger.Named("yescaptcha"),
	}
}

// Enabled 是否配置了 API key。
func (s *YesCaptchaSolver) Enabled() bool { return s.apiKey != "" }

// GetToken 创建打码任务并轮询结果，返回 gRecaptchaResponse。
func (s *YesCaptchaSolver) GetToken(ctx context.Context) (string, error) {
	if s.apiKey == "" {
		return "", apperrors.BrowserFlowError("未配置 YesCaptcha API key")
	}

	createBody := map[string]any{
		"clientKey": s.apiKey,
		"task": map[string]any{
			"websiteURL": recaptchaWebsiteURL,
			"websiteKey": recaptchaWebsiteKey,
			"pageAction": recaptchaPageAction,
			"type":       "RecaptchaV3TaskProxylessM1",
		},
	}
	resp, err := s.client.R().SetContext(ctx).SetBodyJsonMarshal(createBody).Post(yescaptchaCreateTaskURL)
	if err != nil {
		return "", apperrors.BrowserFlowError("创建打码任务失败").WithCause(err)
	}
	created := resp.String()
	if gjson.Get(created, "errorId").Int() != 0 {
		return "", apperrors.BrowserFlowError("创建打码任务失败: %s", gjson.Get(created, "errorDescription").String())
	}
	taskID := gjson.Get(created, "taskId").String()
	if taskID == "" {
		return "", apperrors.BrowserFlowError("打码服务未返回 taskId")
	}
	s.logger.Debug("captcha.task_created", zap.String("task_id", taskID))

	deadline := time.Now().Add(captchaMaxWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", apperrors.BrowserFlowError("打码被取消").WithCause(ctx.Err())
		case <-time.After(captchaPollInterval):
		}

		resp, err := s.client.R().SetContext(ctx).SetBodyJsonMarshal(map[string]any{
			"clientKey": s.apiKey,
			"taskId":    taskID,
		}).Post(yescaptchaGetResultURL)
		if err != nil {
			return "", apperrors.BrowserFlowError("查询打码结果失败").WithCause(err)
		}
		result := resp.String()
		if gjson.Get(result, "errorId").Int() != 0 {
			return "", apperrors.BrowserFlowError("查询打码结果失败: %s", gjson.Get(result, "errorDescription").String())
		}
		switch gjson.Get(result, "status").String() {
		case "ready":
			token := gjson.Get(result, "solution.gRecaptchaResponse").String()
			if token == "" {
				return "", apperrors.BrowserFlowError("打码结果缺少 token")
			}
			s.logger.Info("captcha.token_ready", zap.Int("token_len", len(token)))
			return token, nil
		case "processing":
		default:
			s.logger.Warn("captcha.unknown_status", zap.String("status", gjson.Get(result, "status").String()))
		}
	}
	return "", apperrors.BrowserFlowError("获取打码 token 超时")
}

// PatchPayload 把 batchexecute 请求体 f.req 字段里的旧 token 换成新 token。
// 找不到旧 token 时原样返回。
func PatchPayload(rawBody, newToken string) string {
	if rawBody == "" || newToken == "" {
		return rawBody
	}
	values, err := url.ParseQuery(rawBody)
	if err != nil {
		return rawBody
	}
	fReq := values.Get("f.req")
	if fReq == "" || !captchaTokenPattern.MatchString(fReq) {
		return rawBody
	}
	values.Set("f.req", captchaTokenPattern.ReplaceAllString(fReq, newToken))
	return values.Encode()
}

type batchRequest struct {
	url      string
	headers  map[string]string
	postData string
}

// CaptchaInterceptor 监听页面的 batchexecute 往返。
// 发现 CAPTCHA_CHECK_FAILED 时打码并带新 token 重发原请求。
type CaptchaInterceptor struct {
	page   *rod.Page
	solver *YesCaptchaSolver
	logger *zap.Logger

	mu        sync.Mutex
	lastBatch *batchRequest

	codeSentOnce sync.Once
	codeSent     chan struct{}
	handledOnce  sync.Once
	handled      chan struct{}

	cancel context.CancelFunc
}

// NewCaptchaInterceptor 创建拦截器，Start 后才开始监听。
func NewCaptchaInterceptor(page *rod.Page, solver *YesCaptchaSolver, logger *zap.Logger) *CaptchaInterceptor {
	return &CaptchaInterceptor{
		page:     page,
		solver:   solver,
		logger:   logger.Named("captcha_interceptor"),
		codeSent: make(chan struct{}),
		handled:  make(chan struct{}),
	}
}

// Start 开始监听网络事件。
func (ci *CaptchaInterceptor) Start() {
	ctx, cancel := context.WithCancel(ci.page.GetContext())
	ci.cancel = cancel
	page := ci.page.Context(ctx)

	go page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if !strings.Contains(e.Request.URL, "batchexecute") {
				return
			}
			headers := make(map[string]string, len(e.Request.Headers))
			for k, v := range e.Request.Headers {
				headers[k] = v.String()
			}
			postData := ""
			if e.Request.HasPostData {
				if data, err := (proto.NetworkGetRequestPostData{RequestID: e.RequestID}).Call(page); err == nil {
					postData = data.PostData
				}
			}
			ci.mu.Lock()
			ci.lastBatch = &batchRequest{url: e.Request.URL, headers: headers, postData: postData}
			ci.mu.Unlock()
		},
		func(e *proto.NetworkResponseReceived) {
			if !strings.Contains(e.Response.URL, "batchexecute") {
				return
			}
			body, err := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(page)
			if err != nil {
				return
			}
			ci.handleBatchResponse(ctx, body.Body)
		},
	)()
}

// Stop 停止监听。
func (ci *CaptchaInterceptor) Stop() {
	if ci.cancel != nil {
		ci.cancel()
	}
}

func (ci *CaptchaInterceptor) handleBatchResponse(ctx context.Context, body string) {
	if strings.Contains(body, "LookupVerifiedEmail") || strings.Contains(body, "SendVerificationCode") {
		ci.logger.Info("captcha.code_sent_detected")
		ci.codeSentOnce.Do(func() { close(ci.codeSent) })
		return
	}
	if strings.Contains(body, "CAPTCHA_CHECK_FAILED") {
		ci.logger.Info("captcha.check_failed_detected")
		ci.retryWithToken(ctx)
		return
	}
	if strings.Contains(body, "inner_api_status") {
		ci.handledOnce.Do(func() { close(ci.handled) })
	}
}

// retryWithToken 打码后在页面里用 fetch 重发最后一次 batchexecute 请求。
func (ci *CaptchaInterceptor) retryWithToken(ctx context.Context) {
	ci.mu.Lock()
	last := ci.lastBatch
	ci.mu.Unlock()
	if last == nil {
		ci.logger.Warn("captcha.no_original_request")
		return
	}

	token, err := ci.solver.GetToken(ctx)
	if err != nil {
		ci.logger.Warn("captcha.get_token_failed", zap.Error(err))
		return
	}

	patched := PatchPayload(last.postData, token)
	if patched == last.postData {
		ci.logger.Warn("captcha.patch_failed")
		return
	}

	_, err = ci.page.Eval(`async (url, headers, body) => {
		await fetch(url, {
			method: 'POST',
			headers: headers,
			body: body,
			credentials: 'include'
		});
	}`, last.url, last.headers, patched)
	if err != nil {
		ci.logger.Warn("captcha.resend_failed", zap.Error(err))
		return
	}
	ci.logger.Info("captcha.request_resent")
	ci.handledOnce.Do(func() { close(ci.handled) })
}

// WaitForCodeSent 等待检测到验证码发送成功。
func (ci *CaptchaInterceptor) WaitForCodeSent(timeout time.Duration) bool {
	select {
	case <-ci.codeSent:
		return true
	case <-time.After(timeout):
		return false
	}
}

// IsCodeSent 验证码是否已发送。
func (ci *CaptchaInterceptor) IsCodeSent() bool {
	select {
	case <-ci.codeSent:
		return true
	default:
		return false
	}
}
