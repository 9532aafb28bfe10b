package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/pkg/gemjwt"
)

// DefaultAuthBaseURL 上游认证服务地址
const DefaultAuthBaseURL = "https://business.gemini.google"

const xsrfMaxRetries = 2

// RefreshScheduler 由生命周期管理器实现：记录无效凭证并安排后台刷新。
type RefreshScheduler interface {
	IsKnownInvalid(index int) bool
	MarkInvalid(index int)
	QueueRefresh(index int)
}

// JWTMinter 为账号换取并缓存上游 JWT。
//
// 同一账号的并发调用通过 singleflight 合并为一次 getoxsrf 往返。
type JWTMinter struct {
	store     *AccountStore
	newClient func() (*req.Client, error)
	baseURL   string
	logger    *zap.Logger

	group     singleflight.Group
	scheduler RefreshScheduler

	now func() time.Time
}

// NewJWTMinter 创建 JWT 服务。newClient 每次调用都应返回一个新的
// 短超时客户端，TLS 异常后重建连接。
func NewJWTMinter(store *AccountStore, newClient func() (*req.Client, error), logger *zap.Logger) *JWTMinter {
	return &JWTMinter{
		store:     store,
		newClient: newClient,
		baseURL:   DefaultAuthBaseURL,
		logger:    logger.Named("jwt_minter"),
		now:       time.Now,
	}
}

// SetRefreshScheduler 注入后台刷新调度（构造后再接线，避免环）。
func (m *JWTMinter) SetRefreshScheduler(s RefreshScheduler) {
	m.scheduler = s
}

// EnsureJWT 返回账号的有效 JWT，必要时重新获取。
func (m *JWTMinter) EnsureJWT(ctx context.Context, account domain.Account) (string, error) {
	if account.State.IsJWTValid(m.now()) {
		return account.State.JWT, nil
	}
	return m.mint(ctx, account)
}

// ForceRefresh 无视缓存重新获取 JWT。
func (m *JWTMinter) ForceRefresh(ctx context.Context, account domain.Account) (string, error) {
	m.store.InvalidateJWT(account.Index)
	return m.mint(ctx, account)
}

func (m *JWTMinter) mint(ctx context.Context, account domain.Account) (string, error) {
	key := fmt.Sprintf("jwt:%d", account.Index)
	token, err, _ := m.group.Do(key, func() (any, error) {
		// 进入临界区后再查一次缓存，合并窗口内的跟随者直接复用
		if current, ok := m.store.GetByIndex(account.Index); ok && current.State.IsJWTValid(m.now()) {
			return current.State.JWT, nil
		}
		return m.fetchNewJWT(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (m *JWTMinter) fetchNewJWT(ctx context.Context, account domain.Account) (string, error) {
	if m.scheduler != nil && m.scheduler.IsKnownInvalid(account.Index) {
		m.scheduler.QueueRefresh(account.Index)
		return "", apperrors.AuthError("凭证已知无效，正在后台刷新")
	}

	endpoint := fmt.Sprintf("%s/auth/getoxsrf?csesidx=%s", m.baseURL, url.QueryEscape(account.Csesidx))
	headers := map[string]string{
		"accept":     "*/*",
		"user-agent": account.UserAgent,
		"cookie": fmt.Sprintf("__Secure-C_SES=%s; __Host-C_OSES=%s",
			account.SecureCSes, account.HostCOses),
	}

	var resp *req.Response
	for retry := 0; ; retry++ {
		client, err := m.newClient()
		if err != nil {
			return "", apperrors.RequestError("创建上游客户端失败").WithCause(err)
		}
		resp, err = client.R().SetContext(ctx).SetHeaders(headers).Get(endpoint)
		if err == nil {
			break
		}
		if retry < xsrfMaxRetries && isTransientTLSError(err) {
			m.logger.Warn("jwt.getoxsrf_retry",
				zap.Int("index", account.Index),
				zap.Int("retry", retry+1),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return "", apperrors.RequestError("请求被取消").WithCause(ctx.Err())
			case <-time.After(time.Second):
			}
			continue
		}
		return "", apperrors.RequestError("获取 xsrfToken 失败").WithCause(err)
	}

	switch resp.StatusCode {
	case 200:
	case 401:
		m.store.InvalidateJWT(account.Index)
		if m.scheduler != nil {
			m.scheduler.MarkInvalid(account.Index)
			m.scheduler.QueueRefresh(account.Index)
		}
		m.logger.Info("jwt.credential_invalid",
			zap.Int("index", account.Index), zap.String("note", account.Note))
		return "", apperrors.AuthError("认证失败，Cookie 可能已过期")
	case 429:
		return "", apperrors.RateLimitError("触发限额")
	default:
		return "", apperrors.RequestError("getoxsrf 返回 %d", resp.StatusCode)
	}

	body := gemjwt.StripXSSIPrefix(resp.String())
	if !gjson.Valid(body) {
		return "", apperrors.AuthError("解析 getoxsrf 响应失败")
	}
	keyID := gjson.Get(body, "keyId").String()
	xsrfToken := gjson.Get(body, "xsrfToken").String()
	if keyID == "" || xsrfToken == "" {
		return "", apperrors.AuthError("响应缺少 keyId 或 xsrfToken")
	}

	key, err := gemjwt.DecodeXSRFToken(xsrfToken)
	if err != nil {
		return "", apperrors.AuthError("解码 xsrfToken 失败").WithCause(err)
	}
	token, expiresAt, err := gemjwt.Mint(key, keyID, account.Csesidx, m.now())
	if err != nil {
		return "", apperrors.AuthError("生成 JWT 失败").WithCause(err)
	}

	m.store.UpdateJWT(account.Index, token, expiresAt)
	m.logger.Debug("jwt.minted", zap.Int("index", account.Index), zap.String("key_id", keyID))
	return token, nil
}

// isTransientTLSError 判断是否为值得重建连接重试的 TLS/连接错误。
func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tls") ||
		strings.Contains(msg, "ssl") ||
		strings.Contains(msg, "closed") ||
		strings.Contains(msg, "decryption")
}
