package domain

import (
	"time"
)

// CooldownReason 账号冷却原因
type CooldownReason string

const (
	CooldownAuthError    CooldownReason = "auth_error"
	CooldownRateLimit    CooldownReason = "rate_limit"
	CooldownGenericError CooldownReason = "generic_error"
)

// JWTValidityBuffer JWT 有效期判定的提前量
const JWTValidityBuffer = 30 * time.Second

// DefaultUserAgent 未配置 UA 时使用的默认值
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// AccountCredentials 持久化在 config.json 中的账号凭证
type AccountCredentials struct {
	TeamID      string `json:"team_id"`
	Csesidx     string `json:"csesidx"`
	SecureCSes  string `json:"secure_c_ses"`
	HostCOses   string `json:"host_c_oses"`
	UserAgent   string `json:"user_agent"`
	GoogleEmail string `json:"google_email"`
	Note        string `json:"note"`
	RefreshTime string `json:"refresh_time"`
	Available   bool   `json:"available"`
}

// AccountState 账号运行时状态（不持久化）
type AccountState struct {
	JWT          string
	JWTExpiresAt time.Time
	SessionName  string

	CooldownUntil  time.Time
	CooldownReason CooldownReason

	TotalRequests  int64
	FailedRequests int64
	LastUsedAt     time.Time

	ConcurrentRequests   int
	ConsecutiveErrors    int
	ConsecutiveSuccesses int
	LastSuccessAt        time.Time
	LastErrorAt          time.Time

	TotalResponseTimeMs float64
	ResponseCount       int64
}

// IsJWTValid 检查 JWT 是否仍然有效（留出 30 秒余量）
func (s *AccountState) IsJWTValid(now time.Time) bool {
	if s.JWT == "" {
		return false
	}
	return now.Before(s.JWTExpiresAt.Add(-JWTValidityBuffer))
}

// IsInCooldown 检查是否处于冷却期
func (s *AccountState) IsInCooldown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}

// CooldownRemaining 剩余冷却秒数
func (s *AccountState) CooldownRemaining(now time.Time) int {
	if s.CooldownUntil.IsZero() {
		return 0
	}
	remaining := int(s.CooldownUntil.Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SuccessRate 成功率，新账号视为 100%
func (s *AccountState) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1.0
	}
	return float64(s.TotalRequests-s.FailedRequests) / float64(s.TotalRequests)
}

// AvgResponseTimeMs 平均响应时间（毫秒）
func (s *AccountState) AvgResponseTimeMs() float64 {
	if s.ResponseCount == 0 {
		return 0
	}
	return s.TotalResponseTimeMs / float64(s.ResponseCount)
}

// RecordRequestStart 请求开始时更新并发与使用时间
func (s *AccountState) RecordRequestStart(now time.Time) {
	s.ConcurrentRequests++
	s.LastUsedAt = now
}

// RecordRequestEnd 请求结束时更新统计。
// 不变量：FailedRequests 永远不会超过 TotalRequests。
func (s *AccountState) RecordRequestEnd(success bool, responseTimeMs float64, now time.Time) {
	if s.ConcurrentRequests > 0 {
		s.ConcurrentRequests--
	}
	s.TotalRequests++

	if success {
		s.ConsecutiveSuccesses++
		s.ConsecutiveErrors = 0
		s.LastSuccessAt = now
	} else {
		s.ConsecutiveErrors++
		s.ConsecutiveSuccesses = 0
		s.FailedRequests++
		s.LastErrorAt = now
	}

	if responseTimeMs > 0 {
		s.TotalResponseTimeMs += responseTimeMs
		s.ResponseCount++
	}
}

// Decay 按系数衰减累计统计，让老账号的历史错误逐渐淡出
func (s *AccountState) Decay(factor float64) {
	s.TotalRequests = int64(float64(s.TotalRequests) * factor)
	s.FailedRequests = int64(float64(s.FailedRequests) * factor)
	if s.FailedRequests > s.TotalRequests {
		s.FailedRequests = s.TotalRequests
	}
	s.TotalResponseTimeMs *= factor
	s.ResponseCount = int64(float64(s.ResponseCount) * factor)
}

// Account 账号完整信息（凭证 + 运行时状态）
type Account struct {
	Index int
	AccountCredentials
	State AccountState
}

// IsUsable 账号可用于调度：已启用且不在冷却期
func (a *Account) IsUsable(now time.Time) bool {
	return a.Available && !a.State.IsInCooldown(now)
}

// RefreshedAt 解析 refresh_time，失败返回零值
func (a *Account) RefreshedAt() time.Time {
	if a.RefreshTime == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, a.RefreshTime); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", a.RefreshTime); err == nil {
		return t
	}
	return time.Time{}
}

// HasCredentials 必要凭证字段是否齐全
func (a *Account) HasCredentials() bool {
	return a.SecureCSes != "" && a.TeamID != ""
}
