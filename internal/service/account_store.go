package service

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

// AccountPersistence 是 config.json 账号仓库的抽象。
type AccountPersistence interface {
	LoadAccounts() ([]domain.AccountCredentials, error)
	SaveAccounts(accounts []domain.AccountCredentials) error
	UpdateAccount(index int, creds domain.AccountCredentials) error
	AppendAccount(creds domain.AccountCredentials) (int, error)
	RemoveAccount(index int) error
}

// CredentialEmails 是 credient.txt 的抽象。
type CredentialEmails interface {
	ListEmails() ([]string, error)
	AppendEmail(email string) error
	RemoveEmail(email string) error
}

// ptLocation 限额窗口按太平洋时间的自然日重置。
var ptLocation = mustLoadLocation("America/Los_Angeles")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("load location " + name + ": " + err.Error())
	}
	return loc
}

// SecondsUntilPTMidnight 距离下一个太平洋时间零点的秒数。
func SecondsUntilPTMidnight(now time.Time) int {
	pt := now.In(ptLocation)
	next := time.Date(pt.Year(), pt.Month(), pt.Day(), 0, 0, 0, 0, ptLocation).AddDate(0, 0, 1)
	secs := int(next.Sub(pt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// AccountStore 持有账号池的运行时状态并负责调度与冷却。
type AccountStore struct {
	mu       sync.RWMutex
	accounts []*domain.Account

	repo     AccountPersistence
	cooldown config.CooldownConfig
	logger   *zap.Logger

	// 由生命周期管理器注入，标记凭证已知无效的账号
	invalidCheck func(index int) bool

	now func() time.Time
}

// NewAccountStore 创建账号池并加载 config.json。
func NewAccountStore(repo AccountPersistence, cooldown config.CooldownConfig, logger *zap.Logger) (*AccountStore, error) {
	s := &AccountStore{
		repo:     repo,
		cooldown: cooldown,
		logger:   logger.Named("account_store"),
		now:      time.Now,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetInvalidChecker 注入"凭证已知无效"判定。
func (s *AccountStore) SetInvalidChecker(fn func(index int) bool) {
	s.mu.Lock()
	s.invalidCheck = fn
	s.mu.Unlock()
}

// Reload 重新加载全部账号。已有账号的运行时统计按 note 继承。
func (s *AccountStore) Reload() error {
	creds, err := s.repo.LoadAccounts()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevByNote := make(map[string]*domain.AccountState, len(s.accounts))
	for _, a := range s.accounts {
		if a.Note != "" {
			prevByNote[a.Note] = &a.State
		}
	}

	accounts := make([]*domain.Account, 0, len(creds))
	for i, c := range creds {
		if c.UserAgent == "" {
			c.UserAgent = domain.DefaultUserAgent
		}
		acc := &domain.Account{Index: i, AccountCredentials: c}
		if prev, ok := prevByNote[c.Note]; ok {
			acc.State = *prev
		}
		accounts = append(accounts, acc)
	}
	s.accounts = accounts
	s.logger.Info("accounts.reloaded", zap.Int("count", len(accounts)))
	return nil
}

// ReloadAccount 热加载单个账号的凭证，保留运行时统计但清除 JWT/session/冷却。
func (s *AccountStore) ReloadAccount(index int) error {
	creds, err := s.repo.LoadAccounts()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(creds) {
		return fmt.Errorf("account index %d out of range", index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= len(s.accounts) {
		return fmt.Errorf("account index %d not loaded", index)
	}

	c := creds[index]
	if c.UserAgent == "" {
		c.UserAgent = domain.DefaultUserAgent
	}
	acc := s.accounts[index]
	acc.AccountCredentials = c
	acc.State.JWT = ""
	acc.State.JWTExpiresAt = time.Time{}
	acc.State.SessionName = ""
	acc.State.CooldownUntil = time.Time{}
	acc.State.CooldownReason = ""
	s.logger.Info("accounts.hot_reloaded", zap.Int("index", index), zap.String("note", c.Note))
	return nil
}

// Count 账号总数。
func (s *AccountStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// UsableCount 当前可调度的账号数。
func (s *AccountStore) UsableCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, a := range s.accounts {
		if a.IsUsable(now) {
			n++
		}
	}
	return n
}

// Snapshot 返回账号副本列表。
func (s *AccountStore) Snapshot() []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	return out
}

// GetByIndex 返回账号副本。
func (s *AccountStore) GetByIndex(index int) (domain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.accounts) {
		return domain.Account{}, false
	}
	return *s.accounts[index], true
}

// GetByTeamID 按 team_id 查找账号。
func (s *AccountStore) GetByTeamID(teamID string) (domain.Account, bool) {
	if teamID == "" {
		return domain.Account{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.TeamID == teamID {
			return *a, true
		}
	}
	return domain.Account{}, false
}

// FindIndexByNote 按 note 查找账号索引，不存在返回 -1。
func (s *AccountStore) FindIndexByNote(note string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Note != "" && strings.EqualFold(a.Note, note) {
			return a.Index
		}
	}
	return -1
}

// HealthScore 计算账号健康度。新账号恰好为 100。
func HealthScore(a *domain.Account, now time.Time) float64 {
	score := 100.0

	if a.State.IsJWTValid(now) {
		score += 20
	}
	if a.State.SessionName != "" {
		score += 10
	}
	if refreshed := a.RefreshedAt(); !refreshed.IsZero() && now.Sub(refreshed) < time.Hour {
		score += 15
	}

	score -= 50 * (1 - a.State.SuccessRate())
	score -= 15 * float64(a.State.ConsecutiveErrors)

	bonus := 2 * float64(a.State.ConsecutiveSuccesses)
	if bonus > 20 {
		bonus = 20
	}
	score += bonus

	score -= 10 * float64(a.State.ConcurrentRequests)

	if !a.State.LastErrorAt.IsZero() && now.Sub(a.State.LastErrorAt) < 300*time.Second {
		score -= 25
	}

	score -= 0.01 * a.State.AvgResponseTimeMs()
	return score
}

// SelectAccount 选出健康度最高的可用账号。
// 平分时优先并发更低者，再优先索引更小者。
func (s *AccountStore) SelectAccount(excluded map[int]struct{}) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *domain.Account
	bestScore := 0.0
	invalidCount := 0

	for _, a := range s.accounts {
		if _, skip := excluded[a.Index]; skip {
			continue
		}
		if s.invalidCheck != nil && s.invalidCheck(a.Index) {
			invalidCount++
			continue
		}
		if !a.IsUsable(now) {
			continue
		}
		score := HealthScore(a, now)
		if best == nil {
			best, bestScore = a, score
			continue
		}
		if score > bestScore {
			best, bestScore = a, score
			continue
		}
		if score == bestScore {
			if a.State.ConcurrentRequests < best.State.ConcurrentRequests ||
				(a.State.ConcurrentRequests == best.State.ConcurrentRequests && a.Index < best.Index) {
				best = a
			}
		}
	}

	if best == nil {
		return domain.Account{}, s.noAccountErrorLocked(now, invalidCount)
	}
	return *best, nil
}

func (s *AccountStore) noAccountErrorLocked(now time.Time, invalidCount int) error {
	if invalidCount > 0 {
		return apperrors.NoAvailableAccount("所有账号凭证无效，正在后台刷新中，请稍后重试")
	}
	nearest := 0
	for _, a := range s.accounts {
		if !a.Available {
			continue
		}
		remaining := a.State.CooldownRemaining(now)
		if remaining > 0 && (nearest == 0 || remaining < nearest) {
			nearest = remaining
		}
	}
	if nearest > 0 {
		return apperrors.NoAvailableAccount("所有账号处于冷却中，最近的账号约 %d 秒后可用", nearest)
	}
	return apperrors.NoAvailableAccount("账号池为空或全部不可用")
}

// FreshestAvailable 返回凭据最新的可用账号，排除指定索引。
func (s *AccountStore) FreshestAvailable(excludeIndex int) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var candidates []*domain.Account
	for _, a := range s.accounts {
		if a.Index == excludeIndex {
			continue
		}
		if s.invalidCheck != nil && s.invalidCheck(a.Index) {
			continue
		}
		if a.IsUsable(now) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return domain.Account{}, apperrors.NoAvailableAccount("没有其他可用账号")
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RefreshedAt().After(candidates[j].RefreshedAt())
	})
	return *candidates[0], nil
}

// MarkCooldown 将账号置入冷却期。
// auth_error / generic_error 会同时作废 JWT 与 session 并计一次失败。
// rate_limit 的冷却时长是 300 秒与太平洋时间零点剩余秒数中的较大者。
func (s *AccountStore) MarkCooldown(index int, reason domain.CooldownReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.accounts) {
		return
	}

	now := s.now()
	a := s.accounts[index]

	var d time.Duration
	switch reason {
	case domain.CooldownAuthError:
		d = s.cooldown.AuthError
	case domain.CooldownRateLimit:
		d = s.cooldown.RateLimit
		if untilMidnight := time.Duration(SecondsUntilPTMidnight(now)) * time.Second; untilMidnight > d {
			d = untilMidnight
		}
	default:
		d = s.cooldown.GenericError
	}

	a.State.CooldownUntil = now.Add(d)
	a.State.CooldownReason = reason

	if reason == domain.CooldownAuthError || reason == domain.CooldownGenericError {
		a.State.JWT = ""
		a.State.JWTExpiresAt = time.Time{}
		a.State.SessionName = ""
		a.State.FailedRequests++
		if a.State.FailedRequests > a.State.TotalRequests {
			a.State.TotalRequests = a.State.FailedRequests
		}
	}

	s.logger.Warn("accounts.cooldown",
		zap.Int("index", index),
		zap.String("reason", string(reason)),
		zap.Duration("duration", d))
}

// RecordRequestStart 标记一次请求开始。
func (s *AccountStore) RecordRequestStart(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.accounts) {
		s.accounts[index].State.RecordRequestStart(s.now())
	}
}

// RecordRequestEnd 标记一次请求结束。
func (s *AccountStore) RecordRequestEnd(index int, success bool, responseTimeMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.accounts) {
		s.accounts[index].State.RecordRequestEnd(success, responseTimeMs, s.now())
	}
}

// UpdateJWT 写入新 JWT。
func (s *AccountStore) UpdateJWT(index int, jwt string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.accounts) {
		s.accounts[index].State.JWT = jwt
		s.accounts[index].State.JWTExpiresAt = expiresAt
	}
}

// UpdateSession 绑定上游 session。
func (s *AccountStore) UpdateSession(index int, sessionName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.accounts) {
		s.accounts[index].State.SessionName = sessionName
	}
}

// InvalidateJWT 作废账号缓存的 JWT。
func (s *AccountStore) InvalidateJWT(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.accounts) {
		s.accounts[index].State.JWT = ""
		s.accounts[index].State.JWTExpiresAt = time.Time{}
	}
}

// DecayStatistics 周期性衰减统计，默认系数 0.9。
func (s *AccountStore) DecayStatistics(factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		a.State.Decay(factor)
	}
}

// UpdateCredentials 持久化新凭证并热加载账号。
func (s *AccountStore) UpdateCredentials(index int, creds domain.AccountCredentials) error {
	if err := s.repo.UpdateAccount(index, creds); err != nil {
		return err
	}
	return s.ReloadAccount(index)
}

// AppendAccount 持久化新账号并全量加载。
func (s *AccountStore) AppendAccount(creds domain.AccountCredentials) (int, error) {
	index, err := s.repo.AppendAccount(creds)
	if err != nil {
		return 0, err
	}
	if err := s.Reload(); err != nil {
		return 0, err
	}
	return index, nil
}

// RemoveAccount 删除账号并全量加载（后续索引前移）。
func (s *AccountStore) RemoveAccount(index int) error {
	if err := s.repo.RemoveAccount(index); err != nil {
		return err
	}
	return s.Reload()
}
