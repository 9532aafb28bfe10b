package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

type fakeAccountRepo struct {
	accounts []domain.AccountCredentials
}

func (f *fakeAccountRepo) LoadAccounts() ([]domain.AccountCredentials, error) {
	out := make([]domain.AccountCredentials, len(f.accounts))
	copy(out, f.accounts)
	return out, nil
}

func (f *fakeAccountRepo) SaveAccounts(accounts []domain.AccountCredentials) error {
	f.accounts = append([]domain.AccountCredentials(nil), accounts...)
	return nil
}

func (f *fakeAccountRepo) UpdateAccount(index int, creds domain.AccountCredentials) error {
	f.accounts[index] = creds
	return nil
}

func (f *fakeAccountRepo) AppendAccount(creds domain.AccountCredentials) (int, error) {
	f.accounts = append(f.accounts, creds)
	return len(f.accounts) - 1, nil
}

func (f *fakeAccountRepo) RemoveAccount(index int) error {
	f.accounts = append(f.accounts[:index], f.accounts[index+1:]...)
	return nil
}

func testCooldownConfig() config.CooldownConfig {
	return config.CooldownConfig{
		AuthError:    900 * time.Second,
		RateLimit:    300 * time.Second,
		GenericError: 120 * time.Second,
	}
}

func newTestStore(t *testing.T, n int) (*AccountStore, *fakeAccountRepo) {
	t.Helper()
	repo := &fakeAccountRepo{}
	for i := 0; i < n; i++ {
		repo.accounts = append(repo.accounts, domain.AccountCredentials{
			TeamID:     "team-" + string(rune('a'+i)),
			Csesidx:    "csx-" + string(rune('a'+i)),
			SecureCSes: "ses",
			Note:       "acct" + string(rune('a'+i)),
			Available:  true,
		})
	}
	store, err := NewAccountStore(repo, testCooldownConfig(), zap.NewNop())
	require.NoError(t, err)
	return store, repo
}

func TestHealthScoreNewAccount(t *testing.T) {
	t.Parallel()

	acc := &domain.Account{AccountCredentials: domain.AccountCredentials{Available: true}}
	require.Equal(t, 100.0, HealthScore(acc, time.Now()))
}

func TestHealthScoreComponents(t *testing.T) {
	t.Parallel()

	now := time.Now()
	acc := &domain.Account{
		AccountCredentials: domain.AccountCredentials{
			Available:   true,
			RefreshTime: now.Add(-10 * time.Minute).Format(time.RFC3339),
		},
	}
	acc.State.JWT = "tok"
	acc.State.JWTExpiresAt = now.Add(2 * time.Minute)
	acc.State.SessionName = "sessions/s1"

	// 100 + 20 (jwt) + 10 (session) + 15 (fresh refresh)
	require.Equal(t, 145.0, HealthScore(acc, now))

	acc.State.ConcurrentRequests = 2
	require.Equal(t, 125.0, HealthScore(acc, now))

	acc.State.ConsecutiveErrors = 1
	acc.State.LastErrorAt = now.Add(-10 * time.Second)
	// -15 连续错误 -25 近期错误
	require.Equal(t, 85.0, HealthScore(acc, now))
}

func TestSelectAccountPicksHighestScore(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 3)

	// 给 1 号一个有效 JWT，让它得分更高
	store.UpdateJWT(1, "tok", time.Now().Add(2*time.Minute))

	acc, err := store.SelectAccount(nil)
	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)
}

func TestSelectAccountTieBreaksOnConcurrencyThenIndex(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 3)

	// 全部同分时取最小索引
	acc, err := store.SelectAccount(nil)
	require.NoError(t, err)
	require.Equal(t, 0, acc.Index)

	// 0 号并发更高时让位给 1 号
	store.RecordRequestStart(0)
	acc, err = store.SelectAccount(nil)
	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)
}

func TestSelectAccountExclusions(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 2)

	excluded := map[int]struct{}{0: {}}
	acc, err := store.SelectAccount(excluded)
	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)

	excluded[1] = struct{}{}
	_, err = store.SelectAccount(excluded)
	require.Error(t, err)
	require.True(t, apperrors.IsReason(err, apperrors.ReasonNoAvailableAccount))
}

func TestSelectAccountSkipsKnownInvalid(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 2)
	store.SetInvalidChecker(func(index int) bool { return index == 0 })

	acc, err := store.SelectAccount(nil)
	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)

	store.SetInvalidChecker(func(int) bool { return true })
	_, err = store.SelectAccount(nil)
	require.Error(t, err)
	appErr := apperrors.FromError(err)
	require.Contains(t, appErr.Message, "后台刷新")
}

func TestMarkCooldownAuthClearsCredentialsAndCountsFailure(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 1)
	store.UpdateJWT(0, "tok", time.Now().Add(time.Minute))
	store.UpdateSession(0, "sessions/s1")

	store.MarkCooldown(0, domain.CooldownAuthError)

	acc, ok := store.GetByIndex(0)
	require.True(t, ok)
	require.Empty(t, acc.State.JWT)
	require.Empty(t, acc.State.SessionName)
	require.EqualValues(t, 1, acc.State.FailedRequests)
	require.False(t, acc.IsUsable(time.Now()))
	require.LessOrEqual(t, acc.State.FailedRequests, acc.State.TotalRequests)

	remaining := acc.State.CooldownRemaining(time.Now())
	require.Greater(t, remaining, 890)
	require.LessOrEqual(t, remaining, 900)
}

func TestMarkCooldownIsIdempotentOnRepeat(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 1)

	store.MarkCooldown(0, domain.CooldownGenericError)
	first, _ := store.GetByIndex(0)

	store.MarkCooldown(0, domain.CooldownGenericError)
	second, _ := store.GetByIndex(0)

	// 重复标记只会从当前时刻顺延，不叠加时长
	require.WithinDuration(t, first.State.CooldownUntil, second.State.CooldownUntil, 2*time.Second)
	require.EqualValues(t, 2, second.State.FailedRequests)
	require.LessOrEqual(t, second.State.FailedRequests, second.State.TotalRequests)
}

func TestMarkCooldownRateLimitUsesPTMidnight(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 1)

	// 固定在太平洋时间中午，距零点 12 小时，远超 300 秒下限
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)
	store.now = func() time.Time { return noon }

	store.MarkCooldown(0, domain.CooldownRateLimit)
	acc, _ := store.GetByIndex(0)

	require.Equal(t, 12*3600, acc.State.CooldownRemaining(noon))
	// rate_limit 不作废 session，也不计失败
	require.EqualValues(t, 0, acc.State.FailedRequests)
}

func TestSecondsUntilPTMidnightBoundaries(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	almostMidnight := time.Date(2026, 3, 2, 23, 59, 59, 0, loc)
	require.Equal(t, 1, SecondsUntilPTMidnight(almostMidnight))

	justAfter := time.Date(2026, 3, 2, 0, 0, 1, 0, loc)
	require.Equal(t, 86399, SecondsUntilPTMidnight(justAfter))
}

func TestNoAccountErrorReportsNearestCooldown(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 2)
	store.MarkCooldown(0, domain.CooldownAuthError)    // 900s
	store.MarkCooldown(1, domain.CooldownGenericError) // 120s

	_, err := store.SelectAccount(nil)
	require.Error(t, err)
	appErr := apperrors.FromError(err)
	require.Contains(t, appErr.Message, "120")
}

func TestFreshestAvailableOrdersByRefreshTime(t *testing.T) {
	t.Parallel()

	repo := &fakeAccountRepo{accounts: []domain.AccountCredentials{
		{TeamID: "t0", SecureCSes: "s", Available: true, RefreshTime: time.Now().Add(-3 * time.Hour).Format(time.RFC3339)},
		{TeamID: "t1", SecureCSes: "s", Available: true, RefreshTime: time.Now().Add(-1 * time.Hour).Format(time.RFC3339)},
		{TeamID: "t2", SecureCSes: "s", Available: true, RefreshTime: time.Now().Add(-2 * time.Hour).Format(time.RFC3339)},
	}}
	store, err := NewAccountStore(repo, testCooldownConfig(), zap.NewNop())
	require.NoError(t, err)

	acc, err := store.FreshestAvailable(-1)
	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)

	// 排除最新者则取次新
	acc, err = store.FreshestAvailable(1)
	require.NoError(t, err)
	require.Equal(t, 2, acc.Index)
}

func TestReloadAccountPreservesStatsClearsSession(t *testing.T) {
	t.Parallel()

	store, repo := newTestStore(t, 1)
	store.RecordRequestStart(0)
	store.RecordRequestEnd(0, true, 100)
	store.UpdateSession(0, "sessions/old")

	repo.accounts[0].SecureCSes = "new-cookie"
	require.NoError(t, store.ReloadAccount(0))

	acc, _ := store.GetByIndex(0)
	require.Equal(t, "new-cookie", acc.SecureCSes)
	require.EqualValues(t, 1, acc.State.TotalRequests)
	require.Empty(t, acc.State.SessionName)
	require.Empty(t, acc.State.JWT)
}
