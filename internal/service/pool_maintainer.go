package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
)

const (
	// 启动后先让其他服务就位再开始健康检查
	maintainerStartupGrace = 30 * time.Second
	// 一批注册最多等 10 分钟
	maintainerRegisterWait = 10 * time.Minute
	// 注册批次之间的间隔
	maintainerBatchPause = 5 * time.Second
	// 单批最多同时注册 2 个，浏览器实例吃内存
	maintainerBatchSize = 2

	maintainerDecayFactor   = 0.9
	maintainerImageMaxAge   = 24 * time.Hour
	maintainerCleanupPeriod = time.Hour
)

// accountLifecycle 是维护器需要的生命周期管理能力子集。
type accountLifecycle interface {
	RefreshNow(ctx context.Context, index int) error
	WaitForRegistrations(ctx context.Context, emails []string, timeout time.Duration) map[string]RegisterResult
	SyncAccounts(emails []string) (queuedRegister, queuedRefresh int)
	ClearInvalid(index int)
	SetFailureRecorder(r refreshFailureRecorder)
	Status() LifecycleStatus
}

// PoolMaintainer 账号池维护器。
//
// 定期健康检查，激进删除不健康账号并自动注册补足目标数量。
// 删除条件：凭证过期且强刷失败、刷新失败或连续错误次数超限、
// 必要凭证字段缺失。
type PoolMaintainer struct {
	cfg          config.PoolConfig
	store        *AccountStore
	lifecycle    accountLifecycle
	emails       CredentialEmails
	binder       *Binder
	images       *ImageService
	files        *FileUploadService
	domainSuffix string
	logger       *zap.Logger

	cron *cron.Cron
	rng  *rand.Rand

	mu                sync.Mutex
	refreshFailures   map[string]int
	consecutiveErrors map[string]int

	replenishMu sync.Mutex

	cancel context.CancelFunc
}

// NewPoolMaintainer 创建账号池维护器并接到生命周期管理器上。
func NewPoolMaintainer(cfg config.PoolConfig, loginCfg config.LoginConfig, store *AccountStore, lifecycle accountLifecycle, emails CredentialEmails, binder *Binder, images *ImageService, files *FileUploadService, logger *zap.Logger) *PoolMaintainer {
	m := &PoolMaintainer{
		cfg:               cfg,
		store:             store,
		lifecycle:         lifecycle,
		emails:            emails,
		binder:            binder,
		images:            images,
		files:             files,
		domainSuffix:      strings.TrimPrefix(loginCfg.EmailDomain, "@"),
		logger:            logger.Named("pool"),
		cron:              cron.New(),
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		refreshFailures:   map[string]int{},
		consecutiveErrors: map[string]int{},
	}
	lifecycle.SetFailureRecorder(m)
	return m
}

// Start 启动定时任务并对齐一次 credient.txt。
func (m *PoolMaintainer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { m.runCycle(ctx) }))
	m.cron.Schedule(cron.Every(maintainerCleanupPeriod), cron.FuncJob(func() { m.runCleanup(ctx) }))
	m.cron.Start()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(maintainerStartupGrace):
		}
		if emails, err := m.emails.ListEmails(); err == nil {
			m.lifecycle.SyncAccounts(emails)
		}
		m.runCycle(ctx)
	}()

	m.logger.Info("pool.started",
		zap.Int("target", m.cfg.TargetCount),
		zap.Duration("interval", interval))
}

// Stop 停止定时任务。
func (m *PoolMaintainer) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.logger.Info("pool.stopped")
}

func (m *PoolMaintainer) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m.HealthCheck(ctx)
	m.Replenish(ctx)
	m.logStatus()
}

func (m *PoolMaintainer) runCleanup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m.store.DecayStatistics(maintainerDecayFactor)
	if _, err := m.binder.CleanupExpired(ctx); err != nil {
		m.logger.Warn("pool.conversation_cleanup_failed", zap.Error(err))
	}
	m.images.CleanupOldImages(maintainerImageMaxAge)
	m.files.CleanupExpired()
}

// HealthCheck 检查所有账号并删除不健康的，返回删除数量。
func (m *PoolMaintainer) HealthCheck(ctx context.Context) int {
	deleted := 0
	for _, acc := range m.store.Snapshot() {
		if !acc.Available {
			continue
		}
		note := acc.Note
		if note == "" {
			note = fmt.Sprintf("账号%d", acc.Index)
		}

		reason := ""

		// 凭证超龄先尝试强刷，刷不动才删
		if refreshedAt := acc.RefreshedAt(); !refreshedAt.IsZero() {
			if age := time.Since(refreshedAt); age > m.cfg.CredentialExpire {
				m.logger.Info("pool.credential_expired",
					zap.String("note", note),
					zap.Duration("age", age))
				if err := m.lifecycle.RefreshNow(ctx, acc.Index); err != nil {
					m.RecordRefreshFailure(note)
					reason = "凭证过期且刷新失败"
				} else {
					m.mu.Lock()
					delete(m.refreshFailures, note)
					m.mu.Unlock()
				}
			}
		}

		m.mu.Lock()
		failures := m.refreshFailures[note]
		errors := m.consecutiveErrors[note]
		m.mu.Unlock()

		if reason == "" && failures >= m.cfg.MaxRefreshFailures {
			reason = fmt.Sprintf("刷新失败 %d 次", failures)
		}
		if reason == "" && errors >= m.cfg.MaxConsecutiveErrors {
			reason = fmt.Sprintf("连续错误 %d 次", errors)
		}
		if reason == "" && !acc.HasCredentials() {
			reason = "缺少必要凭证"
		}

		if reason == "" {
			continue
		}
		if err := m.DeleteAccount(note); err != nil {
			m.logger.Error("pool.delete_failed", zap.String("note", note), zap.Error(err))
			continue
		}
		m.logger.Warn("pool.account_deleted",
			zap.String("note", note), zap.String("reason", reason))
		deleted++
	}
	return deleted
}

// DeleteAccount 按备注删除账号：config.json、credient.txt 和失败计数一起清。
func (m *PoolMaintainer) DeleteAccount(note string) error {
	// 删除会移动索引，按备注现查
	index := m.store.FindIndexByNote(note)
	if index < 0 {
		return fmt.Errorf("账号 %s 不存在", note)
	}

	if emails, err := m.emails.ListEmails(); err == nil {
		for _, email := range emails {
			if strings.EqualFold(emailLocalPart(email), note) {
				if err := m.emails.RemoveEmail(email); err != nil {
					m.logger.Warn("pool.remove_email_failed",
						zap.String("email", email), zap.Error(err))
				}
				break
			}
		}
	}

	if err := m.store.RemoveAccount(index); err != nil {
		return err
	}
	m.lifecycle.ClearInvalid(index)

	m.mu.Lock()
	delete(m.refreshFailures, note)
	delete(m.consecutiveErrors, note)
	m.mu.Unlock()
	return nil
}

// Replenish 可用账号不足目标数量时补注册，分批进行。
func (m *PoolMaintainer) Replenish(ctx context.Context) {
	m.replenishMu.Lock()
	defer m.replenishMu.Unlock()

	if m.domainSuffix == "" {
		return
	}

	needed := m.cfg.TargetCount - m.availableCount()
	if needed <= 0 {
		return
	}
	m.logger.Info("pool.replenish",
		zap.Int("needed", needed),
		zap.Int("target", m.cfg.TargetCount))

	for batch := 0; batch*maintainerBatchSize < needed; batch++ {
		if ctx.Err() != nil {
			return
		}
		size := needed - batch*maintainerBatchSize
		if size > maintainerBatchSize {
			size = maintainerBatchSize
		}

		emails := make([]string, 0, size)
		for i := 0; i < size; i++ {
			email, err := m.newUniqueEmail()
			if err != nil {
				m.logger.Error("pool.generate_email_failed", zap.Error(err))
				continue
			}
			if err := m.emails.AppendEmail(email); err != nil {
				m.logger.Error("pool.append_email_failed", zap.Error(err))
				continue
			}
			emails = append(emails, email)
		}
		if len(emails) == 0 {
			return
		}

		results := m.lifecycle.WaitForRegistrations(ctx, emails, maintainerRegisterWait)
		succeeded := 0
		for email, r := range results {
			if r.Success {
				succeeded++
				continue
			}
			// 注册失败的邮箱不留在 credient.txt 里
			if err := m.emails.RemoveEmail(email); err != nil {
				m.logger.Warn("pool.remove_email_failed", zap.String("email", email), zap.Error(err))
			}
			m.logger.Warn("pool.register_failed",
				zap.String("email", email), zap.String("error", r.Err))
		}
		m.logger.Info("pool.batch_done",
			zap.Int("batch", batch+1),
			zap.Int("succeeded", succeeded),
			zap.Int("attempted", len(emails)))

		if (batch+1)*maintainerBatchSize < needed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(maintainerBatchPause):
			}
		}
	}
}

// ReplaceAccount 删掉出图失败的账号并注册一个新账号顶上。
func (m *PoolMaintainer) ReplaceAccount(index int, note string) {
	m.logger.Warn("pool.replace_account",
		zap.Int("index", index), zap.String("note", note))

	if err := m.DeleteAccount(note); err != nil {
		m.logger.Error("pool.replace_delete_failed", zap.String("note", note), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), maintainerRegisterWait)
	defer cancel()

	email, err := m.newUniqueEmail()
	if err != nil {
		m.logger.Error("pool.generate_email_failed", zap.Error(err))
		return
	}
	if err := m.emails.AppendEmail(email); err != nil {
		m.logger.Error("pool.append_email_failed", zap.Error(err))
		return
	}

	results := m.lifecycle.WaitForRegistrations(ctx, []string{email}, maintainerRegisterWait)
	if r := results[email]; !r.Success {
		if err := m.emails.RemoveEmail(email); err != nil {
			m.logger.Warn("pool.remove_email_failed", zap.String("email", email), zap.Error(err))
		}
		m.logger.Error("pool.replace_register_failed",
			zap.String("email", email), zap.String("error", r.Err))
		return
	}
	m.logger.Info("pool.replace_done",
		zap.String("note", note), zap.String("email", email))
}

// RecordRefreshFailure 累计刷新失败次数（生命周期管理器回调）。
func (m *PoolMaintainer) RecordRefreshFailure(note string) {
	if note == "" {
		return
	}
	m.mu.Lock()
	m.refreshFailures[note]++
	count := m.refreshFailures[note]
	m.mu.Unlock()
	m.logger.Warn("pool.refresh_failure_recorded",
		zap.String("note", note), zap.Int("count", count))
}

// RecordError 累计账号使用错误次数。
func (m *PoolMaintainer) RecordError(note string) {
	if note == "" {
		return
	}
	m.mu.Lock()
	m.consecutiveErrors[note]++
	count := m.consecutiveErrors[note]
	m.mu.Unlock()
	if count >= m.cfg.MaxConsecutiveErrors {
		m.logger.Warn("pool.error_threshold_reached",
			zap.String("note", note), zap.Int("count", count))
	}
}

// ClearError 账号成功使用后清零错误计数。
func (m *PoolMaintainer) ClearError(note string) {
	m.mu.Lock()
	delete(m.consecutiveErrors, note)
	m.mu.Unlock()
}

// PoolStatus 账号池状态快照。
type PoolStatus struct {
	Total             int             `json:"total"`
	Available         int             `json:"available"`
	Usable            int             `json:"usable"`
	Target            int             `json:"target"`
	RefreshFailures   map[string]int  `json:"refresh_failures,omitempty"`
	ConsecutiveErrors map[string]int  `json:"consecutive_errors,omitempty"`
	Lifecycle         LifecycleStatus `json:"lifecycle"`
}

// Status 返回状态快照。
func (m *PoolMaintainer) Status() PoolStatus {
	m.mu.Lock()
	failures := make(map[string]int, len(m.refreshFailures))
	for k, v := range m.refreshFailures {
		failures[k] = v
	}
	errors := make(map[string]int, len(m.consecutiveErrors))
	for k, v := range m.consecutiveErrors {
		errors[k] = v
	}
	m.mu.Unlock()

	return PoolStatus{
		Total:             m.store.Count(),
		Available:         m.availableCount(),
		Usable:            m.store.UsableCount(),
		Target:            m.cfg.TargetCount,
		RefreshFailures:   failures,
		ConsecutiveErrors: errors,
		Lifecycle:         m.lifecycle.Status(),
	}
}

func (m *PoolMaintainer) availableCount() int {
	count := 0
	for _, acc := range m.store.Snapshot() {
		if acc.Available {
			count++
		}
	}
	return count
}

// newUniqueEmail 生成不与 credient.txt 重复的随机邮箱。
func (m *PoolMaintainer) newUniqueEmail() (string, error) {
	existing, err := m.emails.ListEmails()
	if err != nil {
		return "", err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[strings.ToLower(e)] = struct{}{}
	}

	for attempt := 0; attempt < 100; attempt++ {
		length := 6 + m.rng.Intn(7)
		prefix := make([]byte, length)
		for i := range prefix {
			prefix[i] = byte('a' + m.rng.Intn(26))
		}
		email := string(prefix) + "@" + m.domainSuffix
		if _, ok := seen[email]; !ok {
			return email, nil
		}
	}
	// 反复撞车就用时间戳兜底
	return fmt.Sprintf("a%d@%s", time.Now().Unix(), m.domainSuffix), nil
}

func (m *PoolMaintainer) logStatus() {
	status := m.Status()
	m.logger.Info("pool.status",
		zap.Int("total", status.Total),
		zap.Int("available", status.Available),
		zap.Int("usable", status.Usable),
		zap.Int("target", status.Target))
}
