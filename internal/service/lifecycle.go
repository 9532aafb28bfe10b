package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pond "github.com/alitto/pond/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

const (
	lifecycleCheckInterval   = 60 * time.Second
	lifecycleRefreshCooldown = 300 * time.Second
	lifecycleIdlePoll        = 30 * time.Second
	lifecycleActivePoll      = 500 * time.Millisecond
	// 约 30 分钟无任务后释放浏览器和邮箱连接
	lifecycleIdleTeardown = 60
)

// RegisterResult 单个邮箱的注册结果。
type RegisterResult struct {
	Success bool
	Err     string
}

// refreshFailureRecorder 由账号池维护器实现，按备注累计刷新失败次数。
type refreshFailureRecorder interface {
	RecordRefreshFailure(note string)
}

// Lifecycle 管理凭证的后台刷新与新账号注册。
//
// 刷新和注册请求进入各自的 FIFO 队列，由固定容量的工作池消费，
// 注册优先。同一账号 5 分钟内不重复刷新。长时间无任务时释放
// 浏览器和邮箱连接，下次任务再懒启动。
type Lifecycle struct {
	cfg    config.PoolConfig
	store  *AccountStore
	worker *BrowserWorker
	hub    *CodeHub
	minter *JWTMinter
	logger *zap.Logger

	recorder refreshFailureRecorder

	mu              sync.Mutex
	refreshQueue    []int
	registerQueue   []string
	refreshing      map[int]struct{}
	queuedAccounts  map[int]struct{}
	registering     map[string]struct{}
	queuedEmails    map[string]struct{}
	invalidAccounts map[int]struct{}
	lastRefreshAt   map[int]time.Time
	registerResults map[string]RegisterResult
	activeTasks     int
	hubActive       bool

	// 凭证检查结果缓存，60 秒内不重复探测
	checkCache *gocache.Cache

	tasks  pond.Pool
	wake   chan struct{}
	cancel context.CancelFunc
}

// NewLifecycle 创建生命周期管理器并接线到账号仓库和 JWT 服务。
func NewLifecycle(cfg config.PoolConfig, store *AccountStore, worker *BrowserWorker, hub *CodeHub, minter *JWTMinter, logger *zap.Logger) *Lifecycle {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	l := &Lifecycle{
		cfg:             cfg,
		store:           store,
		worker:          worker,
		hub:             hub,
		minter:          minter,
		logger:          logger.Named("lifecycle"),
		refreshing:      make(map[int]struct{}),
		queuedAccounts:  make(map[int]struct{}),
		registering:     make(map[string]struct{}),
		queuedEmails:    make(map[string]struct{}),
		invalidAccounts: make(map[int]struct{}),
		lastRefreshAt:   make(map[int]time.Time),
		registerResults: make(map[string]RegisterResult),
		checkCache:      gocache.New(lifecycleCheckInterval, time.Minute),
		tasks:           pond.NewPool(maxConcurrent),
		wake:            make(chan struct{}, 1),
	}
	store.SetInvalidChecker(l.IsKnownInvalid)
	minter.SetRefreshScheduler(l)
	return l
}

// SetFailureRecorder 注入刷新失败记录器（构造后接线，避免依赖环）。
func (l *Lifecycle) SetFailureRecorder(r refreshFailureRecorder) {
	l.recorder = r
}

// Start 启动后台工作协程。
func (l *Lifecycle) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.workerLoop(ctx)
	l.logger.Info("lifecycle.started", zap.Int("max_concurrent", l.cfg.MaxConcurrent))
}

// Stop 停止工作协程并释放共享资源。
func (l *Lifecycle) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.tasks.StopAndWait()
	l.teardownShared()
	l.logger.Info("lifecycle.stopped")
}

// IsKnownInvalid 账号是否已被标记为凭证无效。
func (l *Lifecycle) IsKnownInvalid(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.invalidAccounts[index]
	return ok
}

// MarkInvalid 标记账号凭证无效。
func (l *Lifecycle) MarkInvalid(index int) {
	l.mu.Lock()
	l.invalidAccounts[index] = struct{}{}
	l.mu.Unlock()
	l.logger.Info("lifecycle.marked_invalid", zap.Int("index", index))
}

// ClearInvalid 凭证恢复有效后移除标记。
func (l *Lifecycle) ClearInvalid(index int) {
	l.mu.Lock()
	delete(l.invalidAccounts, index)
	l.mu.Unlock()
}

// QueueRefresh 把账号加入后台刷新队列（非阻塞，去重，带 5 分钟冷却）。
func (l *Lifecycle) QueueRefresh(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.refreshing[index]; ok {
		return
	}
	if _, ok := l.queuedAccounts[index]; ok {
		return
	}
	if last, ok := l.lastRefreshAt[index]; ok && time.Since(last) < lifecycleRefreshCooldown {
		return
	}

	l.invalidAccounts[index] = struct{}{}
	l.queuedAccounts[index] = struct{}{}
	l.refreshQueue = append(l.refreshQueue, index)
	l.wakeWorker()
	l.logger.Info("lifecycle.refresh_queued", zap.Int("index", index))
}

// QueueRegister 把邮箱加入注册队列（非阻塞，去重）。
// 已有同备注账号时直接跳过。
func (l *Lifecycle) QueueRegister(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return false
	}
	if l.store.FindIndexByNote(emailLocalPart(email)) >= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.registering[email]; ok {
		return false
	}
	if _, ok := l.queuedEmails[email]; ok {
		return false
	}
	l.queuedEmails[email] = struct{}{}
	l.registerQueue = append(l.registerQueue, email)
	l.wakeWorker()
	l.logger.Info("lifecycle.register_queued", zap.String("email", email))
	return true
}

// WaitForRegistrations 等待一批邮箱注册完成，超时的标记为失败。
func (l *Lifecycle) WaitForRegistrations(ctx context.Context, emails []string, timeout time.Duration) map[string]RegisterResult {
	for _, email := range emails {
		l.QueueRegister(email)
	}

	deadline := time.Now().Add(timeout)
	results := make(map[string]RegisterResult, len(emails))
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		l.mu.Lock()
		allDone := true
		for _, email := range emails {
			key := strings.ToLower(strings.TrimSpace(email))
			if r, ok := l.registerResults[key]; ok {
				results[key] = r
				continue
			}
			allDone = false
		}
		l.mu.Unlock()
		if allDone {
			return results
		}
		time.Sleep(time.Second)
	}

	for _, email := range emails {
		key := strings.ToLower(strings.TrimSpace(email))
		if _, ok := results[key]; !ok {
			results[key] = RegisterResult{Success: false, Err: "注册超时"}
		}
	}
	return results
}

// CheckAndRefresh 检查账号凭证，60 秒内的检查结果直接复用。
// 无效时入队后台刷新并返回 false。
func (l *Lifecycle) CheckAndRefresh(ctx context.Context, index int) bool {
	key := fmt.Sprintf("check:%d", index)
	if cached, ok := l.checkCache.Get(key); ok {
		if valid, _ := cached.(bool); valid {
			return !l.IsKnownInvalid(index)
		}
		return false
	}

	acc, ok := l.store.GetByIndex(index)
	if !ok {
		return false
	}
	_, err := l.minter.ForceRefresh(ctx, acc)
	valid := err == nil
	l.checkCache.SetDefault(key, valid)

	if valid {
		l.ClearInvalid(index)
		return true
	}
	l.logger.Warn("lifecycle.credential_check_failed", zap.Int("index", index), zap.Error(err))
	l.QueueRefresh(index)
	return false
}

// RefreshNow 同步刷新账号凭证并等待结果（健康检查用）。
// 占用与后台刷新相同的忙标记，避免重复跑浏览器流程。
func (l *Lifecycle) RefreshNow(ctx context.Context, index int) error {
	l.mu.Lock()
	if _, busy := l.refreshing[index]; busy {
		l.mu.Unlock()
		return apperrors.RequestError("账号 %d 正在后台刷新", index)
	}
	l.refreshing[index] = struct{}{}
	l.lastRefreshAt[index] = time.Now()
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.refreshing, index)
		l.mu.Unlock()
	}()

	acc, ok := l.store.GetByIndex(index)
	if !ok {
		return apperrors.NotFound("账号 %d 不存在", index)
	}

	l.ensureShared()
	creds, err := l.worker.RefreshAccount(ctx, acc.AccountCredentials)
	if err != nil {
		return err
	}
	if err := l.store.UpdateCredentials(index, *creds); err != nil {
		return err
	}
	l.ClearInvalid(index)
	l.checkCache.Delete(fmt.Sprintf("check:%d", index))
	l.logger.Info("lifecycle.refresh_now_done", zap.Int("index", index))
	return nil
}

// SyncAccounts 对齐 credient.txt 和账号池：缺失的邮箱排队注册，
// 已知无效的既有账号排队刷新。
func (l *Lifecycle) SyncAccounts(emails []string) (queuedRegister, queuedRefresh int) {
	for _, email := range emails {
		note := emailLocalPart(strings.ToLower(strings.TrimSpace(email)))
		index := l.store.FindIndexByNote(note)
		if index < 0 {
			if l.QueueRegister(email) {
				queuedRegister++
			}
			continue
		}
		if l.IsKnownInvalid(index) {
			l.QueueRefresh(index)
			queuedRefresh++
		}
	}
	l.logger.Info("lifecycle.sync_accounts",
		zap.Int("queued_register", queuedRegister),
		zap.Int("queued_refresh", queuedRefresh))
	return queuedRegister, queuedRefresh
}

// LifecycleStatus 后台刷新与注册的状态快照。
type LifecycleStatus struct {
	ActiveTasks       int           `json:"active_tasks"`
	RefreshQueueSize  int           `json:"refresh_queue_size"`
	RegisterQueueSize int           `json:"register_queue_size"`
	Refreshing        []int         `json:"refreshing_accounts"`
	InvalidAccounts   []int         `json:"invalid_accounts"`
	RegisteringEmails []string      `json:"registering_emails"`
	CodeHub           CodeHubStatus `json:"code_hub_status"`
}

// Status 返回状态快照。
func (l *Lifecycle) Status() LifecycleStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := LifecycleStatus{
		ActiveTasks:       l.activeTasks,
		RefreshQueueSize:  len(l.refreshQueue),
		RegisterQueueSize: len(l.registerQueue),
		CodeHub:           l.hub.Status(),
	}
	for idx := range l.refreshing {
		status.Refreshing = append(status.Refreshing, idx)
	}
	for idx := range l.invalidAccounts {
		status.InvalidAccounts = append(status.InvalidAccounts, idx)
	}
	for email := range l.registering {
		status.RegisteringEmails = append(status.RegisteringEmails, email)
	}
	return status
}

func (l *Lifecycle) wakeWorker() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Lifecycle) workerLoop(ctx context.Context) {
	idleCycles := 0
	for {
		if ctx.Err() != nil {
			return
		}

		started := l.dispatch(ctx)

		l.mu.Lock()
		active := l.activeTasks
		queued := len(l.refreshQueue) + len(l.registerQueue)
		l.mu.Unlock()

		if started > 0 || active > 0 || queued > 0 {
			idleCycles = 0
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			case <-time.After(lifecycleActivePoll):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			idleCycles = 0
		case <-time.After(lifecycleIdlePoll):
			idleCycles++
			if idleCycles >= lifecycleIdleTeardown {
				l.teardownShared()
				idleCycles = 0
			}
		}
	}
}

// dispatch 在有空闲槽位时派发任务，注册优先于刷新。
func (l *Lifecycle) dispatch(ctx context.Context) int {
	maxConcurrent := l.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}

	started := 0
	for {
		l.mu.Lock()
		if l.activeTasks >= maxConcurrent {
			l.mu.Unlock()
			return started
		}

		if len(l.registerQueue) > 0 {
			email := l.registerQueue[0]
			l.registerQueue = l.registerQueue[1:]
			delete(l.queuedEmails, email)
			if _, busy := l.registering[email]; busy {
				l.mu.Unlock()
				continue
			}
			l.registering[email] = struct{}{}
			l.activeTasks++
			l.mu.Unlock()

			l.ensureShared()
			l.tasks.Submit(func() { l.runRegister(ctx, email) })
			started++
			continue
		}

		if len(l.refreshQueue) > 0 {
			index := l.refreshQueue[0]
			l.refreshQueue = l.refreshQueue[1:]
			delete(l.queuedAccounts, index)
			if _, busy := l.refreshing[index]; busy {
				l.mu.Unlock()
				continue
			}
			if last, ok := l.lastRefreshAt[index]; ok && time.Since(last) < lifecycleRefreshCooldown {
				l.mu.Unlock()
				continue
			}
			l.refreshing[index] = struct{}{}
			l.lastRefreshAt[index] = time.Now()
			l.activeTasks++
			l.mu.Unlock()

			l.ensureShared()
			l.tasks.Submit(func() { l.runRefresh(ctx, index) })
			started++
			continue
		}

		l.mu.Unlock()
		return started
	}
}

func (l *Lifecycle) runRefresh(ctx context.Context, index int) {
	defer func() {
		l.mu.Lock()
		delete(l.refreshing, index)
		l.activeTasks--
		l.mu.Unlock()
		l.wakeWorker()
	}()

	acc, ok := l.store.GetByIndex(index)
	if !ok {
		l.logger.Warn("lifecycle.refresh_missing_account", zap.Int("index", index))
		return
	}

	creds, err := l.worker.RefreshAccount(ctx, acc.AccountCredentials)
	if err != nil {
		l.logger.Warn("lifecycle.refresh_failed",
			zap.Int("index", index), zap.String("note", acc.Note), zap.Error(err))
		if l.recorder != nil {
			l.recorder.RecordRefreshFailure(acc.Note)
		}
		return
	}

	if err := l.store.UpdateCredentials(index, *creds); err != nil {
		l.logger.Error("lifecycle.refresh_persist_failed", zap.Int("index", index), zap.Error(err))
		return
	}
	l.ClearInvalid(index)
	l.checkCache.Delete(fmt.Sprintf("check:%d", index))
	l.logger.Info("lifecycle.refresh_done", zap.Int("index", index), zap.String("note", acc.Note))
}

func (l *Lifecycle) runRegister(ctx context.Context, email string) {
	defer func() {
		l.mu.Lock()
		delete(l.registering, email)
		l.activeTasks--
		l.mu.Unlock()
		l.wakeWorker()
	}()

	creds, err := l.worker.RegisterAccount(ctx, email, emailLocalPart(email))
	if err != nil {
		l.logger.Warn("lifecycle.register_failed", zap.String("email", email), zap.Error(err))
		l.mu.Lock()
		l.registerResults[email] = RegisterResult{Success: false, Err: err.Error()}
		l.mu.Unlock()
		return
	}

	if _, err := l.store.AppendAccount(*creds); err != nil {
		l.logger.Error("lifecycle.register_persist_failed", zap.String("email", email), zap.Error(err))
		l.mu.Lock()
		l.registerResults[email] = RegisterResult{Success: false, Err: err.Error()}
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.registerResults[email] = RegisterResult{Success: true}
	l.mu.Unlock()
	l.logger.Info("lifecycle.register_done", zap.String("email", email))
}

// ensureShared 懒启动共享资源：验证码中心（浏览器由 worker 自己懒启动）。
func (l *Lifecycle) ensureShared() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hubActive {
		l.hub.Start()
		l.hubActive = true
	}
}

// teardownShared 释放浏览器和邮箱连接。
func (l *Lifecycle) teardownShared() {
	l.mu.Lock()
	active := l.hubActive
	l.hubActive = false
	l.mu.Unlock()

	l.worker.Close()
	if active {
		l.hub.Stop()
	}
	l.logger.Info("lifecycle.shared_resources_released")
}
