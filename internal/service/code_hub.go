package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

// 验证码轮询节奏
const (
	codeHubPollInterval  = 2 * time.Second
	codeHubIdleInterval  = 10 * time.Second
	codeHubPauseInterval = time.Second
	codeHubMailMaxAge    = 300 * time.Second
	codeHubDupWindow     = 300 * time.Second
	codeHubCodeMaxAge    = 600 * time.Second
	codeHubUIDCap        = 1000
	codeHubUIDKeep       = 500
	codeHubFetchWindow   = 20
	codeHubWaitSlice     = 5 * time.Second
)

// codeHubSender 只处理该发件人的验证邮件。
const codeHubSender = "noreply-googlecloud@google.com"

// VerificationEmail 是从邮箱取回的一封验证邮件。
type VerificationEmail struct {
	UID          uint32
	Date         time.Time
	Subject      string
	To           string
	XOriginalTo  string
	DeliveredTo  string
	Body         string
}

// Mailbox 抽象 IMAP 收件箱。Fetch 返回指定发件人最近的邮件。
type Mailbox interface {
	Connect(ctx context.Context) error
	Disconnect()
	Fetch(ctx context.Context, from string, limit int) ([]VerificationEmail, error)
}

// 验证码匹配模式，按特异性从高到低排列。
var codePatterns = []*regexp.Regexp{
	// Google Business 新版：验证码在单独一行
	regexp.MustCompile(`(?i)一次性验\s*证码为[：:]\s*\n+\s*([A-Z0-9]{6})`),
	regexp.MustCompile(`(?i)验证码为[：:]\s*\n+\s*([A-Z0-9]{6})`),
	// 旧版同一行格式
	regexp.MustCompile(`(?i)一次性验证码[\s\n]+为[：:][\s\n]*([A-Z0-9]{6})`),
	regexp.MustCompile(`(?i)验证码[\s\n]+为[：:][\s\n]*([A-Z0-9]{6})`),
	regexp.MustCompile(`(?i)验证[码\s\n]*为[：:\s]*\n*\s*([A-Z0-9]{6})`),
	regexp.MustCompile(`(?i)code[：:\s]+([A-Z0-9]{6})`),
	regexp.MustCompile(`G-(\d{6})`),
	regexp.MustCompile(`(?i)验证码[：:]\s*([A-Z0-9]{6})`),
	regexp.MustCompile(`(?i)verification code[：:\s]*([A-Z0-9]{6})`),
	regexp.MustCompile(`(?i)security code[：:\s]*([A-Z0-9]{6})`),
	// 宽松兜底：独立行上的 6 位码
	regexp.MustCompile(`\n\s*([A-Z0-9]{6})\s*\n`),
	regexp.MustCompile(`(?:验证码|code|Code)[^\d]*(\d{6})`),
}

var emailAddrPattern = regexp.MustCompile(`[\w.\-+]+@[\w.\-]+\.\w+`)

// transportDomains 转发邮箱域名，To 头命中时收件人要从正文里找。
var transportDomains = []string{"qq.com", "163.com", "126.com"}

// excludedBodyDomains 正文扫描时跳过的发送方/转发方域名。
var excludedBodyDomains = map[string]struct{}{
	"qq.com": {}, "163.com": {}, "126.com": {}, "gmail.com": {},
	"google.com": {}, "googlemail.com": {}, "outlook.com": {}, "hotmail.com": {},
}

type codeEntry struct {
	code string
	at   time.Time
}

// CodeHub 持续轮询邮箱，把验证码按目标邮箱精确投递给等待者。
//
// 每个验证码只会交付一次：精确匹配的收件人队列优先，无法识别
// 收件人的验证码进入全局后备队列按到达顺序取用。
type CodeHub struct {
	mailbox Mailbox
	logger  *zap.Logger

	mu            sync.Mutex
	codesByEmail  map[string][]codeEntry
	fallbackQueue []codeEntry
	processedUIDs map[uint32]struct{}
	uidOrder      []uint32
	waiting       int
	paused        bool
	running       bool
	notify        chan struct{}
	cancel        context.CancelFunc

	// 去重缓存：同一收件人同一验证码 300 秒内只收录一次
	dupCache *gocache.Cache

	now func() time.Time
}

// NewCodeHub 创建验证码中心。
func NewCodeHub(mailbox Mailbox, logger *zap.Logger) *CodeHub {
	return &CodeHub{
		mailbox:       mailbox,
		logger:        logger.Named("code_hub"),
		codesByEmail:  make(map[string][]codeEntry),
		processedUIDs: make(map[uint32]struct{}),
		notify:        make(chan struct{}),
		dupCache:      gocache.New(codeHubDupWindow, time.Minute),
		now:           time.Now,
	}
}

// Start 启动轮询协程。重复调用无效果。
func (h *CodeHub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.mu.Unlock()

	go h.pollLoop(ctx)
	h.logger.Info("codehub.started")
}

// Stop 停止轮询并断开连接。
func (h *CodeHub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.mailbox.Disconnect()
	h.logger.Info("codehub.stopped")
}

// Pause 暂停轮询并释放 IMAP 连接，供其他用途独占邮箱。
func (h *CodeHub) Pause() {
	h.mu.Lock()
	already := h.paused
	h.paused = true
	h.mu.Unlock()
	if !already {
		h.mailbox.Disconnect()
		h.logger.Info("codehub.paused")
	}
}

// Resume 恢复轮询。
func (h *CodeHub) Resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	h.logger.Info("codehub.resumed")
}

func (h *CodeHub) pollLoop(ctx context.Context) {
	idleCount := 0
	for {
		if ctx.Err() != nil {
			return
		}

		h.mu.Lock()
		paused := h.paused
		waiting := h.waiting
		h.mu.Unlock()

		if paused {
			sleepCtx(ctx, codeHubPauseInterval)
			continue
		}

		if waiting == 0 {
			idleCount++
			if idleCount == 1 {
				// 首次进入空闲，断开连接降低邮箱压力
				h.mailbox.Disconnect()
				h.logger.Debug("codehub.idle")
			}
			sleepCtx(ctx, codeHubIdleInterval)
			continue
		}
		idleCount = 0

		if err := h.pollOnce(ctx); err != nil {
			h.logger.Warn("codehub.poll_error", zap.Error(err))
			h.mailbox.Disconnect()
			sleepCtx(ctx, 5*time.Second)
			continue
		}
		sleepCtx(ctx, codeHubPollInterval)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (h *CodeHub) pollOnce(ctx context.Context) error {
	if err := h.mailbox.Connect(ctx); err != nil {
		return err
	}
	emails, err := h.mailbox.Fetch(ctx, codeHubSender, codeHubFetchWindow)
	if err != nil {
		return err
	}
	for _, email := range emails {
		h.ProcessEmail(email)
	}
	return nil
}

// ProcessEmail 处理一封验证邮件：跳过已处理/过旧的，解析收件人
// 与验证码后入库。导出以便轮询之外的路径（测试、手工导入）复用。
func (h *CodeHub) ProcessEmail(email VerificationEmail) {
	h.mu.Lock()
	if _, done := h.processedUIDs[email.UID]; done {
		h.mu.Unlock()
		return
	}
	h.markUIDLocked(email.UID)
	h.mu.Unlock()

	now := h.now()
	if !email.Date.IsZero() && now.Sub(email.Date) > codeHubMailMaxAge {
		h.logger.Debug("codehub.mail_too_old",
			zap.Uint32("uid", email.UID),
			zap.Duration("age", now.Sub(email.Date)))
		return
	}

	target := h.resolveRecipient(email)
	code := extractCode(email.Body)
	if code == "" {
		h.logger.Debug("codehub.no_code", zap.Uint32("uid", email.UID), zap.String("subject", email.Subject))
		return
	}

	h.StoreCode(code, target)
	h.logger.Info("codehub.code_received",
		zap.Uint32("uid", email.UID),
		zap.String("recipient", target))
}

func (h *CodeHub) markUIDLocked(uid uint32) {
	h.processedUIDs[uid] = struct{}{}
	h.uidOrder = append(h.uidOrder, uid)
	if len(h.uidOrder) > codeHubUIDCap {
		drop := h.uidOrder[:len(h.uidOrder)-codeHubUIDKeep]
		for _, old := range drop {
			delete(h.processedUIDs, old)
		}
		h.uidOrder = append([]uint32(nil), h.uidOrder[len(h.uidOrder)-codeHubUIDKeep:]...)
	}
}

// resolveRecipient 确定验证码的真正收件人。
// To 头是转发邮箱（qq/163/126）时改为扫描正文。
func (h *CodeHub) resolveRecipient(email VerificationEmail) string {
	target := extractEmailFromHeader(email.To)
	if target != "" && isTransportDomain(target) {
		if bodyEmail := extractTargetEmailFromBody(email.Body); bodyEmail != "" {
			return bodyEmail
		}
		return ""
	}
	if target != "" {
		return target
	}
	if target = extractEmailFromHeader(email.XOriginalTo); target != "" {
		return target
	}
	if target = extractEmailFromHeader(email.DeliveredTo); target != "" {
		return target
	}
	return extractTargetEmailFromBody(email.Body)
}

// StoreCode 收录一个验证码。target 为空时进入后备队列。
func (h *CodeHub) StoreCode(code, target string) {
	dupKey := fmt.Sprintf("%x", xxhash.Sum64String(strings.ToLower(target)+"|"+code))
	if _, dup := h.dupCache.Get(dupKey); dup {
		return
	}
	h.dupCache.SetDefault(dupKey, struct{}{})

	h.mu.Lock()
	defer h.mu.Unlock()

	entry := codeEntry{code: code, at: h.now()}
	if target != "" {
		key := strings.ToLower(target)
		h.codesByEmail[key] = append(h.codesByEmail[key], entry)
	} else {
		h.fallbackQueue = append(h.fallbackQueue, entry)
	}
	h.notifyLocked()
}

func (h *CodeHub) notifyLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

// WaitForCode 等待发给 targetEmail 的验证码。
// 只接受 since 之后收到的码；精确队列优先，其次后备队列。
func (h *CodeHub) WaitForCode(ctx context.Context, targetEmail string, timeout time.Duration, since time.Time) (string, error) {
	deadline := h.now().Add(timeout)
	key := strings.ToLower(targetEmail)

	h.mu.Lock()
	h.waiting++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.waiting--
		h.mu.Unlock()
	}()

	for {
		h.mu.Lock()
		if code, ok := h.takeLocked(key, since); ok {
			h.mu.Unlock()
			return code, nil
		}
		notify := h.notify
		h.mu.Unlock()

		remaining := deadline.Sub(h.now())
		if remaining <= 0 {
			return "", apperrors.VerificationTimeout("等待 %s 的验证码超时", targetEmail)
		}
		slice := codeHubWaitSlice
		if remaining < slice {
			slice = remaining
		}

		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", apperrors.VerificationTimeout("等待验证码被取消").WithCause(ctx.Err())
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// takeLocked 取走一个符合条件的验证码（调用方持锁）。
func (h *CodeHub) takeLocked(key string, since time.Time) (string, bool) {
	if key != "" {
		if codes, ok := h.codesByEmail[key]; ok {
			for i, entry := range codes {
				if entry.at.After(since) {
					h.codesByEmail[key] = append(codes[:i], codes[i+1:]...)
					if len(h.codesByEmail[key]) == 0 {
						delete(h.codesByEmail, key)
					}
					return entry.code, true
				}
			}
		}
	}
	for i, entry := range h.fallbackQueue {
		if entry.at.After(since) {
			h.fallbackQueue = append(h.fallbackQueue[:i], h.fallbackQueue[i+1:]...)
			return entry.code, true
		}
	}
	return "", false
}

// CleanupOldCodes 清理超过 maxAge 的验证码。
func (h *CodeHub) CleanupOldCodes(maxAge time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-maxAge)
	for key, codes := range h.codesByEmail {
		kept := codes[:0]
		for _, entry := range codes {
			if entry.at.After(cutoff) {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(h.codesByEmail, key)
		} else {
			h.codesByEmail[key] = kept
		}
	}
	kept := h.fallbackQueue[:0]
	for _, entry := range h.fallbackQueue {
		if entry.at.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	h.fallbackQueue = kept
}

// CodeHubStatus 运行状态快照。
type CodeHubStatus struct {
	Running       bool           `json:"running"`
	TotalCodes    int            `json:"total_codes"`
	CodesByEmail  map[string]int `json:"codes_by_email"`
	FallbackQueue int            `json:"fallback_queue_size"`
	WaitingCount  int            `json:"waiting_count"`
	ProcessedUIDs int            `json:"processed_uids"`
}

// Status 返回状态快照。
func (h *CodeHub) Status() CodeHubStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	byEmail := make(map[string]int, len(h.codesByEmail))
	total := len(h.fallbackQueue)
	for k, v := range h.codesByEmail {
		byEmail[k] = len(v)
		total += len(v)
	}
	return CodeHubStatus{
		Running:       h.running,
		TotalCodes:    total,
		CodesByEmail:  byEmail,
		FallbackQueue: len(h.fallbackQueue),
		WaitingCount:  h.waiting,
		ProcessedUIDs: len(h.processedUIDs),
	}
}

func extractCode(body string) string {
	for _, pattern := range codePatterns {
		if m := pattern.FindStringSubmatch(body); m != nil {
			code := strings.ToUpper(m[1])
			if len(code) == 6 && isAlnum(code) {
				return code
			}
		}
	}
	return ""
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}

func extractEmailFromHeader(header string) string {
	if header == "" {
		return ""
	}
	if m := emailAddrPattern.FindString(header); m != "" {
		return strings.ToLower(m)
	}
	return ""
}

func isTransportDomain(email string) bool {
	for _, domain := range transportDomains {
		if strings.HasSuffix(email, "@"+domain) {
			return true
		}
	}
	return false
}

// extractTargetEmailFromBody 从正文中找第一个非转发域名的邮箱。
func extractTargetEmailFromBody(body string) string {
	for _, m := range emailAddrPattern.FindAllString(strings.ToLower(body), -1) {
		at := strings.LastIndex(m, "@")
		if at < 0 {
			continue
		}
		if _, excluded := excludedBodyDomains[m[at+1:]]; !excluded {
			return m
		}
	}
	return ""
}
