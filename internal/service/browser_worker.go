package service

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

const (
	gembizHome    = "https://business.gemini.google/"
	browserUA     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	navTimeout    = 60 * time.Second
	loginTimeout  = 30 * time.Second
	signupTimeout = 120 * time.Second
)

var (
	loginSuccessIndicators = []string{
		"business.gemini.google/home",
		"business.gemini.google/cid",
	}
	verificationPageIndicators = []string{
		"accountverification.business.gemini.google",
		"accounts.google.com/v2/challenge",
	}
	errorPageIndicators = []string{
		"signin-error",
		"请试试其他方法",
		"Try another way",
		"Something went wrong",
	}
	codeSentIndicators = []string{
		"验证码已发送", "请查收你的邮件", "请查收您的邮件", "已发送验证码", "代码已发送",
		"code sent", "code has been sent", "check your email", "check your inbox",
	}
	verificationKeywords = []string{
		"请输入验证码", "输入验证码", "verification", "verify", "enter the code", "security code", "验证码",
	}
	googleCodeInputSelectors = []string{
		`input[name="code"]`,
		`input[type="tel"]`,
		`input[autocomplete="one-time-code"]`,
		`input[name="totpPin"]`,
		`input[name="Pin"]`,
		`input#code`,
	}
	cidPattern = regexp.MustCompile(`/cid/([^/?#]+)`)
)

// 上下文隔离用的反检测脚本，新文档加载前注入。
const stealthInitScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['zh-CN', 'zh', 'en'] });
window.chrome = { runtime: {} };
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
	parameters.name === 'notifications' ?
		Promise.resolve({ state: Notification.permission }) :
		originalQuery(parameters)
);
delete window.cdc_adoQpoasnfa76pfcZLmcfl_Array;
delete window.cdc_adoQpoasnfa76pfcZLmcfl_Promise;
delete window.cdc_adoQpoasnfa76pfcZLmcfl_Symbol;
Object.defineProperty(window, 'outerWidth', { get: () => window.innerWidth + 100 });
Object.defineProperty(window, 'outerHeight', { get: () => window.innerHeight + 100 });
const getParameter = WebGLRenderingContext.prototype.getParameter;
WebGLRenderingContext.prototype.getParameter = function(parameter) {
	if (parameter === 37445) { return 'Intel Inc.'; }
	if (parameter === 37446) { return 'Intel Iris OpenGL Engine'; }
	return getParameter.apply(this, arguments);
};
`

// BrowserWorker 用无头浏览器完成 Gemini Business 的登录、注册与
// 凭证提取。浏览器懒启动，账号之间用独立的隐身上下文隔离 Cookie。
type BrowserWorker struct {
	cfg    config.LoginConfig
	proxy  string
	hub    *CodeHub
	solver *YesCaptchaSolver
	logger *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
	cleanup func()
}

// NewBrowserWorker 创建浏览器工作器，首次使用时才启动浏览器。
func NewBrowserWorker(cfg config.LoginConfig, proxyURL string, hub *CodeHub, solver *YesCaptchaSolver, logger *zap.Logger) *BrowserWorker {
	return &BrowserWorker{
		cfg:    cfg,
		proxy:  proxyURL,
		hub:    hub,
		solver: solver,
		logger: logger.Named("browser"),
	}
}

// ensureBrowser 确保浏览器已启动。
func (w *BrowserWorker) ensureBrowser() (*rod.Browser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.browser != nil {
		return w.browser, nil
	}

	l := launcher.New().
		Headless(w.cfg.Headless).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("window-size", "1920,1080")

	if w.proxy != "" {
		// Chromium 不认识 socks5h scheme
		proxy := strings.Replace(w.proxy, "socks5h://", "socks5://", 1)
		l = l.Proxy(proxy)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, apperrors.BrowserFlowError("启动浏览器失败").WithCause(err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, apperrors.BrowserFlowError("连接浏览器失败").WithCause(err)
	}

	w.browser = browser
	w.cleanup = l.Cleanup
	w.logger.Info("browser.launched", zap.Bool("headless", w.cfg.Headless))
	return browser, nil
}

// Close 关闭浏览器。之后再次使用会重新启动。
func (w *BrowserWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.browser != nil {
		_ = w.browser.Close()
		w.browser = nil
	}
	if w.cleanup != nil {
		w.cleanup()
		w.cleanup = nil
	}
}

// newStealthPage 在独立隐身上下文中打开页面并注入反检测脚本。
// 返回的 closeFn 会同时销毁上下文。
func (w *BrowserWorker) newStealthPage() (*rod.Page, func(), error) {
	browser, err := w.ensureBrowser()
	if err != nil {
		return nil, nil, err
	}
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, nil, apperrors.BrowserFlowError("创建隐身上下文失败").WithCause(err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, nil, apperrors.BrowserFlowError("创建页面失败").WithCause(err)
	}
	closeFn := func() {
		_ = page.Close()
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: incognito.BrowserContextID}.Call(browser)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      browserUA,
		AcceptLanguage: "zh-CN,zh;q=0.9,en;q=0.8",
	}); err != nil {
		closeFn()
		return nil, nil, apperrors.BrowserFlowError("设置 UA 失败").WithCause(err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: 1280, Height: 800, DeviceScaleFactor: 1,
	}); err != nil {
		closeFn()
		return nil, nil, apperrors.BrowserFlowError("设置视口失败").WithCause(err)
	}
	_ = proto.EmulationSetTimezoneOverride{TimezoneID: "Asia/Shanghai"}.Call(page)
	if _, err := page.EvalOnNewDocument(stealthInitScript); err != nil {
		closeFn()
		return nil, nil, apperrors.BrowserFlowError("注入脚本失败").WithCause(err)
	}
	return page, closeFn, nil
}

// RefreshAccount 刷新已有账号的凭证。
func (w *BrowserWorker) RefreshAccount(ctx context.Context, creds domain.AccountCredentials) (*domain.AccountCredentials, error) {
	if creds.GoogleEmail == "" {
		return nil, apperrors.BrowserFlowError("账号缺少 google_email，无法自动登录")
	}

	page, closeFn, err := w.newStealthPage()
	if err != nil {
		return nil, err
	}
	defer closeFn()

	target := "https://business.gemini.google/home/cid/" + creds.TeamID
	if creds.Csesidx != "" {
		target += "?csesidx=" + url.QueryEscape(creds.Csesidx)
	}
	if err := safeGoto(page, target); err != nil {
		return nil, err
	}
	human := newHumanBehavior(page)
	human.waitRandom(2000, 4000)

	displayName := creds.Note
	if displayName == "" {
		displayName = emailLocalPart(creds.GoogleEmail)
	}

	if strings.Contains(pageURL(page), "admin/create") {
		if err := w.handleTrialSignup(page, displayName); err != nil {
			return nil, err
		}
		time.Sleep(3 * time.Second)
	}

	if needsLogin(pageURL(page)) {
		if err := w.login(ctx, page, creds.GoogleEmail); err != nil {
			return nil, err
		}
		if err := safeGoto(page, target); err != nil {
			return nil, err
		}
		time.Sleep(3 * time.Second)
	}

	if strings.Contains(pageURL(page), "admin/create") {
		if err := w.handleTrialSignup(page, displayName); err != nil {
			return nil, err
		}
		time.Sleep(3 * time.Second)
	}

	w.waitForChatPage(page, 30*time.Second, displayName)
	w.dismissWelcomeDialog(page)

	extracted, err := extractCredentials(page)
	if err != nil {
		return nil, err
	}
	extracted.GoogleEmail = creds.GoogleEmail
	extracted.Note = creds.Note
	extracted.UserAgent = browserUA
	extracted.Available = true
	w.logger.Info("browser.refresh_done", zap.String("note", creds.Note))
	return extracted, nil
}

// RegisterAccount 从零注册一个新账号并提取凭证。
func (w *BrowserWorker) RegisterAccount(ctx context.Context, googleEmail, note string) (*domain.AccountCredentials, error) {
	if note == "" {
		note = emailLocalPart(googleEmail)
	}
	w.logger.Info("browser.register_start", zap.String("email", googleEmail))

	page, closeFn, err := w.newStealthPage()
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if err := safeGoto(page, gembizHome); err != nil {
		return nil, err
	}
	human := newHumanBehavior(page)
	human.waitRandom(2000, 4000)

	if strings.Contains(pageURL(page), "admin/create") {
		if err := w.handleTrialSignup(page, note); err != nil {
			return nil, err
		}
		time.Sleep(3 * time.Second)
	}

	if needsLogin(pageURL(page)) {
		if err := w.login(ctx, page, googleEmail); err != nil {
			return nil, err
		}
		time.Sleep(3 * time.Second)
	}

	if strings.Contains(pageURL(page), "admin/create") {
		if err := w.handleTrialSignup(page, note); err != nil {
			return nil, err
		}
		time.Sleep(3 * time.Second)
	}

	w.waitForChatPage(page, 60*time.Second, note)
	w.dismissWelcomeDialog(page)

	extracted, err := extractCredentials(page)
	if err != nil {
		return nil, err
	}
	if extracted.TeamID == "" {
		return nil, apperrors.BrowserFlowError("注册后未能提取 team_id")
	}
	extracted.GoogleEmail = googleEmail
	extracted.Note = note
	extracted.UserAgent = browserUA
	extracted.Available = true
	w.logger.Info("browser.register_done", zap.String("note", note))
	return extracted, nil
}

// login 自动登录，失败按 5/10/15 秒退避重试。
func (w *BrowserWorker) login(ctx context.Context, page *rod.Page, googleEmail string) error {
	retries := w.cfg.RetryCount
	if retries <= 0 {
		retries = 3
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt+1) * 5 * time.Second
			w.logger.Info("browser.login_retry", zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return apperrors.BrowserFlowError("登录被取消").WithCause(ctx.Err())
			case <-time.After(wait):
			}
		}
		if err := w.doLogin(ctx, page, googleEmail); err != nil {
			lastErr = err
			if isErrorPage(page) {
				w.recoverFromErrorPage(page)
			}
			continue
		}
		return nil
	}
	return apperrors.BrowserFlowError("自动登录失败").WithCause(lastErr)
}

func (w *BrowserWorker) doLogin(ctx context.Context, page *rod.Page, googleEmail string) error {
	human := newHumanBehavior(page)
	human.warmUpSession(5 * time.Second)

	if isErrorPage(page) {
		w.recoverFromErrorPage(page)
	}

	displayName := emailLocalPart(googleEmail)
	if strings.Contains(pageURL(page), "admin/create") {
		if err := w.handleTrialSignup(page, displayName); err != nil {
			return err
		}
		return w.waitForLoginSuccess(page, displayName)
	}

	current := pageURL(page)
	switch {
	case strings.Contains(current, "auth.business.gemini.google"):
		if err := w.enterEmail(page, human, googleEmail, "#email-input", "#log-in-button"); err != nil {
			return err
		}
	case strings.Contains(current, "accounts.google.com"):
		if err := w.enterEmail(page, human, googleEmail, `input[type="email"]`, "#identifierNext"); err != nil {
			return err
		}
	default:
		return apperrors.BrowserFlowError("未知登录页面: %s", current)
	}

	human.waitRandom(3000, 5000)
	if isErrorPage(page) {
		return apperrors.BrowserFlowError("输入邮箱后出现错误页面")
	}
	if strings.Contains(pageURL(page), "admin/create") {
		if err := w.handleTrialSignup(page, displayName); err != nil {
			return err
		}
		return w.waitForLoginSuccess(page, displayName)
	}

	// 最多等 15 秒进入验证码页面，期间可能直接登录成功
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
		current = pageURL(page)
		if isErrorPage(page) {
			return apperrors.BrowserFlowError("等待验证码页面时出现错误页面")
		}
		if containsAny(current, loginSuccessIndicators) {
			w.logger.Info("browser.login_no_verification")
			return nil
		}
		if strings.Contains(current, "admin/create") {
			if err := w.handleTrialSignup(page, displayName); err != nil {
				return err
			}
			break
		}
		if isVerificationPage(page) {
			if err := w.handleVerification(ctx, page, googleEmail); err != nil {
				return err
			}
			break
		}
	}
	return w.waitForLoginSuccess(page, displayName)
}

func (w *BrowserWorker) enterEmail(page *rod.Page, human *humanBehavior, email, inputSel, buttonSel string) error {
	human.waitRandom(1000, 2500)
	inputEl, err := page.Timeout(loginTimeout).Element(inputSel)
	if err != nil {
		return apperrors.BrowserFlowError("未找到邮箱输入框 %s", inputSel).WithCause(err)
	}
	human.randomMouseMovement(1 + human.rng.Intn(3))
	if err := human.typeLikeHuman(inputEl, email); err != nil {
		return apperrors.BrowserFlowError("输入邮箱失败").WithCause(err)
	}
	human.waitRandom(300, 800)

	if btn := visibleElement(page, buttonSel); btn != nil {
		if err := human.humanClick(btn); err != nil {
			return apperrors.BrowserFlowError("点击登录按钮失败").WithCause(err)
		}
	} else {
		_ = page.Keyboard.Press(input.Enter)
	}
	return nil
}

// handleVerification 等待验证码发出，再从邮箱取码并填入页面。
func (w *BrowserWorker) handleVerification(ctx context.Context, page *rod.Page, googleEmail string) error {
	w.logger.Info("browser.verification_page", zap.String("email", googleEmail))

	var interceptor *CaptchaInterceptor
	if w.solver != nil && w.solver.Enabled() {
		interceptor = NewCaptchaInterceptor(page, w.solver, w.logger)
		interceptor.Start()
		defer interceptor.Stop()
	}

	if interceptor != nil {
		if !interceptor.WaitForCodeSent(60*time.Second) && !interceptor.IsCodeSent() {
			w.waitForCodeSentHint(page, 30*time.Second)
		}
	} else {
		w.waitForCodeSentHint(page, 60*time.Second)
	}

	// 验证码刚刚发出，只接受这个时刻之后的码
	since := time.Now()
	code, err := w.hub.WaitForCode(ctx, googleEmail, w.cfg.VerificationTimeout, since)
	if err != nil {
		return err
	}
	w.logger.Info("browser.code_received", zap.String("email", googleEmail))
	return w.enterVerificationCode(page, code)
}

// waitForCodeSentHint 轮询页面文本，等待"验证码已发送"类提示。
func (w *BrowserWorker) waitForCodeSentHint(page *rod.Page, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if html, err := page.HTML(); err == nil {
			lower := strings.ToLower(html)
			for _, hint := range codeSentIndicators {
				if strings.Contains(lower, strings.ToLower(hint)) {
					return true
				}
			}
		}
		if !isVerificationPage(page) {
			return false
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

func (w *BrowserWorker) enterVerificationCode(page *rod.Page, code string) error {
	if strings.Contains(pageURL(page), "accountverification.business.gemini.google") {
		return w.enterCodeGemini(page, code)
	}
	return w.enterCodeGoogle(page, code)
}

// enterCodeGemini 验证页是 6 个独立输入框，逐格填入。
func (w *BrowserWorker) enterCodeGemini(page *rod.Page, code string) error {
	time.Sleep(time.Second)
	els, err := page.Elements(`input[type="text"]`)
	if err != nil {
		return apperrors.BrowserFlowError("查找验证码输入框失败").WithCause(err)
	}
	var visible []*rod.Element
	for _, el := range els {
		if ok, _ := el.Visible(); ok {
			visible = append(visible, el)
		}
	}

	switch {
	case len(visible) >= 6:
		for i, ch := range code[:6] {
			if err := visible[i].Input(string(ch)); err != nil {
				return apperrors.BrowserFlowError("填入验证码失败").WithCause(err)
			}
			time.Sleep(100 * time.Millisecond)
		}
	case len(visible) == 1:
		if err := visible[0].Input(code); err != nil {
			return apperrors.BrowserFlowError("填入验证码失败").WithCause(err)
		}
	default:
		return apperrors.BrowserFlowError("验证码输入框数量异常: %d", len(visible))
	}
	time.Sleep(500 * time.Millisecond)

	if ok, btn, _ := page.HasR("button", "验证"); ok {
		_ = btn.Click(proto.InputMouseButtonLeft, 1)
	} else if btn := visibleElement(page, `button[type="submit"]`); btn != nil {
		_ = btn.Click(proto.InputMouseButtonLeft, 1)
	} else {
		_ = page.Keyboard.Press(input.Enter)
	}
	time.Sleep(3 * time.Second)
	return nil
}

func (w *BrowserWorker) enterCodeGoogle(page *rod.Page, code string) error {
	for _, sel := range googleCodeInputSelectors {
		el := visibleElement(page, sel)
		if el == nil {
			continue
		}
		_ = el.SelectAllText()
		if err := el.Input(code); err != nil {
			continue
		}
		time.Sleep(500 * time.Millisecond)

		clicked := false
		for _, btnSel := range []string{"#idvPreregisteredPhoneNext", `button[type="submit"]`} {
			if btn := visibleElement(page, btnSel); btn != nil {
				_ = btn.Click(proto.InputMouseButtonLeft, 1)
				clicked = true
				break
			}
		}
		if !clicked {
			if ok, btn, _ := page.HasR("button", "Next|下一步"); ok {
				_ = btn.Click(proto.InputMouseButtonLeft, 1)
				clicked = true
			}
		}
		if !clicked {
			_ = page.Keyboard.Press(input.Enter)
		}
		time.Sleep(3 * time.Second)
		return nil
	}
	return apperrors.BrowserFlowError("未找到验证码输入框")
}

func (w *BrowserWorker) waitForLoginSuccess(page *rod.Page, displayName string) error {
	signupHandled := false
	for i := 0; i < 30; i++ {
		time.Sleep(time.Second)
		current := pageURL(page)
		if containsAny(current, loginSuccessIndicators) {
			return nil
		}
		if !signupHandled && strings.Contains(current, "admin/create") {
			if err := w.handleTrialSignup(page, displayName); err != nil {
				return err
			}
			signupHandled = true
			time.Sleep(3 * time.Second)
		}
	}
	return apperrors.BrowserFlowError("等待登录成功超时")
}

// waitForChatPage 等待 URL 带上 /cid/，途中再遇注册页就处理。
func (w *BrowserWorker) waitForChatPage(page *rod.Page, timeout time.Duration, displayName string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		current := pageURL(page)
		if strings.Contains(current, "/cid/") {
			return
		}
		if strings.Contains(current, "admin/create") {
			_ = w.handleTrialSignup(page, displayName)
		}
		time.Sleep(time.Second)
	}
}

// handleTrialSignup 首次使用的试用注册页：填显示名并点同意。
func (w *BrowserWorker) handleTrialSignup(page *rod.Page, displayName string) error {
	w.logger.Info("browser.trial_signup", zap.String("display_name", displayName))
	time.Sleep(time.Second)
	if displayName == "" {
		displayName = "Gemini User"
	}

	nameInput := visibleElement(page, `input[type="text"]`)
	if nameInput == nil {
		nameInput = visibleElement(page, `input[name="name"]`)
	}
	if nameInput != nil {
		_ = nameInput.SelectAllText()
		if err := nameInput.Input(displayName); err != nil {
			return apperrors.BrowserFlowError("填写显示名失败").WithCause(err)
		}
		time.Sleep(300 * time.Millisecond)
	}

	if ok, btn, _ := page.HasR("button", "同意并开始使用|同意|开始|Start|Agree"); ok {
		_ = btn.Click(proto.InputMouseButtonLeft, 1)
	} else if btn := visibleElement(page, `button[type="submit"]`); btn != nil {
		_ = btn.Click(proto.InputMouseButtonLeft, 1)
	} else if nameInput != nil {
		_ = page.Keyboard.Press(input.Enter)
	} else {
		return apperrors.BrowserFlowError("注册页未找到提交按钮")
	}

	deadline := time.Now().Add(signupTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(time.Second)
		if !strings.Contains(pageURL(page), "admin/create") {
			w.logger.Info("browser.trial_signup_done")
			return nil
		}
	}
	return apperrors.BrowserFlowError("等待注册页跳转超时")
}

// dismissWelcomeDialog 关闭首次进入时的引导弹窗，关不掉就按 Escape。
func (w *BrowserWorker) dismissWelcomeDialog(page *rod.Page) {
	time.Sleep(2 * time.Second)

	if ok, btn, _ := page.HasR("button", "以后再执行此操作|以后再|稍后|跳过|取消|Skip|Later|Cancel|Not now|Maybe later"); ok {
		if visible, _ := btn.Visible(); visible {
			_ = btn.Click(proto.InputMouseButtonLeft, 1)
			time.Sleep(2 * time.Second)
			return
		}
	}
	for _, sel := range []string{
		`div[role="dialog"] button`,
		`.mdc-dialog button`,
		`.mat-dialog-actions button`,
	} {
		if btn := visibleElement(page, sel); btn != nil {
			_ = btn.Click(proto.InputMouseButtonLeft, 1)
			time.Sleep(2 * time.Second)
			return
		}
	}
	_ = page.Keyboard.Press(input.Escape)
	time.Sleep(time.Second)
}

// recoverFromErrorPage 错误页上点返回按钮，找不到就回退上一页。
func (w *BrowserWorker) recoverFromErrorPage(page *rod.Page) {
	w.logger.Warn("browser.error_page", zap.String("url", pageURL(page)))
	if ok, btn, _ := page.HasR("button, a", "注册或登录|Sign in|登录"); ok {
		if visible, _ := btn.Visible(); visible {
			time.Sleep(time.Second)
			_ = btn.Click(proto.InputMouseButtonLeft, 1)
			time.Sleep(3 * time.Second)
			return
		}
	}
	_ = page.NavigateBack()
	time.Sleep(3 * time.Second)
}

// extractCredentials 从聊天页 URL 和 Cookie 中提取凭证。
func extractCredentials(page *rod.Page) (*domain.AccountCredentials, error) {
	current := pageURL(page)
	if !strings.Contains(current, "business.gemini.google") ||
		strings.Contains(current, "auth.business.gemini.google") {
		return nil, apperrors.BrowserFlowError("未能进入聊天页面: %s", current)
	}

	creds := &domain.AccountCredentials{
		RefreshTime: time.Now().Format(time.RFC3339),
	}
	if m := cidPattern.FindStringSubmatch(current); m != nil {
		creds.TeamID = m[1]
	}
	if parsed, err := url.Parse(current); err == nil {
		creds.Csesidx = parsed.Query().Get("csesidx")
	}

	cookies, err := page.Cookies([]string{"https://business.gemini.google"})
	if err != nil {
		return nil, apperrors.BrowserFlowError("读取 Cookie 失败").WithCause(err)
	}
	for _, c := range cookies {
		switch c.Name {
		case "__Secure-C_SES":
			creds.SecureCSes = c.Value
		case "__Host-C_OSES":
			creds.HostCOses = c.Value
		}
	}
	if creds.SecureCSes == "" {
		return nil, apperrors.BrowserFlowError("未能获取 __Secure-C_SES Cookie")
	}
	return creds, nil
}

// safeGoto 导航并等待网络空闲，网络类错误重试。
func safeGoto(page *rod.Page, target string) error {
	var lastErr error
	for retry := 0; retry < 3; retry++ {
		if retry > 0 {
			time.Sleep(time.Duration(retry+1) * 2 * time.Second)
		}
		p := page.Timeout(navTimeout)
		waitIdle := p.WaitRequestIdle(time.Second, nil, nil, nil)
		if err := p.Navigate(target); err != nil {
			lastErr = err
			if isNetworkNavError(err) {
				continue
			}
			return apperrors.BrowserFlowError("页面导航失败").WithCause(err)
		}
		waitIdle()
		return nil
	}
	return apperrors.BrowserFlowError("页面导航失败").WithCause(lastErr)
}

func isNetworkNavError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"err_network_changed", "err_connection_reset", "err_connection_closed",
		"err_internet_disconnected", "err_name_not_resolved", "timeout", "net::",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func pageURL(page *rod.Page) string {
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func needsLogin(currentURL string) bool {
	return strings.Contains(currentURL, "accounts.google.com") ||
		strings.Contains(currentURL, "auth.business.gemini.google") ||
		strings.Contains(strings.ToLower(currentURL), "signin")
}

func isErrorPage(page *rod.Page) bool {
	current := pageURL(page)
	html, _ := page.HTML()
	for _, indicator := range errorPageIndicators {
		if strings.Contains(current, indicator) || strings.Contains(html, indicator) {
			return true
		}
	}
	return false
}

func isVerificationPage(page *rod.Page) bool {
	current := pageURL(page)
	if containsAny(current, verificationPageIndicators) {
		return true
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	lower := strings.ToLower(html)
	for _, kw := range verificationKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func visibleElement(page *rod.Page, selector string) *rod.Element {
	els, err := page.Elements(selector)
	if err != nil {
		return nil
	}
	for _, el := range els {
		if ok, _ := el.Visible(); ok {
			return el
		}
	}
	return nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func emailLocalPart(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	if email == "" {
		return "Gemini User"
	}
	return email
}
