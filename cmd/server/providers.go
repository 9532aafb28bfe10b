package main

import (
	"context"
	"database/sql"

	"github.com/gin-gonic/gin"
	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
	"github.com/Wei-Shaw/gembiz2api/internal/handler"
	"github.com/Wei-Shaw/gembiz2api/internal/repository"
	"github.com/Wei-Shaw/gembiz2api/internal/server"
	"github.com/Wei-Shaw/gembiz2api/internal/server/routes"
	"github.com/Wei-Shaw/gembiz2api/internal/service"
)

// Application 聚合常驻服务，Start 后由 HTTP 服务对外提供能力。
type Application struct {
	Server     *server.Server
	Hub        *service.CodeHub
	Lifecycle  *service.Lifecycle
	Maintainer *service.PoolMaintainer
	Cleanup    func()
}

// Start 启动后台服务（验证码轮询、账号生命周期、池维护）。
func (a *Application) Start() {
	a.Hub.Start()
	a.Lifecycle.Start()
	a.Maintainer.Start()
}

// upstreamClients 按超时档位区分的上游 HTTP 客户端。
type upstreamClients struct {
	chat *req.Client
	file *req.Client
	xsrf *req.Client
}

func provideClients(cfg *config.Config) (*upstreamClients, error) {
	chat, err := repository.NewChatClient(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, err
	}
	file, err := repository.NewFileClient(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, err
	}
	xsrf, err := repository.NewXSRFClient(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &upstreamClients{chat: chat, file: file, xsrf: xsrf}, nil
}

func provideAccountStore(cfg *config.Config, logger *zap.Logger) (*service.AccountStore, error) {
	return service.NewAccountStore(repository.NewAccountRepo(cfg.AccountsFile()), cfg.Cooldown, logger)
}

func provideCredentialEmails(cfg *config.Config) service.CredentialEmails {
	return repository.NewCredentialFile(cfg.CredentialsFile())
}

func provideJWTMinter(cfg *config.Config, store *service.AccountStore, logger *zap.Logger) *service.JWTMinter {
	// getoxsrf 对连接状态敏感，每次铸造用全新的短超时客户端
	newClient := func() (*req.Client, error) {
		return repository.NewXSRFClient(cfg.Upstream.ProxyURL)
	}
	return service.NewJWTMinter(store, newClient, logger)
}

func provideCodeHub(cfg *config.Config, logger *zap.Logger) *service.CodeHub {
	mailbox := service.NewIMAPMailbox(service.IMAPConfig{
		Host:     cfg.Email.IMAPHost,
		Port:     cfg.Email.IMAPPort,
		Username: cfg.Email.Address,
		Password: cfg.Email.AuthCode,
	}, logger)
	return service.NewCodeHub(mailbox, logger)
}

func provideBrowserWorker(cfg *config.Config, hub *service.CodeHub, clients *upstreamClients, logger *zap.Logger) *service.BrowserWorker {
	solver := service.NewYesCaptchaSolver(cfg.Login.YesCaptchaAPIKey, clients.xsrf, logger)
	return service.NewBrowserWorker(cfg.Login, cfg.Upstream.ProxyURL, hub, solver, logger)
}

func provideLifecycle(cfg *config.Config, store *service.AccountStore, worker *service.BrowserWorker, hub *service.CodeHub, minter *service.JWTMinter, logger *zap.Logger) *service.Lifecycle {
	return service.NewLifecycle(cfg.Pool, store, worker, hub, minter, logger)
}

func provideDB(cfg *config.Config) (*sql.DB, error) {
	return repository.OpenDB(context.Background(), cfg.DataDir())
}

func provideBinder(db *sql.DB, store *service.AccountStore, cfg *config.Config, logger *zap.Logger) (*service.Binder, error) {
	return service.NewBinder(repository.NewConversationRepo(db), store, cfg.ImagesDir(), logger)
}

func provideImageService(clients *upstreamClients, cfg *config.Config, logger *zap.Logger) *service.ImageService {
	return service.NewImageService(clients.file, cfg.ImagesDir(), logger)
}

func provideFileUploadService(clients *upstreamClients, cfg *config.Config, logger *zap.Logger) (*service.FileUploadService, error) {
	return service.NewFileUploadService(clients.file, cfg.Upstream.ProxyURL, logger)
}

func provideChatService(clients *upstreamClients, store *service.AccountStore, minter *service.JWTMinter, binder *service.Binder, images *service.ImageService, lifecycle *service.Lifecycle, logger *zap.Logger) *service.ChatService {
	chat := service.NewChatService(clients.chat, store, minter, binder, images, logger)
	chat.SetRefreshScheduler(lifecycle)
	return chat
}

func provideMaintainer(cfg *config.Config, store *service.AccountStore, lifecycle *service.Lifecycle, emails service.CredentialEmails, binder *service.Binder, images *service.ImageService, files *service.FileUploadService, chat *service.ChatService, logger *zap.Logger) *service.PoolMaintainer {
	m := service.NewPoolMaintainer(cfg.Pool, cfg.Login, store, lifecycle, emails, binder, images, files, logger)
	chat.SetAccountReplacer(m)
	return m
}

func provideHandlers(cfg *config.Config, chat *service.ChatService, store *service.AccountStore, minter *service.JWTMinter, binder *service.Binder, images *service.ImageService, files *service.FileUploadService, maintainer *service.PoolMaintainer, logger *zap.Logger) *handler.Handlers {
	return handler.NewHandlers(
		handler.NewChatHandler(chat, binder, minter, files, images, cfg.Server.PublicBaseURL, logger),
		handler.NewFileHandler(store, minter, chat, files, images, maintainer, logger),
		handler.NewModelHandler(),
		handler.NewConversationHandler(binder, images, logger),
		handler.NewPoolHandler(store, maintainer, logger),
	)
}

func provideEngine(h *handler.Handlers, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	return routes.NewEngine(h, cfg.Server.APIKeys, logger)
}

func provideServer(cfg *config.Config, engine *gin.Engine, logger *zap.Logger) *server.Server {
	return server.New(cfg.Server, engine, logger)
}

func provideCleanup(db *sql.DB, hub *service.CodeHub, lifecycle *service.Lifecycle, maintainer *service.PoolMaintainer, logger *zap.Logger) func() {
	return func() {
		maintainer.Stop()
		lifecycle.Stop()
		hub.Stop()
		if err := db.Close(); err != nil {
			logger.Warn("close database failed", zap.Error(err))
		}
	}
}
