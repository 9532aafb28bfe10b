//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
)

func initializeApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	wire.Build(
		provideClients,
		provideAccountStore,
		provideCredentialEmails,
		provideJWTMinter,
		provideCodeHub,
		provideBrowserWorker,
		provideLifecycle,
		provideDB,
		provideBinder,
		provideImageService,
		provideFileUploadService,
		provideChatService,
		provideMaintainer,
		provideHandlers,
		provideEngine,
		provideServer,
		provideCleanup,
		wire.Struct(new(Application), "*"),
	)
	return nil, nil
}
