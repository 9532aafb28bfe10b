// Package handler 实现对外 HTTP 接口。
package handler

// Handlers 聚合全部接口处理器，供路由注册。
type Handlers struct {
	Chat         *ChatHandler
	File         *FileHandler
	Model        *ModelHandler
	Conversation *ConversationHandler
	Pool         *PoolHandler
}

// NewHandlers 聚合处理器。
func NewHandlers(chat *ChatHandler, file *FileHandler, model *ModelHandler, conversation *ConversationHandler, pool *PoolHandler) *Handlers {
	return &Handlers{
		Chat:         chat,
		File:         file,
		Model:        model,
		Conversation: conversation,
		Pool:         pool,
	}
}
