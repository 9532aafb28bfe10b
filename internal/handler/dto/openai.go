// Package dto 定义对外 OpenAI 兼容接口的响应结构。
package dto

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewChatCompletionID 生成 chatcmpl- 前缀的响应 ID。
func NewChatCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// ChatMessage 响应里的一条消息。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatChoice 非流式响应的选项。
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage token 统计。
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletion 非流式聊天响应。conversation_id 是会话连续性扩展字段。
type ChatCompletion struct {
	ID             string       `json:"id"`
	Object         string       `json:"object"`
	Created        int64        `json:"created"`
	Model          string       `json:"model"`
	Choices        []ChatChoice `json:"choices"`
	Usage          ChatUsage    `json:"usage"`
	ConversationID string       `json:"conversation_id,omitempty"`
}

// NewChatCompletion 构造非流式响应。
func NewChatCompletion(id, model, content string, usage ChatUsage, conversationID string) *ChatCompletion {
	return &ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage:          usage,
		ConversationID: conversationID,
	}
}

// ChunkDelta 流式增量。
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice 流式响应的选项。
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatChunk 流式响应帧。
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *ChatUsage    `json:"usage,omitempty"`
}

// NewChunk 构造一个流式增量帧。
func NewChunk(id string, created int64, model string, delta ChunkDelta) *ChatChunk {
	return &ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{Delta: delta}},
	}
}

// NewFinishChunk 构造结束帧，带 finish_reason 和 usage。
func NewFinishChunk(id string, created int64, model string, usage ChatUsage) *ChatChunk {
	reason := "stop"
	return &ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{FinishReason: &reason}},
		Usage:   &usage,
	}
}

// ModelInfo 模型对象。
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// NewModelInfo 构造模型对象。
func NewModelInfo(id string) ModelInfo {
	return ModelInfo{ID: id, Object: "model", Created: time.Now().Unix(), OwnedBy: "google"}
}

// ModelList 模型列表。
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// FileObject OpenAI 文件对象。
type FileObject struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int    `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

// FileList 文件列表。
type FileList struct {
	Object string       `json:"object"`
	Data   []FileObject `json:"data"`
}
