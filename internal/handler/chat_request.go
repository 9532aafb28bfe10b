package handler

import (
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/service"
)

const defaultChatModel = "gemini-2.5-flash"

// chatRequest 解析后的聊天请求。
type chatRequest struct {
	Model          string
	Stream         bool
	ConversationID string
	SystemPrompt   string
	UserMessage    string
	History        []service.HistoryMessage
	FileIDs        []string
	Images         []service.InputImage
}

// parseChatRequest 用 gjson 只读提取请求字段，content 支持字符串
// 或 OpenAI 的多段数组格式（text / image_url / file）。
func parseChatRequest(body []byte) (*chatRequest, error) {
	req := &chatRequest{
		Model:          defaultChatModel,
		ConversationID: strings.TrimSpace(gjson.GetBytes(body, "conversation_id").String()),
	}

	if model := gjson.GetBytes(body, "model").String(); model != "" {
		req.Model = model
	}

	stream := gjson.GetBytes(body, "stream")
	if stream.Exists() && stream.Type != gjson.True && stream.Type != gjson.False {
		return nil, apperrors.InvalidRequest("stream 字段类型不合法")
	}
	req.Stream = stream.Bool()

	gjson.GetBytes(body, "file_ids").ForEach(func(_, v gjson.Result) bool {
		if id := v.String(); id != "" {
			req.FileIDs = append(req.FileIDs, id)
		}
		return true
	})

	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, apperrors.InvalidRequest("messages 不能为空")
	}

	items := messages.Array()
	lastUserIdx := -1
	for i, msg := range items {
		if msg.Get("role").String() == "user" {
			lastUserIdx = i
		}
	}

	for i, msg := range items {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "system":
			req.SystemPrompt = contentText(content)

		case "user":
			text := contentText(content)
			if content.IsArray() {
				req.Images = append(req.Images, contentImages(content)...)
				req.FileIDs = append(req.FileIDs, contentFileIDs(content)...)
			}
			if i == lastUserIdx {
				req.UserMessage = text
			} else {
				req.History = append(req.History, service.HistoryMessage{Role: "user", Content: text})
			}

		case "assistant":
			req.History = append(req.History, service.HistoryMessage{Role: "assistant", Content: contentText(content)})
		}
	}

	if req.UserMessage == "" && len(req.Images) == 0 && len(req.FileIDs) == 0 {
		return nil, apperrors.InvalidRequest("缺少用户消息")
	}
	return req, nil
}

// contentText 提取消息文本。数组格式取所有 text 段拼接。
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return content.Raw
	}

	var parts []string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			parts = append(parts, item.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// contentImages 提取 image_url 段，data URL 解析成内联图片。
func contentImages(content gjson.Result) []service.InputImage {
	var images []service.InputImage
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "image_url" {
			return true
		}
		urlField := item.Get("image_url")
		url := urlField.String()
		if urlField.IsObject() {
			url = urlField.Get("url").String()
		}
		if url == "" {
			return true
		}
		if img, ok := service.ParseDataURL(url); ok {
			images = append(images, img)
		} else {
			images = append(images, service.InputImage{URL: url})
		}
		return true
	})
	return images
}

// contentFileIDs 提取 file 段的文件 ID，兼容三种字段位置。
func contentFileIDs(content gjson.Result) []string {
	var ids []string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "file" {
			return true
		}
		if id := item.Get("file_id").String(); id != "" {
			ids = append(ids, id)
			return true
		}
		if id := item.Get("file.file_id").String(); id != "" {
			ids = append(ids, id)
			return true
		}
		if id := item.Get("file.id").String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}
