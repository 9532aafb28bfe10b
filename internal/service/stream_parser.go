package service

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"
)

// InlineImage 上游直接内联返回的 base64 图片。
type InlineImage struct {
	Base64Data string
	MimeType   string
}

// FileRef 上游以文件引用形式返回的图片，需要单独下载。
type FileRef struct {
	FileID   string
	MimeType string
	Name     string
}

// AssistResult streamAssist 响应的解析结果。
type AssistResult struct {
	Text        string
	SessionName string
	Images      []InlineImage
	FileRefs    []FileRef
}

// ParseAssistResponse 解析 streamAssist 返回的 JSON 数组。
//
// 文本只取 thought=false 的分块。generatedImages 会出现在三个层级：
// streamAssistResponse 顶层、answer 下、reply 下，按 base64 的 md5 去重。
// 解析失败时把原始响应当作纯文本返回。
func ParseAssistResponse(body []byte) *AssistResult {
	result := &AssistResult{}

	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		result.Text = strings.TrimSpace(string(body))
		return result
	}

	var texts []string
	seen := map[string]struct{}{}

	appendImage := func(genImg gjson.Result) {
		b64 := genImg.Get("image.bytesBase64Encoded").String()
		if b64 == "" {
			return
		}
		sum := md5.Sum([]byte(b64))
		key := hex.EncodeToString(sum[:])
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}

		mime := genImg.Get("image.mimeType").String()
		if mime == "" {
			mime = "image/png"
		}
		result.Images = append(result.Images, InlineImage{Base64Data: b64, MimeType: mime})
	}

	root.ForEach(func(_, chunk gjson.Result) bool {
		sar := chunk.Get("streamAssistResponse")
		if !sar.Exists() {
			return true
		}

		if session := sar.Get("sessionInfo.session").String(); session != "" {
			result.SessionName = session
		}

		sar.Get("generatedImages").ForEach(func(_, g gjson.Result) bool {
			appendImage(g)
			return true
		})

		answer := sar.Get("answer")
		answer.Get("generatedImages").ForEach(func(_, g gjson.Result) bool {
			appendImage(g)
			return true
		})

		answer.Get("replies").ForEach(func(_, reply gjson.Result) bool {
			reply.Get("generatedImages").ForEach(func(_, g gjson.Result) bool {
				appendImage(g)
				return true
			})

			content := reply.Get("groundedContent.content")
			if fileID := content.Get("file.fileId").String(); fileID != "" {
				mime := content.Get("file.mimeType").String()
				if mime == "" {
					mime = "image/png"
				}
				result.FileRefs = append(result.FileRefs, FileRef{
					FileID:   fileID,
					MimeType: mime,
					Name:     content.Get("file.name").String(),
				})
			}

			if text := content.Get("text").String(); text != "" && !content.Get("thought").Bool() {
				texts = append(texts, text)
			}
			return true
		})
		return true
	})

	result.Text = strings.Join(texts, "")

	// 内联图片和文件引用往往指向同一张图，内联优先
	if len(result.Images) > 0 {
		result.FileRefs = nil
	}
	return result
}

// 模型没出图时常见的答复特征。出现这些内容（或答复过短）
// 说明模型在解释或给建议而不是在生成图片。
var imageFailureIndicators = []string{
	"无法生成图片",
	"图片生成失败",
	"无法创建图像",
	"无法生成图像",
	"无法完成图片生成",
	"i can't generate images",
	"i cannot generate images",
	"unable to generate",
	"failed to generate",
	"image generation failed",
	"cannot create images",
	"i'm not able to generate images",
	"prompt",
	"建议",
	"选项",
	"option",
}

// IsImageGenerationFailure 判断图片模型的纯文本答复是否意味着出图失败。
func IsImageGenerationFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range imageFailureIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return len([]rune(strings.TrimSpace(text))) < 20
}
