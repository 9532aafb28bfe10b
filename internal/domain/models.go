package domain

import "strings"

// DefaultModels 对外暴露的模型列表
var DefaultModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-3-pro",
	"gemini-3-pro-image",
	"nano-banana-pro",
}

var imageModelMarkers = []string{
	"nano-banana",
	"gemini-3-pro-image",
	"imagen",
	"image-gen",
	"imagegeneration",
}

// IsImageModel 判断模型名是否走图片生成通道
func IsImageModel(model string) bool {
	lower := strings.ToLower(model)
	for _, marker := range imageModelMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
