// Package tokenizer 提供用于 usage 统计的粗粒度 token 估算。
package tokenizer

// Estimate 估算文本 token 数：CJK 字符每个约 1.5 token，
// 其余字符每 4 个约 1 token，结果至少为 1。
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	cjk := 0
	other := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}

	tokens := int(float64(cjk)*1.5) + other/4
	if tokens < 1 {
		return 1
	}
	return tokens
}
