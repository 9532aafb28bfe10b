package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAssistResponseTextAndSession(t *testing.T) {
	t.Parallel()

	body := `[
		{"streamAssistResponse":{
			"sessionInfo":{"session":"sessions/abc123"},
			"answer":{"replies":[
				{"groundedContent":{"content":{"text":"让我想想。","thought":true}}},
				{"groundedContent":{"content":{"text":"你好，"}}},
				{"groundedContent":{"content":{"text":"世界！","thought":false}}}
			]}
		}},
		{"other":{}}
	]`

	r := ParseAssistResponse([]byte(body))
	require.Equal(t, "你好，世界！", r.Text)
	require.Equal(t, "sessions/abc123", r.SessionName)
	require.Empty(t, r.Images)
}

func TestParseAssistResponseImagesDeduped(t *testing.T) {
	t.Parallel()

	// 同一张图出现在三个层级，只保留一份
	body := `[
		{"streamAssistResponse":{
			"generatedImages":[{"image":{"bytesBase64Encoded":"AAAA","mimeType":"image/jpeg"}}],
			"answer":{
				"generatedImages":[{"image":{"bytesBase64Encoded":"AAAA"}}],
				"replies":[{
					"generatedImages":[
						{"image":{"bytesBase64Encoded":"AAAA"}},
						{"image":{"bytesBase64Encoded":"BBBB"}},
						{"image":{}}
					],
					"groundedContent":{"content":{"text":"出图了"}}
				}]
			}
		}}
	]`

	r := ParseAssistResponse([]byte(body))
	require.Len(t, r.Images, 2)
	require.Equal(t, "AAAA", r.Images[0].Base64Data)
	require.Equal(t, "image/jpeg", r.Images[0].MimeType)
	require.Equal(t, "BBBB", r.Images[1].Base64Data)
	require.Equal(t, "image/png", r.Images[1].MimeType)
}

func TestParseAssistResponseFileRefs(t *testing.T) {
	t.Parallel()

	body := `[
		{"streamAssistResponse":{"answer":{"replies":[
			{"groundedContent":{"content":{"file":{"fileId":"file-001","mimeType":"image/webp","name":"a.webp"}}}}
		]}}}
	]`

	r := ParseAssistResponse([]byte(body))
	require.Len(t, r.FileRefs, 1)
	require.Equal(t, "file-001", r.FileRefs[0].FileID)
	require.Equal(t, "image/webp", r.FileRefs[0].MimeType)
	require.Equal(t, "a.webp", r.FileRefs[0].Name)
}

func TestParseAssistResponseInlinePreferredOverFileRefs(t *testing.T) {
	t.Parallel()

	body := `[
		{"streamAssistResponse":{"answer":{"replies":[{
			"generatedImages":[{"image":{"bytesBase64Encoded":"CCCC"}}],
			"groundedContent":{"content":{"file":{"fileId":"file-002"}}}
		}]}}}
	]`

	r := ParseAssistResponse([]byte(body))
	require.Len(t, r.Images, 1)
	require.Empty(t, r.FileRefs)
}

func TestParseAssistResponseInvalidJSONFallsBackToText(t *testing.T) {
	t.Parallel()

	r := ParseAssistResponse([]byte("  upstream exploded  "))
	require.Equal(t, "upstream exploded", r.Text)
	require.Empty(t, r.Images)
}

func TestIsImageGenerationFailure(t *testing.T) {
	t.Parallel()

	require.True(t, IsImageGenerationFailure("很抱歉，我无法生成图片。这超出了我目前的能力范围。"))
	require.True(t, IsImageGenerationFailure("I cannot generate images directly, but here is a description instead."))
	require.True(t, IsImageGenerationFailure("好的"))
	require.True(t, IsImageGenerationFailure("这里有几个 Prompt 建议供你选择，第一个是赛博朋克风格的城市夜景。"))
	require.False(t, IsImageGenerationFailure("这是一幅描绘夕阳下海岸线的画作，色彩温暖而富有层次感。"))
}
