package errors

import "net/http"

// OpenAIErrorBody 是 OpenAI 兼容端点使用的错误信封。
type OpenAIErrorBody struct {
	Error OpenAIErrorDetail `json:"error"`
}

type OpenAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// openaiErrorTypes 将内部错误类别映射为 OpenAI 风格的 error.type。
var openaiErrorTypes = map[string]string{
	ReasonNoAvailableAccount:    "server_error",
	ReasonAuthError:             "server_error",
	ReasonRateLimit:             "rate_limit_error",
	ReasonRequestError:          "server_error",
	ReasonImageGenerationFailed: "server_error",
	ReasonInvalidRequest:        "invalid_request_error",
	ReasonUnauthorized:          "authentication_error",
	ReasonNotFound:              "invalid_request_error",
}

// ToOpenAI converts an error into an HTTP status code and an OpenAI-shaped
// error envelope for the /v1 surface.
func ToOpenAI(err error) (statusCode int, body OpenAIErrorBody) {
	appErr := FromError(err)
	if appErr == nil {
		return http.StatusOK, OpenAIErrorBody{}
	}
	errType, ok := openaiErrorTypes[appErr.Reason]
	if !ok {
		errType = "server_error"
	}
	return int(appErr.Code), OpenAIErrorBody{
		Error: OpenAIErrorDetail{
			Message: appErr.Message,
			Type:    errType,
			Code:    appErr.Reason,
		},
	}
}
