// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorUnauthorized  = "UNAUTHORIZED"

	// 故事相关错误
	ErrorStoryNotFound     = "STORY_NOT_FOUND"
	ErrorStoryCreateFailed = "STORY_CREATE_FAILED"
	ErrorStoryInvalid      = "STORY_INVALID"
	ErrorStoryGraphInvalid = "STORY_GRAPH_INVALID"
	ErrorImportFailed      = "IMPORT_FAILED"
	ErrorExportFailed      = "EXPORT_FAILED"

	// 播放相关错误
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorChoiceInvalid   = "CHOICE_INVALID"
	ErrorAnswerInvalid   = "ANSWER_INVALID"
	ErrorPlayStartFailed = "PLAY_START_FAILED"

	// 生成相关错误
	ErrorGenerationFailed = "GENERATION_FAILED"
	ErrorQuotaExhausted   = "QUOTA_EXHAUSTED"
	ErrorThemeMissing     = "THEME_MISSING"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	ErrorLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	ErrorConnectionFailed      = "CONNECTION_FAILED"

	// 用户相关错误
	ErrorUserNotFound     = "USER_NOT_FOUND"
	ErrorUserCreateFailed = "USER_CREATE_FAILED"

	// 配置健康相关
	ErrorConfigUnhealthy    = "CONFIG_UNHEALTHY"
	ErrorConfigNotLoaded    = "CONFIG_NOT_LOADED"
	ErrorLLMProviderMissing = "LLM_PROVIDER_MISSING"
	ErrorAPIKeyMissing      = "API_KEY_MISSING"
)
