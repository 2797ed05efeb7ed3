// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sort"
)

var ErrUnknownProvider = errors.New("未知的LLM提供者")

// CompletionRequest 标准化的生成请求
type CompletionRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
	Temperature  float32                `json:"temperature,omitempty"`
	TopP         float32                `json:"top_p,omitempty"`
	Model        string                 `json:"model,omitempty"`
	StopWords    []string               `json:"stop_words,omitempty"`
	Stream       bool                   `json:"stream,omitempty"`
	ExtraParams  map[string]interface{} `json:"extra_params,omitempty"`
}

// CompletionResponse 标准化的生成响应
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// StreamResponse 流式生成的单个分片
type StreamResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	Done         bool   `json:"done"`
}

// Provider 所有LLM提供者必须实现的接口
type Provider interface {
	// Initialize 用给定配置初始化提供者
	Initialize(config map[string]string) error

	// GetName 返回提供者名称
	GetName() string

	// GetSupportedModels 返回支持的模型列表
	GetSupportedModels() []string

	// CompleteText 单次文本生成
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion 流式文本生成
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamResponse, error)
}

// ProviderFactory 提供者构造函数
type ProviderFactory func() Provider

// 注册表在各提供者包的init中写入，运行期只读
var providers = make(map[string]ProviderFactory)

// Register 注册提供者工厂，通常由提供者包的init调用
func Register(name string, factory ProviderFactory) {
	providers[name] = factory
}

// GetProvider 创建并初始化指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	factory, exists := providers[name]
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册提供者名称的有序列表
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSupportedModelsForProvider 返回指定提供者支持的模型列表
func GetSupportedModelsForProvider(name string) []string {
	factory, exists := providers[name]
	if !exists {
		return []string{}
	}
	return factory().GetSupportedModels()
}
